// Package control implements the Update and Control components
// (spec.md §4.6). Update is a single-writer sink that serializes each
// task's state transitions, in the order they occurred, into the
// durable transport log and forwards them to the client-side bridge.
// Control dispatches administrative commands over the shared control
// pubsub and enforces the pilot's wall-clock budget.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/radical-cybertools/rp-agent/pkg/log"
	"github.com/radical-cybertools/rp-agent/pkg/metrics"
	"github.com/radical-cybertools/rp-agent/pkg/pubsub"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// DurableAppender is the subset of pkg/transport.Transport that Update
// needs. A narrow interface, as elsewhere in the agent, so this package
// depends only on the method it calls rather than on the transport
// package's concrete type.
type DurableAppender interface {
	Append(op string, payload interface{}) (uint64, error)
}

// BridgeSink forwards a state message to the client-side transport.
// pkg/bridge's client wrapper satisfies this; Update works without one
// (e.g. in tests, or an agent run with no attached client) since a nil
// BridgeSink is treated as "nothing further to send."
type BridgeSink interface {
	Send(types.StateMessage) error
}

// Update subscribes to the STATE pubsub and is the only component that
// writes state transitions into the durable log, giving the per-task
// ordering guarantee spec.md §4.6 asks for: as long as every producer
// reaches this one subscriber in the order its transitions occurred,
// serializing them one at a time here preserves that order end to end.
type Update struct {
	sub    pubsub.Subscriber[types.StateMessage]
	log    DurableAppender
	bridge BridgeSink
	backoff BackoffConfig
	onFatal func(error)

	logger zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUpdate creates an Update sink. onFatal, if non-nil, is invoked
// when a message exhausts its retry budget (spec.md §7's Transport
// category: "retries with exponential backoff up to an administratively
// bounded cap then escalates to fatal").
func NewUpdate(sub pubsub.Subscriber[types.StateMessage], appender DurableAppender, bridge BridgeSink, backoff BackoffConfig, onFatal func(error)) *Update {
	return &Update{
		sub:     sub,
		log:     appender,
		bridge:  bridge,
		backoff: backoff.orDefault(),
		onFatal: onFatal,
		logger:  log.WithComponent("update"),
	}
}

// Start begins the sink's consume loop.
func (u *Update) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.wg.Add(1)
	go u.run(ctx)
}

// Stop halts the sink and waits for it to drain its current message.
func (u *Update) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
}

func (u *Update) run(ctx context.Context) {
	defer u.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-u.sub:
			if !ok {
				return
			}
			u.handle(msg)
		}
	}
}

func (u *Update) handle(msg types.StateMessage) {
	if msg.Ts.IsZero() {
		msg.Ts = time.Now()
	}
	if msg.EType == "" {
		msg.EType = types.EventTask
	}

	retryWithBackoff(u.backoff, "update_sink", func() error {
		if _, err := u.log.Append("state", msg); err != nil {
			return fmt.Errorf("append state record: %w", err)
		}
		if u.bridge != nil {
			if err := u.bridge.Send(msg); err != nil {
				return fmt.Errorf("forward state to bridge: %w", err)
			}
		}
		return nil
	}, u.onFatal, u.logger)
}

// Control subscribes to the CONTROL pubsub's command stream purely to
// count and log traffic, and owns the pilot's wall-clock budget: once
// the budget elapses it publishes a shutdown command onto the same
// broker every other component already listens to, mirroring how the
// teacher's Reconciler ticks on an interval and flips state once a
// heartbeat deadline is crossed.
type Control struct {
	sub    pubsub.Subscriber[types.ControlCommand]
	broker *pubsub.Broker[types.ControlCommand]

	budget        time.Duration
	checkInterval time.Duration
	startedAt     time.Time

	logger zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DefaultCheckInterval is how often Control polls the wall-clock budget.
const DefaultCheckInterval = 5 * time.Second

// NewControl creates a Control component. budget of 0 disables the
// wall-clock shutdown entirely (an unbounded pilot). checkInterval of 0
// uses DefaultCheckInterval.
func NewControl(sub pubsub.Subscriber[types.ControlCommand], broker *pubsub.Broker[types.ControlCommand], budget, checkInterval time.Duration) *Control {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &Control{
		sub:           sub,
		broker:        broker,
		budget:        budget,
		checkInterval: checkInterval,
		logger:        log.WithComponent("control"),
	}
}

// Start begins the log-and-count loop and, if a budget is set, the
// wall-clock ticker.
func (c *Control) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.startedAt = time.Now()

	c.wg.Add(1)
	go c.observe(ctx)

	if c.budget > 0 {
		c.wg.Add(1)
		go c.watchBudget(ctx)
	}
}

// Stop halts both loops.
func (c *Control) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Control) observe(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-c.sub:
			if !ok {
				return
			}
			metrics.ControlCommandsTotal.WithLabelValues(string(cmd.Op)).Inc()
			c.logger.Info().Str("op", string(cmd.Op)).Strs("uids", cmd.UIDs).Msg("control command received")
		}
	}
}

func (c *Control) watchBudget(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(c.startedAt) >= c.budget {
				c.logger.Warn().Dur("budget", c.budget).Msg("pilot wall-clock budget exceeded, shutting down")
				c.Shutdown()
				return
			}
		}
	}
}

// CancelTask publishes a cancel_task command for the given task UIDs.
func (c *Control) CancelTask(uids ...string) {
	c.broker.Publish(types.ControlCommand{Op: types.ControlCancelTask, UIDs: uids})
}

// CancelPilot publishes a cancel_pilot command.
func (c *Control) CancelPilot() {
	c.broker.Publish(types.ControlCommand{Op: types.ControlCancelPilot})
}

// Shutdown publishes a shutdown command.
func (c *Control) Shutdown() {
	c.broker.Publish(types.ControlCommand{Op: types.ControlShutdown})
}

var errRetryExhausted = errors.New("control: retry budget exhausted")
