// Package staging executes a task's TRANSFER/LINK/COPY staging
// directives (spec.md §4.5), symmetrically before scheduling (Input)
// and after execution (Output). Both components are thin wrappers
// around the same directive-execution and bulk-mkdir logic, consuming
// from one queue and forwarding to the next.
package staging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/radical-cybertools/rp-agent/pkg/log"
	"github.com/radical-cybertools/rp-agent/pkg/metrics"
	"github.com/radical-cybertools/rp-agent/pkg/queue"
	"github.com/radical-cybertools/rp-agent/pkg/sandbox"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// DefaultBulkMkdirThreshold is used when a component is constructed
// with a threshold of 0.
const DefaultBulkMkdirThreshold = 16

// Updater publishes a single, per-task-ordered state-transition notice.
// Mirrors pkg/scheduler.Updater, kept as its own narrow interface for
// the same reason: avoiding a direct import of pkg/control.
type Updater interface {
	Publish(types.StateMessage)
}

// Direction distinguishes the Input component (runs before scheduling)
// from the Output component (runs after execution), since both share
// one implementation.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// Component executes one side (input or output) of a task's staging
// directives. It consumes tasks from in, runs each directive in
// Description.InputStaging or Description.OutputStaging depending on
// direction, and forwards the task to out on success.
type Component struct {
	direction Direction
	resolver  *sandbox.Resolver
	threshold int

	in  *queue.Queue[*types.Task]
	out *queue.Queue[*types.Task]

	updater Updater
	logger  zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a staging Component. A threshold of 0 uses
// DefaultBulkMkdirThreshold.
func New(direction Direction, resolver *sandbox.Resolver, in, out *queue.Queue[*types.Task], updater Updater, threshold int) *Component {
	if threshold <= 0 {
		threshold = DefaultBulkMkdirThreshold
	}
	return &Component{
		direction: direction,
		resolver:  resolver,
		threshold: threshold,
		in:        in,
		out:       out,
		updater:   updater,
		logger:    log.WithComponent("staging." + direction.String()),
	}
}

// Start begins the component's consume loop. It exits when ctx is
// canceled or Stop is called.
func (c *Component) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop halts the consume loop and waits for it to exit.
func (c *Component) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Component) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		task, err := c.in.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			continue
		}
		c.handleTask(ctx, task)
	}
}

func (c *Component) directives(task *types.Task) []types.StagingDirective {
	if c.direction == Input {
		return task.Description.InputStaging
	}
	return task.Description.OutputStaging
}

func (c *Component) pendingState() types.State {
	if c.direction == Input {
		return types.StateAgentStagingInput
	}
	return types.StateAgentStagingOutput
}

func (c *Component) nextState() types.State {
	if c.direction == Input {
		return types.StateAgentSchedulingPending
	}
	return types.StateDone
}

func (c *Component) handleTask(ctx context.Context, task *types.Task) {
	directives := c.directives(task)

	task.State = c.pendingState()
	c.publish(task, "")

	timer := metrics.NewTimer()
	err := c.stageAll(task.UID, directives)
	timer.ObserveDurationVec(metrics.StagingDuration, c.direction.String())

	if err != nil {
		task.State = types.StateFailed
		task.Error = err.Error()
		metrics.TasksFailedTotal.WithLabelValues("staging_" + c.direction.String()).Inc()
		c.logger.Warn().Str("task_uid", task.UID).Err(err).Msg("staging failed")
		c.publish(task, err.Error())
		return
	}

	task.State = c.nextState()
	c.publish(task, "")

	if task.State == types.StateDone {
		return
	}

	if err := c.out.Push(ctx, task); err != nil {
		c.logger.Error().Err(err).Str("task_uid", task.UID).Msg("failed to forward staged task")
	}
}

// stageAll resolves every directive's target path up front (batching
// parent-directory creation per the task_bulk_mkdir_threshold rule),
// then executes each directive in order.
func (c *Component) stageAll(taskUID string, directives []types.StagingDirective) error {
	if len(directives) == 0 {
		return nil
	}

	targets, err := directiveTargets(c.resolver, taskUID, directives)
	if err != nil {
		return err
	}
	if err := ensureDirs(targets, c.threshold); err != nil {
		return err
	}

	for _, d := range directives {
		if err := execute(c.resolver, taskUID, d); err != nil {
			metrics.StagingOperationsTotal.WithLabelValues(strings.ToLower(string(d.Action)), "error").Inc()
			return fmt.Errorf("staging directive %s %s -> %s: %w", d.Action, d.Source, d.Target, err)
		}
		metrics.StagingOperationsTotal.WithLabelValues(strings.ToLower(string(d.Action)), "ok").Inc()
	}
	return nil
}

func (c *Component) publish(task *types.Task, details string) {
	if c.updater == nil {
		return
	}
	c.updater.Publish(types.StateMessage{UID: task.UID, State: task.State, Details: details})
}
