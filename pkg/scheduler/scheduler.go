package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/radical-cybertools/rp-agent/pkg/log"
	"github.com/radical-cybertools/rp-agent/pkg/metrics"
	"github.com/radical-cybertools/rp-agent/pkg/pubsub"
	"github.com/radical-cybertools/rp-agent/pkg/queue"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// Updater publishes a single, per-task-ordered state-transition notice.
// Scheduler depends only on this narrow interface rather than on
// pkg/control directly, since pkg/control's Update sink is itself built
// on top of components like this one.
type Updater interface {
	Publish(types.StateMessage)
}

// Scheduler consumes AGENT_SCHEDULING_PENDING tasks from an incoming
// queue, places them onto a ResourceMap using the continuous
// bin-packing algorithm, and forwards placed tasks to the executor
// queue. Tasks that cannot be placed immediately sit in a FIFO pending
// list and are retried, in arrival order, whenever an unschedule event
// arrives freeing resources.
type Scheduler struct {
	resources *ResourceMap

	in  *queue.Queue[*types.Task]
	out *queue.Queue[*types.Task]

	unschedule pubsub.Subscriber[types.UnscheduleEvent]
	updater    Updater

	logger zerolog.Logger

	mu      sync.Mutex
	pending []*types.Task

	cancel context.CancelFunc
}

// New creates a Scheduler wired between an incoming and outgoing task
// queue, subscribed to the shared unschedule pubsub topic.
func New(resources *ResourceMap, in, out *queue.Queue[*types.Task], unschedule pubsub.Subscriber[types.UnscheduleEvent], updater Updater) *Scheduler {
	return &Scheduler{
		resources:  resources,
		in:         in,
		out:        out,
		unschedule: unschedule,
		updater:    updater,
		logger:     log.WithComponent("scheduler"),
	}
}

// Start begins the scheduler's consume loops. The loops exit when ctx
// is canceled or Stop is called, whichever comes first.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.consumeIncoming(ctx)
	go s.consumeUnschedule(ctx)
}

// Stop halts both consume loops.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) consumeIncoming(ctx context.Context) {
	for {
		task, err := s.in.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			continue
		}
		s.handleTask(task)
	}
}

func (s *Scheduler) consumeUnschedule(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.unschedule:
			if !ok {
				return
			}
			if err := s.resources.Release(ev.Slots); err != nil {
				s.logger.Error().Err(err).Str("task_uid", ev.TaskUID).Msg("failed to release slots")
			}
			s.retryPending(ctx)
		}
	}
}

// handleTask attempts to place a single freshly-arrived task. On
// success it is forwarded to the executor queue; on a retryable
// failure it joins the FIFO pending list; on a permanent failure it is
// marked FAILED.
func (s *Scheduler) handleTask(task *types.Task) {
	timer := metrics.NewTimer()
	slots, err := s.resources.Place(task.Description)
	timer.ObserveDuration(metrics.SchedulingLatency)

	switch {
	case err == nil:
		s.placeSucceeded(task, slots)
	case errors.Is(err, ErrUnschedulable):
		s.failUnschedulable(task, err)
	default:
		s.logger.Debug().Str("task_uid", task.UID).Msg("resources unavailable, queued pending")
		metrics.TasksUnscheduledTotal.Inc()
		s.mu.Lock()
		s.pending = append(s.pending, task)
		s.mu.Unlock()
	}
}

// retryPending scans the pending list in FIFO order, attempting each
// task exactly once against the current ResourceMap state, per
// spec.md §4.2's "one pass" rule. Head-of-line blocking is accepted:
// a stuck task at the front is retried on every pass alongside the
// rest, never skipped ahead of or reprioritized below.
func (s *Scheduler) retryPending(ctx context.Context) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	var stillPending []*types.Task
	for _, task := range pending {
		timer := metrics.NewTimer()
		slots, err := s.resources.Place(task.Description)
		timer.ObserveDuration(metrics.SchedulingLatency)

		switch {
		case err == nil:
			s.placeSucceeded(task, slots)
		case errors.Is(err, ErrUnschedulable):
			s.failUnschedulable(task, err)
		default:
			stillPending = append(stillPending, task)
		}
	}

	s.mu.Lock()
	s.pending = append(stillPending, s.pending...)
	s.mu.Unlock()
}

func (s *Scheduler) placeSucceeded(task *types.Task, slots types.Slots) {
	task.Slots = slots
	metrics.TasksScheduledTotal.Inc()

	if s.updater != nil {
		s.updater.Publish(types.StateMessage{UID: task.UID, State: types.StateAgentScheduling})
	}

	task.State = types.StateAgentExecutingPending
	if s.updater != nil {
		s.updater.Publish(types.StateMessage{UID: task.UID, State: task.State})
	}

	ctx := context.Background()
	if err := s.out.Push(ctx, task); err != nil {
		s.logger.Error().Err(err).Str("task_uid", task.UID).Msg("failed to forward scheduled task")
	}
}

func (s *Scheduler) failUnschedulable(task *types.Task, cause error) {
	task.State = types.StateFailed
	task.Error = cause.Error()
	metrics.TasksFailedTotal.WithLabelValues("scheduling").Inc()

	s.logger.Warn().Str("task_uid", task.UID).Err(cause).Msg("task is unschedulable")
	if s.updater != nil {
		s.updater.Publish(types.StateMessage{UID: task.UID, State: task.State, Details: cause.Error()})
	}
}

// PendingCount reports how many tasks are currently waiting for a
// retry, for tests and diagnostics.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
