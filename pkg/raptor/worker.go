package raptor

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
	"github.com/radical-cybertools/rp-agent/pkg/queue"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// ExecuteFunc runs one RAPTOR task to completion and reports its exit
// code (0 for success), or an error if it could not be run at all.
type ExecuteFunc func(ctx context.Context, task *types.Task) (exitCode int, err error)

// Worker pulls function/short-exec tasks from the Master's dispatch
// queue and runs them directly, never touching pkg/scheduler. Within a
// single host it may be constructed with master non-nil and embedded
// in the same process as the Master for a hybrid pilot; it works
// identically, minus liveness tracking, with master nil.
type Worker struct {
	id      string
	in      *queue.Queue[*types.Task]
	out     *queue.Queue[*types.Task]
	updater Updater
	master  *Master
	execute ExecuteFunc

	heartbeatInterval time.Duration
	control           pubsub.Subscriber[types.ControlCommand]

	mu      sync.Mutex
	running map[string]context.CancelFunc

	logger zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a Worker identified by id. master may be nil for a
// standalone worker with no liveness tracking (e.g. in tests). control
// may be nil if cancellation is not needed.
func NewWorker(id string, in, out *queue.Queue[*types.Task], updater Updater, master *Master, execute ExecuteFunc, control pubsub.Subscriber[types.ControlCommand], heartbeatInterval time.Duration) *Worker {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Worker{
		id:                id,
		in:                in,
		out:               out,
		updater:           updater,
		master:            master,
		execute:           execute,
		control:           control,
		heartbeatInterval: heartbeatInterval,
		running:           make(map[string]context.CancelFunc),
		logger:            log.WithComponent("raptor-worker").With().Str("worker_id", id).Logger(),
	}
}

// Start registers the worker with its Master (if any) and begins its
// consume, heartbeat, and control loops.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.master != nil {
		w.master.RegisterWorker(w.id)
	}

	w.wg.Add(2)
	go w.consume(ctx)
	go w.heartbeatLoop(ctx)

	if w.control != nil {
		w.wg.Add(1)
		go w.consumeControl(ctx)
	}
}

// Stop halts all loops and, if registered, deregisters from the Master.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.master != nil {
		w.master.DeregisterWorker(w.id)
	}
}

func (w *Worker) consume(ctx context.Context) {
	defer w.wg.Done()
	for {
		task, err := w.in.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			continue
		}
		w.handle(ctx, task)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	if w.master == nil {
		return
	}
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.master.Heartbeat(w.id)
		}
	}
}

func (w *Worker) consumeControl(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-w.control:
			if !ok {
				return
			}
			if cmd.Op == types.ControlCancelTask {
				for _, uid := range cmd.UIDs {
					w.cancelTask(uid)
				}
			}
		}
	}
}

func (w *Worker) cancelTask(uid string) {
	w.mu.Lock()
	cancel := w.running[uid]
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Worker) handle(ctx context.Context, task *types.Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.running[task.UID] = cancel
	w.mu.Unlock()

	if w.master != nil {
		w.master.TrackDispatch(w.id, task)
	}

	task.State = types.StateAgentExecuting
	task.StartedAt = time.Now()
	w.publish(task, "")

	exitCode, err := w.execute(taskCtx, task)

	w.mu.Lock()
	delete(w.running, task.UID)
	w.mu.Unlock()
	cancel()

	if w.master != nil {
		w.master.TrackCompletion(w.id, task.UID)
	}

	task.StoppedAt = time.Now()
	task.ExitCode = exitCode
	metrics.RaptorTasksDispatchedTotal.WithLabelValues(string(task.Description.RaptorMode)).Inc()

	switch {
	case taskCtx.Err() != nil && ctx.Err() == nil:
		task.State = types.StateCanceled
	case err != nil:
		task.State = types.StateFailed
		task.Error = err.Error()
	case exitCode == 0:
		task.State = types.StateDone
	default:
		task.State = types.StateFailed
		task.Error = fmt.Sprintf("raptor task exited with code %d", exitCode)
	}

	w.publish(task, task.Error)

	if task.State == types.StateDone && w.out != nil {
		if pushErr := w.out.Push(context.Background(), task); pushErr != nil {
			w.logger.Error().Err(pushErr).Str("task_uid", task.UID).Msg("failed to forward completed raptor task")
		}
	}
}

func (w *Worker) publish(task *types.Task, details string) {
	if w.updater == nil {
		return
	}
	w.updater.Publish(types.StateMessage{UID: task.UID, State: task.State, Details: details})
}
