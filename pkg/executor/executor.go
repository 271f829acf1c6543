// Package executor spawns a task's launch script as a child process
// group, watches it to completion, and reports the outcome (spec.md
// §4.3). It is the only component that ever runs user code.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/launch"
	"github.com/radical-cybertools/rp-agent/pkg/log"
	"github.com/radical-cybertools/rp-agent/pkg/metrics"
	"github.com/radical-cybertools/rp-agent/pkg/pubsub"
	"github.com/radical-cybertools/rp-agent/pkg/queue"
	"github.com/radical-cybertools/rp-agent/pkg/sandbox"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// DefaultCancelGrace is how long a terminated task is given to exit
// cleanly after SIGTERM before the executor escalates to SIGKILL.
const DefaultCancelGrace = 5 * time.Second

// Updater publishes a single, per-task-ordered state-transition notice.
type Updater interface {
	Publish(types.StateMessage)
}

// SlotReleaser notifies the scheduler that a task's slots are free
// again. Mirrors Updater's narrow-interface shape for the same reason:
// pkg/scheduler's UnscheduleEvent publisher is a *pubsub.Broker, and
// this package has no need to depend on pkg/scheduler to use it.
type SlotReleaser interface {
	Publish(types.UnscheduleEvent)
}

// Executor consumes AGENT_EXECUTING_PENDING tasks, spawns each one's
// launch script, and forwards it to the output-staging queue on exit.
type Executor struct {
	registry        *launch.Registry
	resourceManager config.ResourceManager
	hostOf          launch.HostOf
	resolver        *sandbox.Resolver
	grace           time.Duration

	in  *queue.Queue[*types.Task]
	out *queue.Queue[*types.Task]

	updater    Updater
	unschedule SlotReleaser
	control    pubsub.Subscriber[types.ControlCommand]

	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]*run

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Executor. grace of 0 uses DefaultCancelGrace.
func New(
	registry *launch.Registry,
	resourceManager config.ResourceManager,
	hostOf launch.HostOf,
	resolver *sandbox.Resolver,
	in, out *queue.Queue[*types.Task],
	updater Updater,
	unschedule SlotReleaser,
	control pubsub.Subscriber[types.ControlCommand],
	grace time.Duration,
) *Executor {
	if grace <= 0 {
		grace = DefaultCancelGrace
	}
	return &Executor{
		registry:        registry,
		resourceManager: resourceManager,
		hostOf:          hostOf,
		resolver:        resolver,
		grace:           grace,
		in:              in,
		out:             out,
		updater:         updater,
		unschedule:      unschedule,
		control:         control,
		running:         make(map[string]*run),
		logger:          log.WithComponent("executor"),
	}
}

// Start begins the consume and control-dispatch loops.
func (e *Executor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(2)
	go e.consumeIncoming(ctx)
	go e.consumeControl(ctx)
}

// Stop halts both loops and waits for those two loops to return. It
// does not wait for per-task goroutines. Canceling the loops' context
// kills each running launch script's own process (it was started with
// exec.CommandContext), and such a task is reported CANCELED.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Executor) consumeIncoming(ctx context.Context) {
	defer e.wg.Done()
	for {
		task, err := e.in.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			continue
		}
		go e.handleTask(ctx, task)
	}
}

func (e *Executor) consumeControl(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-e.control:
			if !ok {
				return
			}
			if cmd.Op == types.ControlCancelTask {
				for _, uid := range cmd.UIDs {
					e.cancelTask(uid)
				}
			}
		}
	}
}

func (e *Executor) cancelTask(uid string) {
	e.mu.Lock()
	r := e.running[uid]
	e.mu.Unlock()
	if r == nil {
		return
	}
	r.terminate(e.grace)
}

// handleTask drives one task from AGENT_EXECUTING_PENDING through to
// AGENT_STAGING_OUTPUT_PENDING, FAILED, or CANCELED.
func (e *Executor) handleTask(ctx context.Context, task *types.Task) {
	method, err := e.registry.Select(task.Description, e.resourceManager)
	if err != nil {
		e.fail(task, fmt.Sprintf("LMUnavailable: %v", err))
		return
	}

	sandboxDir := e.resolver.TaskSandbox(task.UID)
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		e.fail(task, fmt.Sprintf("failed to create task sandbox: %v", err))
		return
	}

	paths := newScriptPaths(sandboxDir, task.UID)
	dumpPath := envDumpPath(sandboxDir, task.UID)

	cmd, err := method.BuildCommand(task.Description, task.Slots, e.hostOf, paths.execScript)
	if err != nil {
		e.fail(task, fmt.Sprintf("LMUnavailable: %v", err))
		return
	}

	if err := writeLaunchScript(paths.launchScript, task.Description, cmd, dumpPath); err != nil {
		e.fail(task, err.Error())
		return
	}
	if err := writeExecScript(paths.execScript, task.Description, method, method.RankIDVariable(), dumpPath); err != nil {
		e.fail(task, err.Error())
		return
	}

	timer := metrics.NewTimer()
	r, err := spawn(ctx, paths.launchScript, paths.stdout, paths.stderr)
	timer.ObserveDuration(metrics.ExecutorSpawnDuration)
	if err != nil {
		e.fail(task, fmt.Sprintf("spawn failed: %v", err))
		return
	}
	metrics.TasksSpawnedTotal.Inc()

	e.mu.Lock()
	e.running[task.UID] = r
	e.mu.Unlock()

	task.State = types.StateAgentExecuting
	task.StartedAt = time.Now()
	e.publish(task, "")

	<-r.done

	e.mu.Lock()
	delete(e.running, task.UID)
	e.mu.Unlock()

	task.StoppedAt = time.Now()
	task.ExitCode = r.exitCode()

	switch {
	case r.canceled.Load() || ctx.Err() != nil:
		task.State = types.StateCanceled
		metrics.TasksExitedTotal.WithLabelValues("canceled").Inc()
	case task.ExitCode == 0:
		task.State = types.StateAgentStagingOutputPending
		metrics.TasksExitedTotal.WithLabelValues("zero").Inc()
	default:
		task.State = types.StateFailed
		task.Error = fmt.Sprintf("task exited with code %d", task.ExitCode)
		metrics.TasksExitedTotal.WithLabelValues("nonzero").Inc()
	}

	e.publish(task, task.Error)
	e.releaseSlots(task)

	if task.State == types.StateAgentStagingOutputPending {
		if err := e.out.Push(context.Background(), task); err != nil {
			e.logger.Error().Err(err).Str("task_uid", task.UID).Msg("failed to forward executed task")
		}
	}
}

func (e *Executor) fail(task *types.Task, reason string) {
	task.State = types.StateFailed
	task.Error = reason
	metrics.TasksFailedTotal.WithLabelValues("executing").Inc()
	e.logger.Warn().Str("task_uid", task.UID).Str("reason", reason).Msg("task failed before or during spawn")
	e.publish(task, reason)
	e.releaseSlots(task)
}

func (e *Executor) releaseSlots(task *types.Task) {
	if e.unschedule == nil || len(task.Slots) == 0 {
		return
	}
	e.unschedule.Publish(types.UnscheduleEvent{TaskUID: task.UID, Slots: task.Slots})
}

func (e *Executor) publish(task *types.Task, details string) {
	if e.updater == nil {
		return
	}
	e.updater.Publish(types.StateMessage{UID: task.UID, State: task.State, Details: details})
}

// RunningCount reports how many tasks currently have a live child
// process, for tests and diagnostics.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}
