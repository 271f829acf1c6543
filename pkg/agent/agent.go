// Package agent wires together the pipeline stages (resource manager,
// scheduler, launch-method registry, staging, executor, update/control,
// optional RAPTOR subsystem, and the external bridge) into one
// bootable unit, and maps the failures each stage can raise at boot
// onto the category exit codes spec.md §6 defines.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/radical-cybertools/rp-agent/pkg/bridge"
	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/control"
	"github.com/radical-cybertools/rp-agent/pkg/executor"
	"github.com/radical-cybertools/rp-agent/pkg/launch"
	"github.com/radical-cybertools/rp-agent/pkg/log"
	"github.com/radical-cybertools/rp-agent/pkg/pubsub"
	"github.com/radical-cybertools/rp-agent/pkg/queue"
	"github.com/radical-cybertools/rp-agent/pkg/raptor"
	"github.com/radical-cybertools/rp-agent/pkg/resource"
	"github.com/radical-cybertools/rp-agent/pkg/sandbox"
	"github.com/radical-cybertools/rp-agent/pkg/scheduler"
	"github.com/radical-cybertools/rp-agent/pkg/staging"
	"github.com/radical-cybertools/rp-agent/pkg/transport"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// FailureCategory is the exit-code taxonomy spec.md §6 assigns to an
// agent that cannot start or that dies of an unrecoverable internal
// error: 1=config, 2=resource, 3=bootstrap, 4=runtime.
type FailureCategory int

const (
	ExitConfig    FailureCategory = 1
	ExitResource  FailureCategory = 2
	ExitBootstrap FailureCategory = 3
	ExitRuntime   FailureCategory = 4
)

// Error wraps a failure with the exit category it belongs to.
type Error struct {
	Category FailureCategory
	Err      error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// ExitCode returns the process exit code this error maps to.
func (e *Error) ExitCode() int { return int(e.Category) }

func configErr(format string, args ...interface{}) error {
	return &Error{Category: ExitConfig, Err: fmt.Errorf(format, args...)}
}

func resourceErr(err error) error {
	return &Error{Category: ExitResource, Err: err}
}

func bootstrapErr(format string, args ...interface{}) error {
	return &Error{Category: ExitBootstrap, Err: fmt.Errorf(format, args...)}
}

// knownResourceManagers is the closed set spec.md §6 allows for
// resource_manager; an unrecognized value is a configuration error,
// not something a launch method discovers later at runtime.
var knownResourceManagers = map[config.ResourceManager]bool{
	config.ResourceManagerCCM: true, config.ResourceManagerCOBALT: true, config.ResourceManagerFORK: true,
	config.ResourceManagerLSF: true, config.ResourceManagerPBSPRO: true, config.ResourceManagerSLURM: true,
	config.ResourceManagerTORQUE: true, config.ResourceManagerYARN: true,
}

// Config is everything New needs to boot one pilot agent.
type Config struct {
	PilotID      string
	PlatformName string
	Platform     config.Platform
	Manifest     resource.Manifest
	Sandbox      *sandbox.Resolver

	QueueCapacity int // 0 -> DefaultQueueCapacity

	RaptorWorkers       int
	RaptorHeartbeat     time.Duration
	RaptorLossThreshold int
	RaptorFunctions     raptor.FunctionRegistry

	BridgeAddr string // empty disables the bridge listener

	Transport transport.Config

	RuntimeBudget time.Duration // 0 disables wall-clock shutdown
	CancelGrace   time.Duration
	Backoff       control.BackoffConfig

	StagingBulkMkdirThreshold int
}

// DefaultQueueCapacity is used for every pipeline queue when
// Config.QueueCapacity is left at 0.
const DefaultQueueCapacity = 256

// Agent owns every running component of one pilot and sequences their
// startup and shutdown.
type Agent struct {
	cfg Config

	resources *resource.Manager
	registry  *launch.Registry
	transport *transport.Transport

	stateBroker      *pubsub.Broker[types.StateMessage]
	controlBroker    *pubsub.Broker[types.ControlCommand]
	unscheduleBroker *pubsub.Broker[types.UnscheduleEvent]

	qStageIn   *queue.Queue[*types.Task]
	qSchedule  *queue.Queue[*types.Task]
	qExecute   *queue.Queue[*types.Task]
	qStageOut  *queue.Queue[*types.Task]
	qRaptorIn  *queue.Queue[*types.Task]
	qRaptorOut *queue.Queue[*types.Task]

	stagingIn  *staging.Component
	stagingOut *staging.Component
	scheduler  *scheduler.Scheduler
	executor   *executor.Executor
	update     *control.Update
	control    *control.Control

	raptorMaster  *raptor.Master
	raptorWorkers []*raptor.Worker

	bridgeServer *bridge.Server

	logger zerolog.Logger
}

// New builds every component but does not start any goroutines. A
// non-nil error is always an *Error carrying the exit category the
// caller should report.
func New(cfg Config) (*Agent, error) {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Sandbox == nil {
		return nil, configErr("agent: Config.Sandbox resolver is required")
	}
	if !knownResourceManagers[cfg.Platform.ResourceManager] {
		return nil, configErr("agent: unknown resource_manager %q", cfg.Platform.ResourceManager)
	}
	if len(cfg.Platform.LaunchMethods.Order) == 0 {
		return nil, configErr("agent: platform %q declares no launch_methods order", cfg.PlatformName)
	}

	a := &Agent{cfg: cfg, logger: log.WithComponent("agent").With().Str("pilot_id", cfg.PilotID).Logger()}

	mgr, err := resource.NewManager(cfg.PlatformName, cfg.Platform, cfg.Manifest)
	if err != nil {
		return nil, resourceErr(err)
	}
	a.resources = mgr

	registry, err := buildRegistry(cfg.Platform)
	if err != nil {
		return nil, err
	}
	a.registry = registry

	t, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, bootstrapErr("agent: open transport: %v", err)
	}
	a.transport = t

	a.stateBroker = pubsub.NewBroker[types.StateMessage](cfg.QueueCapacity)
	a.controlBroker = pubsub.NewBroker[types.ControlCommand](cfg.QueueCapacity)
	a.unscheduleBroker = pubsub.NewBroker[types.UnscheduleEvent](cfg.QueueCapacity)

	a.qStageIn = queue.New[*types.Task]("stage-in", cfg.QueueCapacity)
	a.qSchedule = queue.New[*types.Task]("schedule", cfg.QueueCapacity)
	a.qExecute = queue.New[*types.Task]("execute", cfg.QueueCapacity)
	a.qStageOut = queue.New[*types.Task]("stage-out", cfg.QueueCapacity)

	if cfg.RaptorWorkers > 0 {
		a.qRaptorIn = queue.New[*types.Task]("raptor-dispatch", cfg.QueueCapacity)
		a.qRaptorOut = a.qStageOut
		a.raptorMaster = raptor.NewMaster(a.qRaptorIn, a.stateBroker, cfg.RaptorHeartbeat, cfg.RaptorLossThreshold)
	}

	a.stagingIn = staging.New(staging.Input, cfg.Sandbox, a.qStageIn, a.qSchedule, a.stateBroker, cfg.StagingBulkMkdirThreshold)
	a.stagingOut = staging.New(staging.Output, cfg.Sandbox, a.qStageOut, nil, a.stateBroker, cfg.StagingBulkMkdirThreshold)

	resourceMap := scheduler.NewResourceMap(mgr.Nodes())
	a.scheduler = scheduler.New(resourceMap, a.qSchedule, a.qExecute, a.unscheduleBroker.Subscribe(), a.stateBroker)

	a.executor = executor.New(
		a.registry,
		cfg.Platform.ResourceManager,
		mgr.Hostname,
		cfg.Sandbox,
		a.qExecute, a.qStageOut,
		a.stateBroker,
		a.unscheduleBroker,
		a.controlBroker.Subscribe(),
		cfg.CancelGrace,
	)

	var bridgeSink control.BridgeSink
	if cfg.BridgeAddr != "" {
		a.bridgeServer = bridge.NewServer(a.qStageIn, a.qRaptorIn, a.controlBroker, 0)
		bridgeSink = a.bridgeServer
	}

	onFatal := func(err error) {
		a.logger.Error().Err(err).Msg("update sink exhausted its retry budget, canceling pilot")
		a.controlBroker.Publish(types.ControlCommand{Op: types.ControlShutdown})
	}
	a.update = control.NewUpdate(a.stateBroker.Subscribe(), a.transport, bridgeSink, cfg.Backoff, onFatal)
	a.control = control.NewControl(a.controlBroker.Subscribe(), a.controlBroker, cfg.RuntimeBudget, 0)

	return a, nil
}

// startRaptorWorkers scales the worker pool up to Config.RaptorWorkers,
// deferred to Start so workers begin pulling from the dispatch queue
// only once the brokers they publish state through are themselves
// running, not during New.
func (a *Agent) startRaptorWorkers(ctx context.Context) {
	if a.raptorMaster == nil {
		return
	}
	execFn := raptor.NewExecuteFunc(a.cfg.RaptorFunctions)
	spawn := func(ctx context.Context, id string) (*raptor.Worker, error) {
		w := raptor.NewWorker(id, a.qRaptorIn, a.qRaptorOut, a.stateBroker, a.raptorMaster, execFn, a.controlBroker.Subscribe(), a.cfg.RaptorHeartbeat)
		w.Start(ctx)
		return w, nil
	}
	a.raptorWorkers = raptor.ScaleWorkers(ctx, a.cfg.RaptorWorkers, a.cfg.RaptorWorkers, 0,
		func(i int) string { return fmt.Sprintf("%s.raptor.%04d", a.cfg.PilotID, i) }, spawn)
}

// buildRegistry instantiates one of every catalog launch method,
// applies each method's configured pre_exec_cached lines, and builds a
// Registry restricted to the platform's launch_methods order. Order
// names with no matching catalog entry (a typo, or a method this
// build doesn't carry) are silently skipped by Registry.Select at
// per-task resolution time; only an order with zero resolvable
// methods at all is a boot-time configuration error.
func buildRegistry(p config.Platform) (*launch.Registry, error) {
	catalog := launch.DefaultCatalog()
	byName := make(map[string]bool, len(catalog))
	for _, m := range catalog {
		if cfg, ok := p.LaunchMethods.Methods[m.Name()]; ok {
			applyPreExecCached(m, cfg.PreExecCached)
		}
		byName[m.Name()] = true
	}

	resolvable := 0
	for _, name := range p.LaunchMethods.Order {
		if byName[name] {
			resolvable++
		}
	}
	if resolvable == 0 {
		return nil, configErr("agent: none of launch_methods.order %v matches a known launch method", p.LaunchMethods.Order)
	}

	return launch.NewRegistry(p.LaunchMethods.Order, catalog...), nil
}

// applyPreExecCached sets a method's once-per-boot environment
// preparation lines. Every catalog method carries this as a plain
// exported field rather than a setter, so this is a type switch
// instead of an interface method.
func applyPreExecCached(m launch.Method, lines []string) {
	switch v := m.(type) {
	case *launch.SRUN:
		v.PreExecList = lines
	case *launch.MPIRUN:
		v.PreExecList = lines
	case *launch.MPIEXEC:
		v.PreExecList = lines
	case *launch.JSRUN:
		v.PreExecList = lines
	case *launch.APRUN:
		v.PreExecList = lines
	case *launch.PRTE:
		v.PreExecList = lines
	case *launch.SSH:
		v.PreExecList = lines
	case *launch.FORK:
		v.PreExecList = lines
	case *launch.FLUX:
		v.PreExecList = lines
	}
}

// Start brings up every component in dependency order: sinks and
// control first, pipeline stages next, the external bridge listener
// last. It returns once everything is running; components run in
// their own goroutines from here on.
func (a *Agent) Start(ctx context.Context) error {
	a.stateBroker.Start()
	a.controlBroker.Start()
	a.unscheduleBroker.Start()

	a.update.Start(ctx)
	a.control.Start(ctx)
	if a.raptorMaster != nil {
		a.raptorMaster.Start(ctx)
	}
	a.startRaptorWorkers(ctx)
	a.stagingIn.Start(ctx)
	a.stagingOut.Start(ctx)
	a.scheduler.Start(ctx)
	a.executor.Start(ctx)

	if a.bridgeServer != nil {
		errCh := make(chan error, 1)
		go func() {
			if err := a.bridgeServer.Serve(a.cfg.BridgeAddr); err != nil {
				errCh <- err
			}
		}()
		select {
		case err := <-errCh:
			return bootstrapErr("agent: bridge server: %v", err)
		case <-time.After(100 * time.Millisecond):
		}
	}

	a.logger.Info().Str("platform", a.cfg.PlatformName).Int("nodes", len(a.resources.Nodes())).Msg("agent started")
	return nil
}

// Stop shuts down every component and closes the durable transport
// log. It is safe to call once, after Start has returned successfully.
func (a *Agent) Stop() {
	if a.bridgeServer != nil {
		a.bridgeServer.Stop()
	}
	a.executor.Stop()
	a.scheduler.Stop()
	a.stagingOut.Stop()
	a.stagingIn.Stop()
	for _, w := range a.raptorWorkers {
		w.Stop()
	}
	if a.raptorMaster != nil {
		a.raptorMaster.Stop()
	}
	a.control.Stop()
	a.update.Stop()

	a.stateBroker.Stop()
	a.controlBroker.Stop()
	a.unscheduleBroker.Stop()

	if err := a.transport.Shutdown(); err != nil {
		a.logger.Error().Err(err).Msg("transport shutdown failed")
	}
	a.logger.Info().Msg("agent stopped")
}

// SubmitTask routes a task onto the staging-input queue, or — for a
// RAPTOR function-mode task (spec.md §4.7/§4.8) — directly onto the
// RAPTOR dispatch queue, bypassing staging, scheduling and the
// Executor entirely. The in-process equivalent of a bridge client's
// SubmitTask RPC, used by tests that drive an Agent without a bridge
// listener; cmd/rp-submit always goes through the bridge client.
func (a *Agent) SubmitTask(ctx context.Context, task *types.Task) error {
	if task.Description.Mode == types.TaskModeFunction {
		if a.qRaptorIn == nil {
			return fmt.Errorf("agent: task %s requires RAPTOR but no workers are configured", task.UID)
		}
		return a.qRaptorIn.Push(ctx, task)
	}
	return a.qStageIn.Push(ctx, task)
}

// CancelTask publishes a cancel_task control command for the given
// task UIDs.
func (a *Agent) CancelTask(uids ...string) {
	a.control.CancelTask(uids...)
}

// Shutdown publishes a shutdown control command, the same one a wall
// clock budget expiry or a bridge Shutdown RPC would raise.
func (a *Agent) Shutdown() {
	a.control.Shutdown()
}

// ControlSubscribe returns a fresh subscriber to the shared control
// broker, for callers (cmd/rp-agent's signal handler, tests) that need
// to observe a shutdown command rather than just originate one.
func (a *Agent) ControlSubscribe() pubsub.Subscriber[types.ControlCommand] {
	return a.controlBroker.Subscribe()
}

// Nodes returns the pilot's fixed node set.
func (a *Agent) Nodes() []*types.Node { return a.resources.Nodes() }
