// Package raptor implements the optional high-throughput subsystem
// (spec.md §4.7): a Master that hosts a scheduling queue for
// sub-5-minute function tasks, and a pool of Workers that pull from it
// and execute directly on their already-placed slot, bypassing
// pkg/scheduler entirely. Workers may run embedded in the Master's
// process for a single-node "hybrid" pilot.
package raptor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/radical-cybertools/rp-agent/pkg/log"
	"github.com/radical-cybertools/rp-agent/pkg/metrics"
	"github.com/radical-cybertools/rp-agent/pkg/queue"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// Updater publishes a single, per-task-ordered state-transition notice.
type Updater interface {
	Publish(types.StateMessage)
}

// DefaultHeartbeatInterval is how often a Worker reports liveness and
// the Master checks for missed heartbeats.
const DefaultHeartbeatInterval = 2 * time.Second

// DefaultLossThreshold is how many consecutive missed heartbeats
// declare a Worker lost (decided open question, spec.md §4.7/§9).
const DefaultLossThreshold = 3

type workerState struct {
	mu            sync.Mutex
	id            string
	lastHeartbeat time.Time
	inFlight      map[string]*types.Task
}

func newWorkerState(id string) *workerState {
	return &workerState{id: id, lastHeartbeat: time.Now(), inFlight: make(map[string]*types.Task)}
}

func (w *workerState) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = time.Now()
}

func (w *workerState) track(task *types.Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight[task.UID] = task
}

func (w *workerState) untrack(uid string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, uid)
}

func (w *workerState) drain() []*types.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	tasks := make([]*types.Task, 0, len(w.inFlight))
	for _, t := range w.inFlight {
		tasks = append(tasks, t)
	}
	w.inFlight = make(map[string]*types.Task)
	return tasks
}

func (w *workerState) idle(threshold time.Duration, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Sub(w.lastHeartbeat) > threshold
}

// Master hosts the RAPTOR scheduling queue (a load-balanced
// pkg/queue.Queue that every registered Worker's consume loop Pops
// from, which already gives the "N workers pull from one queue"
// behavior spec.md §5 describes for any load-balanced component), and
// tracks Worker liveness so a lost Worker's in-flight tasks can be
// failed out rather than hang forever.
type Master struct {
	dispatch *queue.Queue[*types.Task]
	updater  Updater

	heartbeatInterval time.Duration
	lossThreshold     int

	mu      sync.Mutex
	workers map[string]*workerState

	logger zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaster creates a Master dispatching over the given queue.
// heartbeatInterval of 0 uses DefaultHeartbeatInterval; lossThreshold
// of 0 uses DefaultLossThreshold.
func NewMaster(dispatch *queue.Queue[*types.Task], updater Updater, heartbeatInterval time.Duration, lossThreshold int) *Master {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if lossThreshold <= 0 {
		lossThreshold = DefaultLossThreshold
	}
	return &Master{
		dispatch:          dispatch,
		updater:           updater,
		heartbeatInterval: heartbeatInterval,
		lossThreshold:     lossThreshold,
		workers:           make(map[string]*workerState),
		logger:            log.WithComponent("raptor-master"),
	}
}

// Start begins the worker-loss detection loop.
func (m *Master) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.watchLoss(ctx)
}

// Stop halts the loss-detection loop.
func (m *Master) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// RegisterWorker adds id to the pool of workers the Master tracks.
func (m *Master) RegisterWorker(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[id] = newWorkerState(id)
	metrics.RaptorWorkersTotal.Inc()
}

// DeregisterWorker removes id, e.g. on a clean worker shutdown.
func (m *Master) DeregisterWorker(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[id]; ok {
		delete(m.workers, id)
		metrics.RaptorWorkersTotal.Dec()
	}
}

// Heartbeat records that id is still alive.
func (m *Master) Heartbeat(id string) {
	m.mu.Lock()
	w := m.workers[id]
	m.mu.Unlock()
	if w != nil {
		w.touch()
	}
}

// TrackDispatch records that task is now in flight on worker id, so it
// can be failed out if that worker is later declared lost.
func (m *Master) TrackDispatch(id string, task *types.Task) {
	m.mu.Lock()
	w := m.workers[id]
	m.mu.Unlock()
	if w != nil {
		w.track(task)
	}
}

// TrackCompletion stops tracking a task that finished on its own,
// successfully or not.
func (m *Master) TrackCompletion(id, taskUID string) {
	m.mu.Lock()
	w := m.workers[id]
	m.mu.Unlock()
	if w != nil {
		w.untrack(taskUID)
	}
}

func (m *Master) watchLoss(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	threshold := time.Duration(m.lossThreshold) * m.heartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.checkLoss(now, threshold)
		}
	}
}

func (m *Master) checkLoss(now time.Time, threshold time.Duration) {
	m.mu.Lock()
	var lost []*workerState
	for id, w := range m.workers {
		if w.idle(threshold, now) {
			lost = append(lost, w)
			delete(m.workers, id)
		}
	}
	m.mu.Unlock()

	for _, w := range lost {
		m.declareLost(w)
	}
}

func (m *Master) declareLost(w *workerState) {
	metrics.RaptorWorkersLostTotal.Inc()
	metrics.RaptorWorkersTotal.Dec()
	m.logger.Warn().Str("worker_id", w.id).Msg("raptor worker declared lost, failing in-flight tasks")

	for _, task := range w.drain() {
		task.State = types.StateFailed
		task.Error = "RaptorWorkerLost"
		task.StoppedAt = time.Now()
		if m.updater != nil {
			m.updater.Publish(types.StateMessage{UID: task.UID, State: task.State, Details: task.Error})
		}
	}
}
