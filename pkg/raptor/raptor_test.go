package raptor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/radical-cybertools/rp-agent/pkg/queue"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

type recordingUpdater struct {
	mu       sync.Mutex
	messages []types.StateMessage
}

func (r *recordingUpdater) Publish(m types.StateMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recordingUpdater) find(uid string) (types.StateMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last types.StateMessage
	found := false
	for _, m := range r.messages {
		if m.UID == uid {
			last = m
			found = true
		}
	}
	return last, found
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestWorkerRunsFunctionTaskToCompletion(t *testing.T) {
	in := queue.New[*types.Task]("raptor-in", 4)
	out := queue.New[*types.Task]("raptor-out", 4)
	updater := &recordingUpdater{}

	var called []interface{}
	registry := FunctionRegistry{
		"double": func(args []interface{}) (interface{}, error) {
			called = args
			return nil, nil
		},
	}

	w := NewWorker("w0", in, out, updater, nil, NewExecuteFunc(registry), nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	task := &types.Task{
		UID: "task.0001",
		Description: types.TaskDescription{
			Mode:         types.TaskModeFunction,
			RaptorMode:   types.RaptorTaskFunction,
			FunctionID:   "double",
			FunctionArgs: []interface{}{21},
		},
	}
	if err := in.Push(context.Background(), task); err != nil {
		t.Fatalf("Push: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	done, err := out.Pop(ctx2)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if done.State != types.StateDone {
		t.Errorf("State = %v, want DONE", done.State)
	}
	if len(called) != 1 || called[0] != 21 {
		t.Errorf("function called with %v, want [21]", called)
	}
}

func TestWorkerFailsUnregisteredFunction(t *testing.T) {
	in := queue.New[*types.Task]("raptor-in", 4)
	out := queue.New[*types.Task]("raptor-out", 4)
	updater := &recordingUpdater{}

	w := NewWorker("w0", in, out, updater, nil, NewExecuteFunc(FunctionRegistry{}), nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	task := &types.Task{
		UID: "task.0002",
		Description: types.TaskDescription{
			Mode:       types.TaskModeFunction,
			RaptorMode: types.RaptorTaskFunction,
			FunctionID: "missing",
		},
	}
	if err := in.Push(context.Background(), task); err != nil {
		t.Fatalf("Push: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		msg, ok := updater.find("task.0002")
		return ok && msg.State == types.StateFailed
	})
}

func TestMasterDeclaresWorkerLostAndFailsInFlightTasks(t *testing.T) {
	updater := &recordingUpdater{}
	master := NewMaster(nil, updater, 10*time.Millisecond, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	master.Start(ctx)
	defer master.Stop()

	master.RegisterWorker("w0")
	task := &types.Task{UID: "task.0003", State: types.StateAgentExecuting}
	master.TrackDispatch("w0", task)

	waitFor(t, time.Second, func() bool {
		msg, ok := updater.find("task.0003")
		return ok && msg.State == types.StateFailed && msg.Details == "RaptorWorkerLost"
	})
}

func TestMasterHeartbeatKeepsWorkerAlive(t *testing.T) {
	updater := &recordingUpdater{}
	master := NewMaster(nil, updater, 10*time.Millisecond, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	master.Start(ctx)
	defer master.Stop()

	master.RegisterWorker("w0")
	task := &types.Task{UID: "task.0004"}
	master.TrackDispatch("w0", task)

	stop := time.Now().Add(60 * time.Millisecond)
	for time.Now().Before(stop) {
		master.Heartbeat("w0")
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := updater.find("task.0004"); ok {
		t.Fatal("task was failed out despite regular heartbeats")
	}
}

func TestScaleWorkersBatchesSpawns(t *testing.T) {
	var mu sync.Mutex
	var spawnedIDs []string

	spawn := func(ctx context.Context, id string) (*Worker, error) {
		mu.Lock()
		spawnedIDs = append(spawnedIDs, id)
		mu.Unlock()
		in := queue.New[*types.Task]("in", 1)
		out := queue.New[*types.Task]("out", 1)
		w := NewWorker(id, in, out, nil, nil, NewExecuteFunc(nil), nil, 0)
		w.Start(ctx)
		return w, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workers := ScaleWorkers(ctx, 5, 2, time.Millisecond, func(i int) string { return "w" + string(rune('0'+i)) }, spawn)
	for _, w := range workers {
		defer w.Stop()
	}

	if len(spawnedIDs) != 5 {
		t.Errorf("spawned %d workers, want 5", len(spawnedIDs))
	}
}
