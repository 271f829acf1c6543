package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/radical-cybertools/rp-agent/pkg/pubsub"
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

func (r *recordingUpdater) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func popWithTimeout(t *testing.T, q *queue.Queue[*types.Task], d time.Duration) *types.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	task, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	return task
}

func TestSchedulerPlacesAndForwardsTask(t *testing.T) {
	rm := NewResourceMap([]*types.Node{makeNode("n0", 4, 0)})
	in := queue.New[*types.Task]("in", 4)
	out := queue.New[*types.Task]("out", 4)
	broker := pubsub.NewBroker[types.UnscheduleEvent](4)
	broker.Start()
	defer broker.Stop()
	updater := &recordingUpdater{}

	s := New(rm, in, out, broker.Subscribe(), updater)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	task := &types.Task{UID: "task.0001", Description: types.TaskDescription{Ranks: 1, CoresPerRank: 2}}
	if err := in.Push(context.Background(), task); err != nil {
		t.Fatalf("Push: %v", err)
	}

	got := popWithTimeout(t, out, time.Second)
	if got.UID != task.UID {
		t.Errorf("forwarded task UID = %q, want %q", got.UID, task.UID)
	}
	if got.State != types.StateAgentExecutingPending {
		t.Errorf("forwarded task state = %q, want AGENT_EXECUTING_PENDING", got.State)
	}
	if len(got.Slots) != 1 {
		t.Errorf("forwarded task has %d rank placements, want 1", len(got.Slots))
	}
}

func TestSchedulerRetriesOnUnschedule(t *testing.T) {
	rm := NewResourceMap([]*types.Node{makeNode("n0", 2, 0)})
	in := queue.New[*types.Task]("in", 4)
	out := queue.New[*types.Task]("out", 4)
	broker := pubsub.NewBroker[types.UnscheduleEvent](4)
	broker.Start()
	defer broker.Stop()

	s := New(rm, in, out, broker.Subscribe(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	first := &types.Task{UID: "task.0001", Description: types.TaskDescription{Ranks: 1, CoresPerRank: 2}}
	second := &types.Task{UID: "task.0002", Description: types.TaskDescription{Ranks: 1, CoresPerRank: 2}}

	if err := in.Push(context.Background(), first); err != nil {
		t.Fatalf("Push first: %v", err)
	}
	placed := popWithTimeout(t, out, time.Second)
	if placed.UID != first.UID {
		t.Fatalf("got %q, want first task forwarded", placed.UID)
	}

	if err := in.Push(context.Background(), second); err != nil {
		t.Fatalf("Push second: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for s.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 (second task blocked on full node)", s.PendingCount())
	}

	broker.Publish(types.UnscheduleEvent{TaskUID: first.UID, Slots: placed.Slots})

	retried := popWithTimeout(t, out, time.Second)
	if retried.UID != second.UID {
		t.Fatalf("got %q, want second task retried after unschedule", retried.UID)
	}
	if s.PendingCount() != 0 {
		t.Errorf("PendingCount after successful retry = %d, want 0", s.PendingCount())
	}
}

func TestSchedulerFailsUnschedulableTask(t *testing.T) {
	rm := NewResourceMap([]*types.Node{makeNode("n0", 2, 0)})
	in := queue.New[*types.Task]("in", 4)
	out := queue.New[*types.Task]("out", 4)
	broker := pubsub.NewBroker[types.UnscheduleEvent](4)
	broker.Start()
	defer broker.Stop()
	updater := &recordingUpdater{}

	s := New(rm, in, out, broker.Subscribe(), updater)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	task := &types.Task{UID: "task.0001", Description: types.TaskDescription{Ranks: 1, CoresPerRank: 99}}
	if err := in.Push(context.Background(), task); err != nil {
		t.Fatalf("Push: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for updater.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if task.State != types.StateFailed {
		t.Errorf("task state = %q, want FAILED", task.State)
	}
	if s.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 (unschedulable task never queues)", s.PendingCount())
	}
}
