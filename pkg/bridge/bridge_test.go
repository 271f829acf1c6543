package bridge

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/radical-cybertools/rp-agent/pkg/pubsub"
	"github.com/radical-cybertools/rp-agent/pkg/queue"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

func startTestServer(t *testing.T) (*Server, *Client, *queue.Queue[*types.Task], *pubsub.Broker[types.ControlCommand]) {
	t.Helper()
	srv, client, submit, _, control := startTestServerWithRaptor(t)
	return srv, client, submit, control
}

func startTestServerWithRaptor(t *testing.T) (*Server, *Client, *queue.Queue[*types.Task], *queue.Queue[*types.Task], *pubsub.Broker[types.ControlCommand]) {
	t.Helper()

	submit := queue.New[*types.Task]("bridge-submit", 8)
	raptorSubmit := queue.New[*types.Task]("bridge-raptor-submit", 8)
	control := pubsub.NewBroker[types.ControlCommand](8)
	control.Start()
	t.Cleanup(control.Stop)

	srv := NewServer(submit, raptorSubmit, control, 0)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gs := grpc.NewServer()
	RegisterHandler(gs, srv)
	go gs.Serve(lis)
	t.Cleanup(gs.GracefulStop)

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return srv, NewClient(conn), submit, raptorSubmit, control
}

func TestSubmitTaskPushesOntoQueue(t *testing.T) {
	_, client, submit, _ := startTestServer(t)

	ack, err := client.SubmitTask(context.Background(), &TaskSubmission{
		UID:        "task.0001",
		Executable: "/bin/true",
		Ranks:      1,
	})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if !ack.Ok {
		t.Fatalf("ack not ok: %s", ack.Error)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := submit.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if task.UID != "task.0001" || task.Description.Executable != "/bin/true" {
		t.Errorf("got %+v", task)
	}
	if task.State != types.StateNew {
		t.Errorf("State = %v, want NEW", task.State)
	}
}

func TestSubmitTaskRoutesFunctionModeToRaptorQueue(t *testing.T) {
	_, client, submit, raptorSubmit, _ := startTestServerWithRaptor(t)

	ack, err := client.SubmitTask(context.Background(), &TaskSubmission{
		UID:        "task.raptor.0001",
		Mode:       string(types.TaskModeFunction),
		FunctionID: "my_func",
	})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if !ack.Ok {
		t.Fatalf("ack not ok: %s", ack.Error)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := raptorSubmit.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop raptorSubmit: %v", err)
	}
	if task.UID != "task.raptor.0001" {
		t.Errorf("got %+v", task)
	}

	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer emptyCancel()
	if _, err := submit.Pop(emptyCtx); err == nil {
		t.Fatal("function-mode task should not land on the staging-input queue")
	}
}

func TestSubmitTaskRejectsFunctionModeWithoutRaptor(t *testing.T) {
	submit := queue.New[*types.Task]("bridge-submit", 8)
	control := pubsub.NewBroker[types.ControlCommand](8)
	control.Start()
	t.Cleanup(control.Stop)
	srv := NewServer(submit, nil, control, 0)

	ack, err := srv.SubmitTask(context.Background(), &TaskSubmission{
		UID:  "task.raptor.0002",
		Mode: string(types.TaskModeFunction),
	})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if ack.Ok {
		t.Fatal("expected rejection with no raptor queue configured")
	}
}

func TestCancelTaskPublishesControlCommand(t *testing.T) {
	_, client, _, control := startTestServer(t)
	sub := control.Subscribe()

	ack, err := client.CancelTask(context.Background(), &CancelRequest{UIDs: []string{"task.0001"}})
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if !ack.Ok {
		t.Fatalf("ack not ok: %s", ack.Error)
	}

	select {
	case cmd := <-sub:
		if cmd.Op != types.ControlCancelTask || len(cmd.UIDs) != 1 {
			t.Errorf("got %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control command")
	}
}

func TestPollStateUpdatesReturnsRecordedHistory(t *testing.T) {
	srv, client, _, _ := startTestServer(t)

	srv.Send(types.StateMessage{UID: "task.0001", State: types.StateDone})
	srv.Send(types.StateMessage{UID: "task.0002", State: types.StateFailed, Details: "boom"})

	resp, err := client.PollStateUpdates(context.Background(), &PollRequest{Since: 0})
	if err != nil {
		t.Fatalf("PollStateUpdates: %v", err)
	}
	if len(resp.Updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(resp.Updates))
	}
	if resp.Updates[0].UID != "task.0001" || resp.Updates[1].UID != "task.0002" {
		t.Errorf("got %+v", resp.Updates)
	}

	resp2, err := client.PollStateUpdates(context.Background(), &PollRequest{Since: resp.Last})
	if err != nil {
		t.Fatalf("PollStateUpdates: %v", err)
	}
	if len(resp2.Updates) != 0 {
		t.Errorf("got %d updates after full resync, want 0", len(resp2.Updates))
	}
}
