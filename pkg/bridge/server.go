package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/radical-cybertools/rp-agent/pkg/log"
	"github.com/radical-cybertools/rp-agent/pkg/pubsub"
	"github.com/radical-cybertools/rp-agent/pkg/queue"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// Server implements Handler, standing in for the out-of-scope
// client<->agent transport (spec.md §9). It accepts submitted tasks
// onto the agent's staging-input queue, forwards cancel/shutdown
// commands onto the shared control broker, and answers polling
// requests for state updates out of its own bounded history — a
// client resyncs by passing back the Last index from its previous
// PollResponse.
type Server struct {
	submit       *queue.Queue[*types.Task]
	raptorSubmit *queue.Queue[*types.Task]
	control      *pubsub.Broker[types.ControlCommand]

	mu         sync.Mutex
	history    []StateUpdate
	nextIndex  uint64
	maxHistory int

	grpcServer *grpc.Server
	logger     zerolog.Logger
}

// DefaultMaxHistory bounds how many state updates Server retains for
// polling clients before trimming the oldest.
const DefaultMaxHistory = 4096

// NewServer creates a Server. maxHistory of 0 uses DefaultMaxHistory.
// raptorSubmit is the RAPTOR dispatch queue a function-mode task is
// routed to instead of submit; nil if the agent carries no RAPTOR
// workers, in which case a function-mode submission is rejected.
func NewServer(submit, raptorSubmit *queue.Queue[*types.Task], control *pubsub.Broker[types.ControlCommand], maxHistory int) *Server {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Server{
		submit:       submit,
		raptorSubmit: raptorSubmit,
		control:      control,
		maxHistory:   maxHistory,
		logger:       log.WithComponent("bridge"),
	}
}

// Send implements pkg/control.BridgeSink, recording msg into the
// poll-able history.
func (s *Server) Send(msg types.StateMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIndex++
	update := stateUpdateFrom(msg)
	s.history = append(s.history, update)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	return nil
}

// SubmitTask pushes the submitted task in state NEW onto the
// staging-input queue, or, for a RAPTOR function-mode task, directly
// onto the RAPTOR dispatch queue (spec.md §4.7/§4.8) — function tasks
// never pass through staging, scheduling or the Executor.
func (s *Server) SubmitTask(ctx context.Context, req *TaskSubmission) (*Ack, error) {
	if req.UID == "" {
		return &Ack{Ok: false, Error: "missing task uid"}, nil
	}
	task := req.ToTask()

	target := s.submit
	if task.Description.Mode == types.TaskModeFunction {
		if s.raptorSubmit == nil {
			return &Ack{Ok: false, Error: "raptor not enabled on this agent"}, nil
		}
		target = s.raptorSubmit
	}

	if err := target.Push(ctx, task); err != nil {
		return &Ack{Ok: false, Error: err.Error()}, nil
	}
	return &Ack{Ok: true}, nil
}

// CancelTask publishes a cancel_task command.
func (s *Server) CancelTask(ctx context.Context, req *CancelRequest) (*Ack, error) {
	s.control.Publish(types.ControlCommand{Op: types.ControlCancelTask, UIDs: req.UIDs})
	return &Ack{Ok: true}, nil
}

// Shutdown publishes a shutdown command.
func (s *Server) Shutdown(ctx context.Context, req *Empty) (*Ack, error) {
	s.control.Publish(types.ControlCommand{Op: types.ControlShutdown})
	return &Ack{Ok: true}, nil
}

// PollStateUpdates returns every update recorded after req.Since.
func (s *Server) PollStateUpdates(ctx context.Context, req *PollRequest) (*PollResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldest := s.nextIndex - uint64(len(s.history))
	start := req.Since
	if start < oldest {
		start = oldest
	}
	offset := start - oldest
	if offset > uint64(len(s.history)) {
		offset = uint64(len(s.history))
	}

	updates := make([]StateUpdate, len(s.history)-int(offset))
	copy(updates, s.history[offset:])
	return &PollResponse{Updates: updates, Last: s.nextIndex}, nil
}

// Serve starts the gRPC server on addr and blocks until it stops.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: listen on %s: %w", addr, err)
	}
	s.grpcServer = grpc.NewServer()
	RegisterHandler(s.grpcServer, s)
	s.logger.Info().Str("addr", addr).Msg("bridge server listening")
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Dial connects to a bridge server at addr using the JSON codec and
// plaintext transport, appropriate for a single-host, same-trust-domain
// agent (the teacher's mTLS bootstrapping has no equivalent here; see
// DESIGN.md).
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", addr, err)
	}
	return NewClient(conn), nil
}
