package bridge

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the gRPC full-service name RPCs are registered under.
const serviceName = "rpagent.Bridge"

// Handler is the set of RPCs the agent's bridge endpoint exposes to an
// external client (task submission, cancellation, polling for state
// updates). A hand-written equivalent of what protoc-gen-go-grpc would
// generate from a .proto, since these messages travel over the custom
// JSON codec rather than the protobuf wire format.
type Handler interface {
	SubmitTask(ctx context.Context, req *TaskSubmission) (*Ack, error)
	CancelTask(ctx context.Context, req *CancelRequest) (*Ack, error)
	Shutdown(ctx context.Context, req *Empty) (*Ack, error)
	PollStateUpdates(ctx context.Context, req *PollRequest) (*PollResponse, error)
}

// RegisterHandler registers srv's RPCs on s.
func RegisterHandler(s *grpc.Server, srv Handler) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitTask", Handler: submitTaskHandler},
		{MethodName: "CancelTask", Handler: cancelTaskHandler},
		{MethodName: "Shutdown", Handler: shutdownHandler},
		{MethodName: "PollStateUpdates", Handler: pollStateUpdatesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/bridge/service.go",
}

func submitTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TaskSubmission)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).SubmitTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/SubmitTask"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).SubmitTask(ctx, req.(*TaskSubmission))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CancelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).CancelTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/CancelTask"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).CancelTask(ctx, req.(*CancelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func shutdownHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Shutdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Shutdown"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).Shutdown(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func pollStateUpdatesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PollRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).PollStateUpdates(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/PollStateUpdates"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).PollStateUpdates(ctx, req.(*PollRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Client is a thin wrapper over a grpc.ClientConn dialed with the
// bridge's JSON codec, grounded on the teacher's pkg/client.Client
// shape (a struct wrapping *grpc.ClientConn plus the generated stub),
// minus the mTLS bootstrapping the teacher needs for its multi-tenant
// cluster and this single-host, same-trust-domain agent does not.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed connection (see Dial).
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) SubmitTask(ctx context.Context, req *TaskSubmission) (*Ack, error) {
	out := new(Ack)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/SubmitTask", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CancelTask(ctx context.Context, req *CancelRequest) (*Ack, error) {
	out := new(Ack)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/CancelTask", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Shutdown(ctx context.Context, req *Empty) (*Ack, error) {
	out := new(Ack)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Shutdown", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PollStateUpdates(ctx context.Context, req *PollRequest) (*PollResponse, error) {
	out := new(PollResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/PollStateUpdates", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
