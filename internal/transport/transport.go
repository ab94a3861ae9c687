// Package transport moves marshalled message envelopes between cluster
// members over gRPC. The service is a single fire-and-forget unary method;
// there is no request/response coupling between members, only independent
// messages in both directions.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/causalcluster/raft/internal/wire"
)

const deliverMethod = "/raft.Messaging/Deliver"

// rawMessage carries pre-marshalled envelope bytes through gRPC.
type rawMessage struct {
	data []byte
}

// rawCodec passes envelope bytes through gRPC unchanged. The envelopes are
// already in protobuf wire format.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("cannot marshal message of type %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("cannot unmarshal message of type %T", v)
	}
	m.data = make([]byte, len(data))
	copy(m.data, data)
	return nil
}

func (rawCodec) Name() string {
	return "raft-raw"
}

type messagingServer interface {
	deliver(ctx context.Context, in *rawMessage) (*rawMessage, error)
}

func deliverHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(rawMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(messagingServer).deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(messagingServer).deliver(ctx, req.(*rawMessage))
	}
	return interceptor(ctx, in, info, handler)
}

var messagingServiceDesc = grpc.ServiceDesc{
	ServiceName: "raft.Messaging",
	HandlerType: (*messagingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// Server accepts inbound envelopes and hands them to a single handler.
type Server struct {
	address string
	handler func(*wire.Envelope)
	server  *grpc.Server
}

// NewServer creates a server that will listen on the provided address and
// deliver every inbound envelope to the handler.
func NewServer(address string, handler func(*wire.Envelope)) *Server {
	return &Server{address: address, handler: handler}
}

func (s *Server) deliver(_ context.Context, in *rawMessage) (*rawMessage, error) {
	envelope, err := wire.UnmarshalEnvelope(in.data)
	if err != nil {
		return nil, err
	}
	s.handler(envelope)
	return &rawMessage{}, nil
}

// Run starts serving inbound envelopes. It does not block.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	s.server.RegisterService(&messagingServiceDesc, s)
	go func() {
		_ = s.server.Serve(listener)
	}()
	return nil
}

// Shutdown stops serving and closes all accepted connections.
func (s *Server) Shutdown() {
	if s.server != nil {
		s.server.Stop()
	}
}

// Client sends envelopes to other members, dialing lazily and keeping the
// connections for reuse.
type Client struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient creates a client with no open connections.
func NewClient() *Client {
	return &Client{conns: make(map[string]*grpc.ClientConn)}
}

// Send delivers one envelope to the member at the provided address.
func (c *Client) Send(ctx context.Context, address string, envelope *wire.Envelope) error {
	conn, err := c.conn(address)
	if err != nil {
		return err
	}
	in := &rawMessage{data: wire.MarshalEnvelope(envelope)}
	out := new(rawMessage)
	return conn.Invoke(ctx, deliverMethod, in, out, grpc.ForceCodec(rawCodec{}))
}

// Close closes every open connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for address, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, address)
	}
	return firstErr
}

func (c *Client) conn(address string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c.conns[address] = conn
	return conn, nil
}
