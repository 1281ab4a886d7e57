// Package grpcapi exposes the realtime room feed and the admin channel over
// gRPC. Messages are google.protobuf.Struct envelopes of the form
// {"event": ..., "data": {...}}, so no generated code is needed.
package grpcapi

import (
	"net"

	"github.com/charmbracelet/log"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/cesi-keybox/keybox/server/internal/broadcast"
	"github.com/cesi-keybox/keybox/server/internal/keybox/service"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
)

const (
	FeedServiceName  = "keybox.v1.RoomFeed"
	AdminServiceName = "keybox.v1.Admin"

	watchMethod   = "/" + FeedServiceName + "/Watch"
	sessionMethod = "/" + AdminServiceName + "/Session"
)

// Dependencies holds the services the gRPC layer needs.
type Dependencies struct {
	Hub     *broadcast.Hub
	Store   store.EventStore
	Console *service.AdminConsole
	Logger  *log.Logger
}

type feedHandler interface {
	watch(grpc.ServerStream) error
}

type adminHandler interface {
	session(grpc.ServerStream) error
}

var roomFeedDesc = grpc.ServiceDesc{
	ServiceName: FeedServiceName,
	HandlerType: (*feedHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Watch",
			Handler: func(srv any, stream grpc.ServerStream) error {
				if err := stream.RecvMsg(new(emptypb.Empty)); err != nil {
					return err
				}
				return srv.(feedHandler).watch(stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "keybox/v1/keybox.proto",
}

var adminDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*adminHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Session",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(adminHandler).session(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "keybox/v1/keybox.proto",
}

type Server struct {
	deps Dependencies
	grpc *grpc.Server
}

func NewServer(deps Dependencies, opts ...grpc.ServerOption) *Server {
	s := &Server{deps: deps, grpc: grpc.NewServer(opts...)}
	s.grpc.RegisterService(&roomFeedDesc, s)
	s.grpc.RegisterService(&adminDesc, s)
	return s
}

func (s *Server) Serve(lis net.Listener) error {
	s.deps.Logger.Info("grpc listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// GracefulStop waits for open streams. Watch streams end when their context
// is cancelled, so callers usually pair this with Stop after a timeout.
func (s *Server) GracefulStop() { s.grpc.GracefulStop() }

func (s *Server) Stop() { s.grpc.Stop() }

func (s *Server) send(stream grpc.ServerStream, event string, data any) error {
	msg, err := newEnvelope(event, data)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

// compile-time checks
var (
	_ feedHandler  = (*Server)(nil)
	_ adminHandler = (*Server)(nil)
)
