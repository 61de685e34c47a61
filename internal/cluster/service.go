package cluster

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

const (
	serviceName    = "topicmesh.cluster.v1.Forwarder"
	forwardMethod  = "/" + serviceName + "/Forward"
	interestMethod = "/" + serviceName + "/Interest"
)

// Handler receives traffic from other members.
type Handler interface {
	// HandleForwarded publishes a message forwarded by member from.
	HandleForwarded(ctx context.Context, from string, msg *message.Message) error
	// HandleInterest records a member's change of interest in a pattern.
	HandleInterest(ctx context.Context, in Interest) error
}

type forwarderServer interface {
	Forward(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Interest(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

var forwarderServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*forwarderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Forward", Handler: forwardHandler},
		{MethodName: "Interest", Handler: interestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "topicmesh/cluster/v1/forwarder.proto",
}

func forwardHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(forwarderServer).Forward(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: forwardMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(forwarderServer).Forward(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func interestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(forwarderServer).Interest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: interestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(forwarderServer).Interest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// server adapts a Handler to the forwarder service.
type server struct {
	c       *Cluster
	handler Handler
}

func (s *server) Forward(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	msg, err := decodeMessage(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.c.received.Add(1)
	if err := s.handler.HandleForwarded(ctx, msg.OriginServer, msg); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *server) Interest(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	interest, err := decodeInterest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.handler.HandleInterest(ctx, interest); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, rc.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, rc.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, rc.ErrCapacity), errors.Is(err, rc.ErrResourceExhausted):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, rc.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Verify that server implements the forwarderServer interface at compile time
var _ forwarderServer = (*server)(nil)
