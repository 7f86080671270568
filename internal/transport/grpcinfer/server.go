package grpcinfer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/inference"
)

const (
	serviceName = "streamrl.Inference"
	inferMethod = "/" + serviceName + "/Infer"
)

// Backend is what the server forwards calls to. inference.Service implements it.
type Backend interface {
	Infer(ctx context.Context, req inference.Request) (inference.Response, error)
}

type inferServer interface {
	infer(ctx context.Context, req *inference.Request) (*inference.Response, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*inferServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Infer", Handler: inferHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "streamrl/inference",
}

func inferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(inference.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(inferServer).infer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: inferMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(inferServer).infer(ctx, req.(*inference.Request))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes a Backend on a gRPC listener.
type Server struct {
	backend Backend
	grpc    *grpc.Server
	logger  *zap.Logger
}

func NewServer(backend Backend, logger *zap.Logger) *Server {
	s := &Server{backend: backend, grpc: grpc.NewServer(), logger: logger}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

func (s *Server) infer(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	resp, err := s.backend.Infer(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &resp, nil
}

// Serve blocks until ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.grpc.GracefulStop()
	}()
	s.logger.Info("gRPC inference listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc: %w", err)
	}
	return nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, faults.ErrInferenceUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, faults.ErrVersionNotServed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
