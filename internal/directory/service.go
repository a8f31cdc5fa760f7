package directory

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/infodancer/mailfabric/internal/metrics"
)

const serviceName = "mailfabric.directory.Nameserver"

// Method names as they appear on the wire and in metrics.
const (
	methodRegisterNameserver    = "RegisterNameserver"
	methodRegisterMailboxServer = "RegisterMailboxServer"
	methodGetNameserver         = "GetNameserver"
	methodLookup                = "Lookup"
)

// Service exposes a Nameserver over gRPC.
type Service struct {
	ns        Nameserver
	collector metrics.Collector
	logger    *slog.Logger
	server    *grpc.Server
}

// NewService creates a gRPC service answering for ns.
func NewService(ns Nameserver, collector metrics.Collector, logger *slog.Logger, opts ...grpc.ServerOption) *Service {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		ns:        ns,
		collector: collector,
		logger:    logger,
		server:    grpc.NewServer(opts...),
	}
	s.server.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts RPCs on ln until Stop is called.
func (s *Service) Serve(ln net.Listener) error {
	s.logger.Info("directory service listening", slog.String("address", ln.Addr().String()))
	err := s.server.Serve(ln)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop finishes in-flight calls and closes all listeners.
func (s *Service) Stop() {
	s.server.GracefulStop()
}

func (s *Service) record(method string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRegistered):
		result = "already_registered"
	case errors.Is(err, ErrInvalidDomain):
		result = "invalid_domain"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	s.collector.DirectoryRequest(method, result)
	if err != nil {
		s.logger.Debug("directory request failed",
			slog.String("method", method),
			slog.String("error", err.Error()))
	}
}

func (s *Service) registerNameserver(ctx context.Context, req *Request) (*Reply, error) {
	err := s.ns.RegisterNameserver(ctx, req.Domain, Ref{ID: req.ID, Addr: req.Addr})
	s.record(methodRegisterNameserver, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &Reply{}, nil
}

func (s *Service) registerMailboxServer(ctx context.Context, req *Request) (*Reply, error) {
	err := s.ns.RegisterMailboxServer(ctx, req.Domain, req.Addr)
	s.record(methodRegisterMailboxServer, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &Reply{}, nil
}

func (s *Service) getNameserver(ctx context.Context, req *Request) (*Reply, error) {
	ref, err := s.ns.GetNameserver(ctx, req.Domain)
	s.record(methodGetNameserver, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &Reply{ID: ref.ID, Addr: ref.Addr}, nil
}

func (s *Service) lookup(ctx context.Context, req *Request) (*Reply, error) {
	addr, err := s.ns.Lookup(ctx, req.Domain)
	s.record(methodLookup, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &Reply{Addr: addr}, nil
}

// toStatus maps directory errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrAlreadyRegistered):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ErrInvalidDomain):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrUnreachable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps a gRPC error back onto the directory errors. Anything
// that is not a domain result counts as unreachable.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errors.Join(ErrUnreachable, err)
	}
	switch st.Code() {
	case codes.AlreadyExists:
		return wrapRemote(ErrAlreadyRegistered, st.Message())
	case codes.FailedPrecondition:
		return wrapRemote(ErrInvalidDomain, st.Message())
	case codes.NotFound:
		return wrapRemote(ErrNotFound, st.Message())
	default:
		return wrapRemote(ErrUnreachable, st.Message())
	}
}

type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

func wrapRemote(kind error, msg string) error {
	if msg == "" {
		return kind
	}
	return &remoteError{kind: kind, msg: msg}
}

type nameserverService interface {
	registerNameserver(context.Context, *Request) (*Reply, error)
	registerMailboxServer(context.Context, *Request) (*Reply, error)
	getNameserver(context.Context, *Request) (*Reply, error)
	lookup(context.Context, *Request) (*Reply, error)
}

func unaryHandler(method string, call func(nameserverService, context.Context, *Request) (*Reply, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Request)
		if err := dec(req); err != nil {
			return nil, err
		}
		svc := srv.(nameserverService)
		if interceptor == nil {
			return call(svc, ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		return interceptor(ctx, req, info, func(ctx context.Context, in any) (any, error) {
			return call(svc, ctx, in.(*Request))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*nameserverService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: methodRegisterNameserver,
			Handler:    unaryHandler(methodRegisterNameserver, nameserverService.registerNameserver),
		},
		{
			MethodName: methodRegisterMailboxServer,
			Handler:    unaryHandler(methodRegisterMailboxServer, nameserverService.registerMailboxServer),
		},
		{
			MethodName: methodGetNameserver,
			Handler:    unaryHandler(methodGetNameserver, nameserverService.getNameserver),
		},
		{
			MethodName: methodLookup,
			Handler:    unaryHandler(methodLookup, nameserverService.lookup),
		},
	},
	Metadata: "directory",
}
