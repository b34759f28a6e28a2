// Package grpc exposes the campaign controls over gRPC. Messages are
// google.protobuf.Struct values whose fields mirror the HTTP JSON bodies, so
// no generated code is required on either side.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ojs.campaigns.v1.ControlService"

// ControlService is the server API of ServiceName.
type ControlService interface {
	Start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Await(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SetGate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetGate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SetRetryLevel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetRetryLevel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SubmitDelivery(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// Server implements ControlService by delegating to a core.Backend.
type Server struct {
	backend core.Backend
}

var _ ControlService = (*Server)(nil)

// New returns a new gRPC control server wrapping the given backend.
func New(backend core.Backend) *Server {
	return &Server{backend: backend}
}

// Register creates a control server and registers it with s.
func Register(s grpc.ServiceRegistrar, backend core.Backend) {
	s.RegisterService(&ServiceDesc, New(backend))
}

// ServiceDesc describes ControlService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Start", ControlService.Start),
		unary("Get", ControlService.Get),
		unary("Await", ControlService.Await),
		unary("SetGate", ControlService.SetGate),
		unary("GetGate", ControlService.GetGate),
		unary("SetRetryLevel", ControlService.SetRetryLevel),
		unary("GetRetryLevel", ControlService.GetRetryLevel),
		unary("SubmitDelivery", ControlService.SubmitDelivery),
	},
	Metadata: "ojs/campaigns/v1/control.proto",
}

type method func(ControlService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(ControlService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// --- Campaign RPCs ---

func (s *Server) Start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req core.StartRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	c, err := s.backend.Start(ctx, &req)
	if err != nil {
		return nil, coreErrorToGRPC(err)
	}
	return toStruct(map[string]any{
		"campaign": c,
		"handle":   c.Handle(),
		"attached": c.IsExisting,
	})
}

func (s *Server) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key := in.GetFields()["key"].GetStringValue()
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	c, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, coreErrorToGRPC(err)
	}
	return toStruct(map[string]any{"campaign": c})
}

// Await blocks until the run is terminal. Callers bound it with a deadline.
func (s *Server) Await(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var h core.Handle
	if err := fromStruct(in, &h); err != nil {
		return nil, err
	}
	if h.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	outcome, err := s.backend.Await(ctx, h)
	if err != nil {
		return nil, coreErrorToGRPC(err)
	}
	return toStruct(map[string]any{"outcome": outcome})
}

// --- Control RPCs ---

func (s *Server) SetGate(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	v, ok := in.GetFields()["open"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "open is required")
	}
	if _, isBool := v.GetKind().(*structpb.Value_BoolValue); !isBool {
		return nil, status.Error(codes.InvalidArgument, "open must be a bool")
	}
	prev := s.backend.SetEffectGate(v.GetBoolValue())
	return toStruct(map[string]any{"open": v.GetBoolValue(), "previous": prev})
}

func (s *Server) GetGate(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{"open": s.backend.EffectGate()})
}

func (s *Server) SetRetryLevel(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	level, err := core.ParseRetryLevel(in.GetFields()["level"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	prev := s.backend.SetRetryLevel(level)
	return toStruct(map[string]any{"level": level, "previous": prev})
}

func (s *Server) GetRetryLevel(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{"level": s.backend.RetryLevel()})
}

// --- Delivery RPCs ---

func (s *Server) SubmitDelivery(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var rec core.NotificationRecord
	if err := fromStruct(in, &rec); err != nil {
		return nil, err
	}
	receipt, err := s.backend.SubmitDelivery(ctx, &rec)
	if err != nil {
		return nil, coreErrorToGRPC(err)
	}
	return toStruct(map[string]any{"receipt": receipt})
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// fromStruct decodes in into v through its JSON form.
func fromStruct(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func coreErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	var e *core.Error
	if !errors.As(err, &e) {
		return status.Errorf(codes.Internal, "%s", err.Error())
	}
	return status.Error(grpcCode(e.Code), fmt.Sprintf("%s: %s", e.Code, e.Message))
}

func grpcCode(code string) codes.Code {
	switch code {
	case core.ErrCodeInvalidRequest:
		return codes.InvalidArgument
	case core.ErrCodeNotFound:
		return codes.NotFound
	case core.ErrCodeConflict, core.ErrCodeAlreadyRunning:
		return codes.AlreadyExists
	case core.ErrCodeGateClosed, core.ErrCodeUnavailable:
		return codes.Unavailable
	case core.ErrCodeAttemptTimeout:
		return codes.DeadlineExceeded
	case core.ErrCodeTerminalFailure:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
