package proof

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName  = "proof.v1.ProofService"
	AttestMethod = "/" + ServiceName + "/Attest"
)

// ProofServer — серверная сторона сервиса доказательств. Запрос и ответ передаются как
// google.protobuf.Struct, поэтому сгенерированный код не нужен.
type ProofServer interface {
	Attest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProofServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Attest", Handler: attestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proof/v1/proof.proto",
}

func RegisterProofServer(s grpc.ServiceRegistrar, srv ProofServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func attestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProofServer).Attest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AttestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProofServer).Attest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ProviderServer отдает любой Provider по gRPC (dev-стенд и тесты).
type ProviderServer struct {
	provider Provider
}

func NewProviderServer(p Provider) *ProviderServer {
	return &ProviderServer{provider: p}
}

func (s *ProviderServer) Attest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	proof, err := s.provider.Attest(ctx, req.AsMap())
	if err != nil {
		return structpb.NewStruct(map[string]any{"code": 500, "error": err.Error()})
	}
	return structpb.NewStruct(map[string]any{"code": CodeOK, "proof": proof})
}

// UnaryLoggingInterceptor пишет метод, длительность и ошибку каждого вызова.
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start))}
		if err != nil {
			logger.Warn("grpc call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("grpc call", fields...)
		}
		return resp, err
	}
}
