package observability

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/intersection-coordinator/internal/logging"
)

// RequestIDMetadataKey carries a caller-chosen request id.
const RequestIDMetadataKey = "x-request-id"

// RequestLoggerUnaryServerInterceptor attaches a per-request logger annotated
// with request_id and method to the handler context. The id is taken from
// inbound metadata when present and generated otherwise.
func RequestLoggerUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			id = firstHeader(md, RequestIDMetadataKey)
		}
		if id == "" {
			id = uuid.NewString()
		}
		reqLog := base.With(logging.String("request_id", id), logging.String("method", info.FullMethod))
		return handler(logging.ContextWithLogger(ctx, reqLog), req)
	}
}

func firstHeader(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
