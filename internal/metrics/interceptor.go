package metrics

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		service, method := splitMethodName(info.FullMethod)
		GRPCRequestsTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		GRPCRequestDuration.WithLabelValues(service, method).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

// splitMethodName turns "/pkg.Service/Method" into ("pkg.Service", "Method").
func splitMethodName(fullMethod string) (string, string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	service, method, ok := strings.Cut(fullMethod, "/")
	if !ok {
		return "unknown", fullMethod
	}
	return service, method
}
