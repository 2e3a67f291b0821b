// Package connection runs the gRPC side of the process: health checks and
// reflection behind a logging interceptor.
package connection

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Subsystems reported by the health service next to the overall "" status.
var Subsystems = []string{"ledger", "chat", "realtime"}

// LoggingInterceptor logs every unary call and turns panics into Internal.
func LoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				log.Error().Str("method", info.FullMethod).Interface("panic", p).Msg("grpc handler panicked")
				err = status.Error(codes.Internal, "internal error")
			}
			log.Debug().
				Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Dur("elapsed", time.Since(start)).
				Msg("grpc call")
		}()
		return handler(log.WithContext(ctx), req)
	}
}

// NewGRPCServer registers the standard health service and reflection. Every
// subsystem starts out SERVING; flip them with the returned health server.
func NewGRPCServer(log zerolog.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(log)))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range Subsystems {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, hs
}
