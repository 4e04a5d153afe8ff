package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/assetplanner/newstalk/internal/platform/timeouts"
)

// HealthServer exposes grpc.health.v1 for one named service plus the
// overall ("") status. It starts NOT_SERVING.
type HealthServer struct {
	service string
	grpc    *gogrpc.Server
	health  *health.Server
}

// NewHealthServer builds a health endpoint instrumented with otelgrpc.
func NewHealthServer(service string) *HealthServer {
	grpcServer := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	h := &HealthServer{service: service, grpc: grpcServer, health: healthServer}
	h.SetServing(false)
	return h
}

// SetServing flips both the named and the overall status.
func (h *HealthServer) SetServing(serving bool) {
	if h == nil {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	if h.service != "" {
		h.health.SetServingStatus(h.service, status)
	}
}

// Serve accepts health checks on listener until ctx ends.
func (h *HealthServer) Serve(ctx context.Context, listener net.Listener) error {
	if h == nil {
		return errors.New("health server is required")
	}
	if listener == nil {
		return errors.New("listener is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.grpc.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		h.health.Shutdown()
		h.grpc.GracefulStop()
		<-serveErr
		return nil
	case err := <-serveErr:
		if err == nil || errors.Is(err, gogrpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve health: %w", err)
	}
}

// WaitForHealth blocks until the gRPC health check reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logger zerolog.Logger) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, timeouts.HealthProbe)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			logger.Debug().Str("service", service).Msg("gRPC health check is SERVING")
			return nil
		}
		if err != nil {
			logger.Debug().Err(err).Msg("waiting for gRPC health")
		} else {
			logger.Debug().Str("status", response.GetStatus().String()).Msg("waiting for gRPC health")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}
