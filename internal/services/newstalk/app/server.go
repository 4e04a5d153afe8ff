package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	platformgrpc "github.com/assetplanner/newstalk/internal/platform/grpc"
	"github.com/assetplanner/newstalk/internal/platform/logging"
	"github.com/assetplanner/newstalk/internal/platform/timeouts"
	"github.com/assetplanner/newstalk/internal/services/newstalk/presence"
	"github.com/assetplanner/newstalk/internal/services/newstalk/pubsub"
	"github.com/assetplanner/newstalk/internal/services/newstalk/session"
)

// HealthService is the grpc.health.v1 service name the gateway reports.
const HealthService = "newstalk.Gateway"

// Config defines the inputs for the chat gateway process. The caller owns
// Broker and whatever backs Resolver.
type Config struct {
	HTTPAddr string
	// HealthAddr enables the gRPC health endpoint when set.
	HealthAddr string
	// ClientURL restricts websocket origins when set.
	ClientURL string

	Registry *presence.Registry
	Broker   pubsub.Broker
	Resolver session.Resolver
	Location *time.Location
	Logger   zerolog.Logger

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the chat HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	healthAddr      string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	gateway         *Gateway
	health          *platformgrpc.HealthServer
	logger          zerolog.Logger

	mu   sync.Mutex
	stop context.CancelFunc
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.Resolver == nil {
		return nil, errors.New("session resolver is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	var allowedOrigin *url.URL
	if raw := strings.TrimSpace(config.ClientURL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid client url %q", raw)
		}
		allowedOrigin = parsed
	}

	var health *platformgrpc.HealthServer
	healthAddr := strings.TrimSpace(config.HealthAddr)
	if healthAddr != "" {
		health = platformgrpc.NewHealthServer(HealthService)
	}

	gateway, err := NewGateway(GatewayConfig{
		Registry:  config.Registry,
		Broker:    config.Broker,
		Logger:    config.Logger,
		Location:  config.Location,
		OnServing: health.SetServing,
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		httpAddr:        httpAddr,
		healthAddr:      healthAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           newHandler(gateway, config.Resolver, allowedOrigin, config.Logger),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		gateway: gateway,
		health:  health,
		logger:  logging.Component(config.Logger, "server"),
	}, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe subscribes the gateway, then serves HTTP until the context
// ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	gatewayErr := make(chan error, 1)
	go func() {
		gatewayErr <- s.gateway.Run(runCtx)
	}()
	select {
	case <-s.gateway.Ready():
	case err := <-gatewayErr:
		if err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
		return nil
	}

	healthErr := make(chan error, 1)
	if s.health != nil {
		listener, err := net.Listen("tcp", s.healthAddr)
		if err != nil {
			cancel()
			<-gatewayErr
			return fmt.Errorf("listen health %s: %w", s.healthAddr, err)
		}
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("health server listening")
		go func() {
			healthErr <- s.health.Serve(runCtx, listener)
		}()
	} else {
		healthErr <- nil
	}

	serveErr := make(chan error, 1)
	s.logger.Info().Str("addr", s.httpAddr).Msg("chat server listening")
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	var result error
	gatewayStopped := false
	select {
	case <-runCtx.Done():
		result = s.shutdownHTTP()
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = fmt.Errorf("serve http: %w", err)
		}
	case err := <-gatewayErr:
		gatewayStopped = true
		if err != nil {
			s.logger.Error().Err(err).Msg("gateway stopped, shutting down")
			result = fmt.Errorf("gateway: %w", err)
		}
		if err := s.shutdownHTTP(); err != nil && result == nil {
			result = err
		}
	}

	cancel()
	if !gatewayStopped {
		if err := <-gatewayErr; err != nil && result == nil {
			result = fmt.Errorf("gateway: %w", err)
		}
	}
	if err := <-healthErr; err != nil && result == nil {
		result = err
	}
	return result
}

func (s *Server) shutdownHTTP() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close stops a running server.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}
