package server

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	platformgrpc "github.com/assetplanner/newstalk/internal/platform/grpc"
	"github.com/assetplanner/newstalk/internal/services/newstalk/presence"
	"github.com/assetplanner/newstalk/internal/services/newstalk/pubsub"
	"github.com/assetplanner/newstalk/internal/services/newstalk/session"
)

func testServerConfig(t *testing.T) Config {
	t.Helper()
	registry, err := presence.NewRegistry(20, presence.DefaultPolicy)
	require.NoError(t, err)
	return Config{
		HTTPAddr: "127.0.0.1:0",
		Registry: registry,
		Broker:   pubsub.NewMemory(),
		Resolver: session.ConnectionResolver{},
		Logger:   zerolog.Nop(),
	}
}

func TestNewServerValidates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing http addr", mutate: func(c *Config) { c.HTTPAddr = "  " }},
		{name: "missing resolver", mutate: func(c *Config) { c.Resolver = nil }},
		{name: "missing registry", mutate: func(c *Config) { c.Registry = nil }},
		{name: "missing broker", mutate: func(c *Config) { c.Broker = nil }},
		{name: "relative client url", mutate: func(c *Config) { c.ClientURL = "localhost:3000" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testServerConfig(t)
			tt.mutate(&cfg)
			_, err := NewServer(cfg)
			require.Error(t, err)
		})
	}
}

func TestNewServerDefaults(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.ClientURL = "http://localhost:3000"
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	assert.Nil(t, srv.health)
	assert.Equal(t, 5*time.Second, srv.shutdownTimeout)
	assert.Positive(t, srv.httpServer.ReadHeaderTimeout)
}

func TestListenAndServeNilServer(t *testing.T) {
	var srv *Server
	require.Error(t, srv.ListenAndServe(context.Background()))
	srv.Close()
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv, err := NewServer(testServerConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	select {
	case <-srv.gateway.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never became ready")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestListenAndServeReportsHealth(t *testing.T) {
	healthListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	healthAddr := healthListener.Addr().String()
	require.NoError(t, healthListener.Close())

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := httpListener.Addr().String()
	require.NoError(t, httpListener.Close())

	cfg := testServerConfig(t)
	cfg.HTTPAddr = httpAddr
	cfg.HealthAddr = healthAddr
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, platformgrpc.Probe(ctx, healthAddr, HealthService, zerolog.Nop()))

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + httpAddr + "/up")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	srv.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	err := Run(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init chat server")
}

func TestListenAndServeFailsWhenSubscriptionEnds(t *testing.T) {
	cfg := testServerConfig(t)
	broker := pubsub.NewMemory()
	cfg.Broker = broker
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(context.Background()) }()
	<-srv.gateway.Ready()

	require.NoError(t, broker.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, errSubscriptionEnded)
	case <-time.After(5 * time.Second):
		t.Fatal("server kept serving without a subscription")
	}
}
