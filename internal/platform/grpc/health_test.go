package grpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const testService = "newstalk"

func TestWaitForHealthServing(t *testing.T) {
	server, addr := startHealthServer(t)
	server.SetServing(true)

	conn := dialHealthServer(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, WaitForHealth(ctx, conn, testService, zerolog.Nop()))
	require.NoError(t, WaitForHealth(ctx, conn, "", zerolog.Nop()))
}

func TestWaitForHealthTransitionsToServing(t *testing.T) {
	server, addr := startHealthServer(t)
	conn := dialHealthServer(t, addr)

	go func() {
		time.Sleep(200 * time.Millisecond)
		server.SetServing(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, WaitForHealth(ctx, conn, testService, zerolog.Nop()))
}

func TestWaitForHealthRespectsContext(t *testing.T) {
	_, addr := startHealthServer(t)
	conn := dialHealthServer(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	assert.Error(t, WaitForHealth(ctx, conn, testService, zerolog.Nop()))
}

func TestHealthServerReportsNotServingAfterFlip(t *testing.T) {
	server, addr := startHealthServer(t)
	server.SetServing(true)
	server.SetServing(false)

	conn := dialHealthServer(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: testService})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestProbe(t *testing.T) {
	server, addr := startHealthServer(t)
	server.SetServing(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Probe(ctx, addr, testService, zerolog.Nop()))
}

func TestProbeReportsHealthStage(t *testing.T) {
	_, addr := startHealthServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := Probe(ctx, addr, testService, zerolog.Nop())
	var dialErr *DialError
	require.True(t, errors.As(err, &dialErr))
	assert.Equal(t, DialStageHealth, dialErr.Stage)
}

func TestServeRejectsNilListener(t *testing.T) {
	assert.Error(t, NewHealthServer(testService).Serve(context.Background(), nil))
}

func startHealthServer(t *testing.T) (*HealthServer, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewHealthServer(testService)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, listener)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("health server did not stop")
		}
	})
	return server, listener.Addr().String()
}

func dialHealthServer(t *testing.T, addr string) *gogrpc.ClientConn {
	t.Helper()

	conn, err := gogrpc.NewClient(addr, gogrpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
