// Package timeouts defines shared timeout constants used across the gateway.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Publish caps a single broker publish.
const Publish = 2 * time.Second

// Subscribe caps the wait for a broker to confirm a topic subscription.
const Subscribe = 5 * time.Second

// WriteFrame caps a single websocket frame write to a client.
const WriteFrame = 5 * time.Second

// SessionLookup caps a session store read during the websocket handshake.
const SessionLookup = 2 * time.Second

// HealthProbe caps a single gRPC health check call.
const HealthProbe = time.Second
