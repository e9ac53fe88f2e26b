// Package constants defines service-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout bounds a single HTTP request
	DefaultTimeout = 30 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// RedisHealthCheckInterval is the interval between Redis pings
	RedisHealthCheckInterval = 10 * time.Second

	// DBStatsInterval is the interval between connection pool metric samples
	DBStatsInterval = 15 * time.Second
)

// WebSocket constants
const (
	// WebSocketPongWait is how long a client may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketPingInterval must be shorter than WebSocketPongWait
	WebSocketPingInterval = (WebSocketPongWait * 9) / 10

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize caps client frames; the event stream is server-push only
	WebSocketMaxMessageSize = 512

	// WebSocketSendBuffer is the per-client queue of pending events
	WebSocketSendBuffer = 64
)
