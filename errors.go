package tlvserver

import (
	"errors"
	"fmt"
)

// Errors returned by server and connection operations.
var (
	// ErrServerClosed is returned by Start after Stop has been called.
	ErrServerClosed = errors.New("server closed")
	// ErrServerStarted is returned by Start on a server that is already listening.
	ErrServerStarted = errors.New("server already started")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrIncompleteFrame reports a stream that ended mid-frame under the Strict policy.
	ErrIncompleteFrame = errors.New("incomplete trailing frame")
	// ErrIdleTimeout reports a connection closed for not completing a frame in time.
	ErrIdleTimeout = errors.New("idle timeout")
)

// ErrBufferFull is returned when the send queue is full and cannot accept more messages.
// This error indicates backpressure - the peer is not consuming messages fast enough.
// Recommended handling strategies:
//   - Drop the message (for non-critical data like metrics)
//   - Use WriteBlocking or WriteTimeout to wait for queue space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("send buffer full")

// BindError is returned by Start when the listening socket cannot be created.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
