// Package tlvserver provides a TCP server that splits each client stream into
// Type-Length-Value frames and hands them to user callbacks.
// It supports pluggable framing, replies and server push, idle timeouts and
// graceful shutdown with per-connection failure isolation.
package tlvserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Conn represents one accepted client connection.
// It owns the socket, runs the framed read loop that dispatches to the Observer,
// and a write loop that drains messages pushed with Write.
type Conn struct {
	id      string
	rawConn net.Conn
	reader  *bufio.Reader
	logger  Logger

	opts *options

	writeMu sync.Mutex
	sendMsg chan []byte
	closed  atomic.Bool
	done    chan struct{} // closed by Close

	// drainMu guards dispatching and draining.
	drainMu     sync.Mutex
	dispatching bool
	draining    bool
}

// newConn wraps an accepted socket. opts must already have passed checkOptions.
func newConn(c net.Conn, opts *options) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:      id,
		rawConn: c,
		reader:  bufio.NewReaderSize(c, opts.readBufferSize),
		logger:  withFields(opts.logger, "conn_id", id, "addr", c.RemoteAddr()),
		opts:    opts,
		sendMsg: make(chan []byte, opts.sendQueueSize),
		done:    make(chan struct{}),
	}
}

// Run drives the connection until the peer goes away, a callback fails or ctx
// is canceled. OnConnect runs first; OnDisconnect runs exactly once on the way out,
// after the socket is closed. A clean close, including a dropped partial frame
// under the Lenient policy, returns nil.
func (c *Conn) Run(ctx context.Context) (err error) {
	addr := c.Addr()
	c.logger.Info("connection established")

	defer func() {
		c.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Info("connection closed with error", "error", err)
			c.opts.onError(addr, err)
		} else {
			c.logger.Info("connection closed")
		}
		c.disconnect(addr)
	}()

	if err := guard("OnConnect", func() error { return c.opts.observer.OnConnect(addr) }); err != nil {
		c.logger.Error("callback failed", "error", err)
		return err
	}

	parent := ctx
	ctx, cancel := context.WithCancel(context.WithValue(ctx, connKey{}, c))
	defer cancel()
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// Unblocks the read loop once either loop exits or the parent is canceled.
	group.Go(func() error {
		<-child.Done()
		c.Close()
		return nil
	})

	err = group.Wait()
	switch {
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(err, io.EOF), errors.Is(err, ErrConnectionClosed):
		return nil
	}
	return err
}

// disconnect fires OnDisconnect; a panic there is logged and swallowed.
func (c *Conn) disconnect(addr net.Addr) {
	err := guard("OnDisconnect", func() error {
		c.opts.observer.OnDisconnect(addr)
		return nil
	})
	if err != nil {
		c.logger.Error("callback failed", "error", err)
	}
}

// Close closes the underlying socket, which makes Run return.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	close(c.done)
	return c.rawConn.Close()
}

// drain closes the connection as soon as no frame is being handled. A frame
// already handed to OnReceive finishes and its reply is written first.
func (c *Conn) drain() {
	c.drainMu.Lock()
	c.draining = true
	busy := c.dispatching
	c.drainMu.Unlock()

	if !busy {
		c.Close()
	}
}

// beginDispatch marks a frame as in flight. It reports false once the
// connection is draining.
func (c *Conn) beginDispatch() bool {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	if c.draining {
		return false
	}
	c.dispatching = true
	return true
}

// endDispatch clears the in-flight mark and reports whether the connection
// is draining.
func (c *Conn) endDispatch() bool {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	c.dispatching = false
	return c.draining
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ID returns a unique identifier for the connection, used in logs.
func (c *Conn) ID() string {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Write queues data for the write loop without blocking (fire-and-forget).
// The bytes are sent verbatim; use EncodeFrame to build a TLV frame.
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send queue is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
func (c *Conn) Write(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues data, blocking until there is room or ctx is canceled.
func (c *Conn) WriteBlocking(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues data, waiting at most timeout for room.
// It returns ErrBufferFull if the queue stays full.
func (c *Conn) WriteTimeout(data []byte, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-timer.C:
		return ErrBufferFull
	}
}

// readLoop reads one frame at a time, dispatches it and writes back any reply.
// Frames are handled strictly in arrival order.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if c.opts.idleTimeout > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
		}

		data, err := c.opts.packetizer.Next(c.reader)
		if err != nil {
			return c.readError(err)
		}

		if !c.beginDispatch() {
			return ErrConnectionClosed
		}
		err = c.handle(ctx, Frame(data))
		if c.endDispatch() && err == nil {
			c.logger.Debug("connection drained")
			return ErrConnectionClosed
		}
		if err != nil {
			return err
		}
	}
}

// handle dispatches one frame and writes back any reply.
func (c *Conn) handle(ctx context.Context, frame Frame) error {
	reply, err := c.dispatch(ctx, frame)
	if err != nil {
		c.logger.Error("callback failed", "error", err)
		return err
	}

	if reply != nil {
		return c.write(reply)
	}
	return nil
}

// readError classifies a packetizer failure.
func (c *Conn) readError(err error) error {
	switch {
	case c.closed.Load():
		return ErrConnectionClosed
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		if c.opts.partialFrames == Strict {
			c.logger.Warn("stream ended mid-frame")
			return ErrIncompleteFrame
		}
		c.logger.Debug("dropped partial trailing frame")
		return io.EOF
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrIdleTimeout
	}

	c.logger.Debug("read error", "error", err)
	return err
}

// dispatch hands one frame to OnReceive.
func (c *Conn) dispatch(ctx context.Context, frame Frame) (reply []byte, err error) {
	err = guard("OnReceive", func() error {
		var err error
		reply, err = c.opts.observer.OnReceive(ctx, frame)
		return err
	})
	return reply, err
}

// writeLoop continuously sends messages from the send channel to the connection.
// Returns when the context is canceled or an unrecoverable error occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// write sends data to the connection and reports it to OnSend. A panic in
// OnSend is logged and does not fail the write.
// Replies from the read loop and pushed messages share the socket, so whole
// writes are serialized.
func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	if c.opts.idleTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))
	}
	n, err := c.rawConn.Write(data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Debug("write error", "error", err)
		if c.closed.Load() {
			return ErrConnectionClosed
		}
		return err
	}

	err = guard("OnSend", func() error {
		c.opts.observer.OnSend(n)
		return nil
	})
	if err != nil {
		c.logger.Error("callback failed", "error", err)
	}
	return nil
}
