package tlvserver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"
)

// Backoff bounds for retrying temporary accept errors.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server accepts TCP connections and runs a framed read loop for each of them.
// Independent servers share no state and can coexist in one process.
type Server struct {
	opts   options
	logger Logger

	mu         sync.RWMutex
	listener   net.Listener
	stopped    bool
	stopCh     chan struct{} // closed by Stop
	acceptDone chan struct{}
	acceptErr  error            // why the accept loop gave up, nil after Stop
	conns      map[string]*Conn // keyed by remote address

	// ctx is the parent of every connection; canceling it force-closes them.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server from the given options. It does not touch the network
// until Start is called.
func New(opts ...Option) *Server {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	checkOptions(&o)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   o,
		logger: o.logger,
		conns:  make(map[string]*Conn),
		stopCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds host:port and begins accepting connections in the background.
// It returns a *BindError if the address cannot be bound. Port 0 picks an
// ephemeral port; see Addr.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerClosed
	}
	if s.listener != nil {
		return ErrServerStarted
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := s.opts.listen("tcp", address)
	if err != nil {
		return &BindError{Addr: address, Err: err}
	}
	if s.opts.maxConnections > 0 {
		ln = netutil.LimitListener(ln, s.opts.maxConnections)
	}

	s.listener = ln
	s.acceptDone = make(chan struct{})
	s.logger.Info("server started", "addr", ln.Addr(),
		"partial_frames", s.opts.partialFrames,
		"idle_timeout", s.opts.idleTimeout,
		"max_connections", s.opts.maxConnections)

	go s.acceptLoop(ln, s.acceptDone)
	return nil
}

// acceptLoop hands every accepted socket to its own goroutine. Temporary
// accept errors, such as running out of file descriptors, are retried with
// backoff; any other error ends the loop and is kept for ListenAndServe.
func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	var delay time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.isStopped() {
				s.logger.Info("server stopped", "addr", ln.Addr())
				return
			}

			if isTemporary(err) {
				if delay == 0 {
					delay = minAcceptDelay
				} else {
					delay *= 2
				}
				if delay > maxAcceptDelay {
					delay = maxAcceptDelay
				}
				s.logger.Warn("accept error, retrying", "error", err, "delay", delay)

				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
					continue
				case <-s.stopCh:
					timer.Stop()
					s.logger.Info("server stopped", "addr", ln.Addr())
					return
				}
			}

			s.logger.Error("accept failed, no longer accepting", "error", err)
			s.mu.Lock()
			s.acceptErr = err
			s.mu.Unlock()
			return
		}
		delay = 0

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		c := newConn(raw, &s.opts)
		s.track(c)
		go s.serveConn(c)
	}
}

func (s *Server) serveConn(c *Conn) {
	defer s.wg.Done()
	// OnDisconnect has already run inside Run when the entry is removed.
	defer s.untrack(c)

	_ = c.Run(s.ctx)
}

func (s *Server) track(c *Conn) {
	s.wg.Add(1)
	s.mu.Lock()
	s.conns[c.Addr().String()] = c
	s.mu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	key := c.Addr().String()
	s.mu.Lock()
	if s.conns[key] == c {
		delete(s.conns, key)
	}
	s.mu.Unlock()
}

// isTemporary reports whether an accept error is worth retrying.
func isTemporary(err error) bool {
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Server) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// Stop stops accepting new connections and releases the listening socket.
// Open connections keep running; use Shutdown to drain or close them.
// Calling Stop more than once, or before Start, is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Shutdown stops the listener and closes every connection once it has no
// frame in flight: idle connections close at once, and a connection inside
// OnReceive finishes that call and writes its reply first. Messages still
// queued with Write are discarded. If ctx expires before the in-flight frames
// are done, their contexts are canceled and Shutdown returns ctx.Err() once
// the connection goroutines have exited.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Stop()

	s.mu.RLock()
	acceptDone := s.acceptDone
	s.mu.RUnlock()
	if acceptDone != nil {
		<-acceptDone
	}

	for _, c := range s.snapshot() {
		c.drain()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancel()
		return err
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached, closing connections", "open", s.ConnCount())
		s.cancel()
		<-drained
		return ctx.Err()
	}
}

// ListenAndServe starts the server and blocks until ctx is canceled or the
// listener fails, then shuts down, giving in-flight frames up to the
// ShutdownTimeoutOption duration. It returns the Start error, the error that
// stopped the accept loop, ErrServerClosed if Stop was called elsewhere, or
// ctx.Err().
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	if err := s.Start(host, port); err != nil {
		return err
	}

	s.mu.RLock()
	acceptDone := s.acceptDone
	s.mu.RUnlock()

	var result error
	select {
	case <-ctx.Done():
		s.logger.Info("graceful shutdown initiated", "timeout", s.opts.shutdownTimeout)
		result = ctx.Err()
	case <-acceptDone:
		s.mu.RLock()
		result = s.acceptErr
		s.mu.RUnlock()
		if result == nil {
			result = ErrServerClosed
		}
		s.logger.Info("listener closed, shutting down", "reason", result)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Error("shutdown error", "error", err)
	}

	return result
}

// Broadcast queues data on every open connection without blocking and returns
// how many connections accepted it. Connections with a full queue are skipped.
func (s *Server) Broadcast(data []byte) int {
	sent := 0
	for _, c := range s.snapshot() {
		if err := c.Write(data); err != nil {
			s.logger.Debug("broadcast skipped connection", "conn_id", c.ID(), "addr", c.Addr(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// snapshot copies the registry so callers can act on connections without
// holding the lock.
func (s *Server) snapshot() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Addr returns the listener's network address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
