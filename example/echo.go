package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Zereker/tlvserver"
)

const (
	tagEcho      byte = 0x01
	tagBroadcast byte = 0x02
)

// handler echoes tagEcho frames and relays tagBroadcast frames to every client.
type handler struct {
	server *tlvserver.Server
	frames atomic.Int64
}

func (h *handler) OnConnect(addr net.Addr) error {
	slog.Info("client connected", "addr", addr, "clients", h.server.ConnCount())
	return nil
}

func (h *handler) OnReceive(ctx context.Context, f tlvserver.Frame) ([]byte, error) {
	h.frames.Add(1)

	switch f.Tag() {
	case tagEcho:
		return f.Bytes(), nil
	case tagBroadcast:
		conn, _ := tlvserver.ConnFromContext(ctx)
		n := h.server.Broadcast(f.Bytes())
		slog.Info("broadcast", "from", conn.ID(), "delivered", n)
		return nil, nil
	default:
		slog.Warn("unknown tag", "tag", f.Tag(), "len", f.Length())
		return nil, nil
	}
}

func (h *handler) OnSend(int) {}

func (h *handler) OnDisconnect(addr net.Addr) {
	slog.Info("client disconnected", "addr", addr, "frames_total", h.frames.Load())
}

func main() {
	h := &handler{}
	h.server = tlvserver.New(
		tlvserver.ObserverOption(h),
		tlvserver.IdleTimeoutOption(time.Minute),
		tlvserver.ShutdownTimeoutOption(5*time.Second),
		tlvserver.LoggerOption(slog.Default()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("server start", "addr", "127.0.0.1:12345")
	if err := h.server.ListenAndServe(ctx, "127.0.0.1", 12345); err != nil && ctx.Err() == nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
