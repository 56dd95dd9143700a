package tlvserver

import (
	"context"
	"fmt"
	"net"
)

// Observer is the set of callbacks a Server drives for every connection.
//
// For a given connection OnConnect happens before any OnReceive, and every
// OnReceive happens before OnDisconnect. Calls for different connections run
// concurrently, each on its own goroutine.
type Observer interface {
	// OnConnect is called once per accepted connection, before any frame is read.
	// Returning an error closes the connection.
	OnConnect(addr net.Addr) error
	// OnReceive is called once per complete frame, in arrival order.
	// A non-nil reply is written back to the same connection verbatim.
	// Returning an error closes the connection.
	OnReceive(ctx context.Context, frame Frame) (reply []byte, err error)
	// OnSend is called after bytes have been written to the connection.
	OnSend(n int)
	// OnDisconnect is called exactly once when the connection ends.
	OnDisconnect(addr net.Addr)
}

// ObserverFuncs implements Observer with plain function values.
// Nil fields are treated as no-ops.
type ObserverFuncs struct {
	Connect    func(addr net.Addr) error
	Receive    func(ctx context.Context, frame Frame) ([]byte, error)
	Send       func(n int)
	Disconnect func(addr net.Addr)
}

func (o ObserverFuncs) OnConnect(addr net.Addr) error {
	if o.Connect == nil {
		return nil
	}
	return o.Connect(addr)
}

func (o ObserverFuncs) OnReceive(ctx context.Context, frame Frame) ([]byte, error) {
	if o.Receive == nil {
		return nil, nil
	}
	return o.Receive(ctx, frame)
}

func (o ObserverFuncs) OnSend(n int) {
	if o.Send != nil {
		o.Send(n)
	}
}

func (o ObserverFuncs) OnDisconnect(addr net.Addr) {
	if o.Disconnect != nil {
		o.Disconnect(addr)
	}
}

// NopObserver discards every event.
var NopObserver Observer = ObserverFuncs{}

type connKey struct{}

// ConnFromContext returns the connection an OnReceive call belongs to.
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*Conn)
	return c, ok
}

// CallbackError reports a failure (returned error or panic) inside an Observer method.
type CallbackError struct {
	Callback string
	Err      error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s callback: %v", e.Callback, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// guard runs fn and converts both a returned error and a panic into a *CallbackError.
func guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Callback: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := fn(); err != nil {
		return &CallbackError{Callback: name, Err: err}
	}
	return nil
}
