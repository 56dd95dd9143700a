package tlvserver

import (
	"net"
	"time"
)

// PartialFramePolicy decides how a stream that ends in the middle of a frame is reported.
type PartialFramePolicy int

const (
	// Lenient drops the trailing partial frame and treats the close as clean.
	Lenient PartialFramePolicy = iota
	// Strict reports the partial frame as ErrIncompleteFrame.
	// The connection is closed either way and OnReceive never sees the fragment.
	Strict
)

func (p PartialFramePolicy) String() string {
	switch p {
	case Lenient:
		return "lenient"
	case Strict:
		return "strict"
	default:
		return "unknown"
	}
}

// Default configuration values.
const (
	// defaultSendQueueSize is the default size of the per-connection push queue.
	defaultSendQueueSize = 16
	// defaultReadBufferSize is the default size of the per-connection read buffer.
	defaultReadBufferSize = 4096
)

// options holds the configuration for a server and the connections it accepts.
type options struct {
	observer   Observer
	packetizer Packetizer
	logger     Logger

	// onError is told why a connection ended abnormally. It cannot change the outcome.
	onError func(addr net.Addr, err error)

	partialFrames   PartialFramePolicy
	sendQueueSize   int           // size of buffered push channel
	readBufferSize  int           // size of the bufio.Reader in front of the socket
	idleTimeout     time.Duration // read deadline per frame, 0 disables
	shutdownTimeout time.Duration // drain period used by ListenAndServe
	maxConnections  int           // 0 means unlimited

	listen func(network, address string) (net.Listener, error)
}

// Option is a function that configures a Server.
type Option func(*options)

// ObserverOption sets the callbacks invoked for connection and frame events.
// Without it every frame is read and discarded.
func ObserverOption(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// PacketizerOption replaces the default TLV framing.
func PacketizerOption(p Packetizer) Option {
	return func(o *options) {
		o.packetizer = p
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// OnErrorOption registers a hook that receives the reason a connection ended
// abnormally: callback failures, strict partial frames, read and write errors.
func OnErrorOption(cb func(addr net.Addr, err error)) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// PartialFrameOption selects how truncated trailing frames are reported.
func PartialFrameOption(policy PartialFramePolicy) Option {
	return func(o *options) {
		o.partialFrames = policy
	}
}

// SendQueueSizeOption sets the number of pushed messages (Conn.Write, Broadcast)
// that may be queued per connection before ErrBufferFull is returned.
func SendQueueSizeOption(size int) Option {
	return func(o *options) {
		o.sendQueueSize = size
	}
}

// ReadBufferSizeOption sets the size of the buffered reader in front of each socket.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// IdleTimeoutOption closes a connection when no complete frame arrives within d.
// Zero disables the timeout.
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// ShutdownTimeoutOption sets how long ListenAndServe lets open connections
// finish after its context is canceled before closing them.
func ShutdownTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}

// MaxConnectionsOption caps the number of simultaneously open connections.
// Further clients wait in the listen backlog until a slot frees up.
func MaxConnectionsOption(n int) Option {
	return func(o *options) {
		o.maxConnections = n
	}
}

// checkOptions fills in defaults for unset values.
func checkOptions(opts *options) {
	if opts.observer == nil {
		opts.observer = NopObserver
	}

	if opts.packetizer == nil {
		opts.packetizer = TLVPacketizer{}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.onError == nil {
		opts.onError = func(net.Addr, error) {}
	}

	if opts.sendQueueSize <= 0 {
		opts.sendQueueSize = defaultSendQueueSize
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.maxConnections < 0 {
		opts.maxConnections = 0
	}

	if opts.listen == nil {
		opts.listen = net.Listen
	}
}
