package pipemsg

import (
	"time"
)

// Default configuration values.
const (
	// defaultResponseTimeout is how long a request waits for its reply.
	defaultResponseTimeout = 10 * time.Second
	// defaultMaximumTimeouts is the number of consecutive unanswered
	// requests after which a connection closes itself.
	defaultMaximumTimeouts = 3
	// defaultWriteTimeout bounds a single frame write.
	defaultWriteTimeout = 10 * time.Second
	// defaultReadBufferSize is the size of each transport read.
	defaultReadBufferSize = 4096
	// defaultSendBufferSize is the size of the outbound frame queue.
	defaultSendBufferSize = 16
)

// options holds the configuration for a connection.
type options struct {
	serializer Serializer
	transport  Transport
	address    AddressFunc
	logger     Logger

	onReady   func()
	onMessage func(Message)
	onEnd     func()
	onError   func(error)

	responseTimeout time.Duration
	maximumTimeouts int // 0 disables closing on timeouts
	writeTimeout    time.Duration
	readBufferSize  int
	sendBufferSize  int
}

// Option is a function that configures connection options.
type Option func(*options)

// checkOptions sets default values for unset connection options.
func checkOptions(opts *options) {
	if opts.serializer == nil {
		opts.serializer = JSONSerializer{}
	}

	if opts.transport == nil {
		opts.transport = DefaultTransport()
	}

	if opts.address == nil {
		opts.address = DefaultAddress
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.responseTimeout <= 0 {
		opts.responseTimeout = defaultResponseTimeout
	}

	if opts.maximumTimeouts < 0 {
		opts.maximumTimeouts = defaultMaximumTimeouts
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.sendBufferSize <= 0 {
		opts.sendBufferSize = defaultSendBufferSize
	}
}

func newOptions(opt []Option) options {
	opts := options{maximumTimeouts: defaultMaximumTimeouts}
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// SerializerOption returns an Option that sets the message serializer.
// The default is JSONSerializer.
func SerializerOption(s Serializer) Option {
	return func(o *options) {
		o.serializer = s
	}
}

// TransportOption returns an Option that sets the transport used to dial.
func TransportOption(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// AddressOption returns an Option that sets the identity-to-address mapping.
// It is resolved once, when the connection is created.
func AddressOption(fn AddressFunc) Option {
	return func(o *options) {
		o.address = fn
	}
}

// ResponseTimeoutOption returns an Option that sets how long a request
// waits for its reply before failing with ErrResponseTimeout.
func ResponseTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.responseTimeout = d
	}
}

// MaximumTimeoutsOption returns an Option that sets how many consecutive
// response timeouts close the connection. Zero never closes.
func MaximumTimeoutsOption(n int) Option {
	return func(o *options) {
		o.maximumTimeouts = n
	}
}

// WriteTimeoutOption returns an Option that sets the deadline for writing one frame.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// ReadBufferSizeOption returns an Option that sets the size of each transport read.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// SendBufferSizeOption returns an Option that sets the size of the send queue.
func SendBufferSizeOption(size int) Option {
	return func(o *options) {
		o.sendBufferSize = size
	}
}

// OnReadyOption returns an Option that observes the connection becoming ready.
func OnReadyOption(cb func()) Option {
	return func(o *options) {
		o.onReady = cb
	}
}

// OnMessageOption returns an Option that observes every inbound message.
func OnMessageOption(cb func(Message)) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnEndOption returns an Option that observes the connection closing.
func OnEndOption(cb func()) Option {
	return func(o *options) {
		o.onEnd = cb
	}
}

// OnErrorOption returns an Option that observes connect failures.
func OnErrorOption(cb func(error)) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
