package pipemsg

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors reported to request callbacks and callers.
var (
	// ErrDisconnected is reported when sending on a connection that is not open.
	ErrDisconnected = errors.New("disconnected")
	// ErrResponseTimeout is reported when no reply arrives within the response timeout.
	ErrResponseTimeout = errors.New("response timeout")
	// ErrTooManyPending is reported when every correlation id is awaiting a reply.
	ErrTooManyPending = errors.New("too many pending requests")
	// ErrRequestUnsupported is reported for correlated sends on server-accepted
	// connections, whose inbound correlated messages are requests, not replies.
	ErrRequestUnsupported = errors.New("request unsupported on accepted connection")
	// ErrServerClosed is returned by Listen after Close.
	ErrServerClosed = errors.New("server closed")
)

// ConnectError is a failure to establish a local channel, either dialing
// or listening. It is delivered through error observers, never panicked.
type ConnectError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError is an I/O failure on an established channel.
// It terminates the connection and every request outstanding on it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// SerializationError is returned when a message cannot be encoded.
// The connection remains usable.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return "serialize message: " + e.Err.Error()
}

func (e *SerializationError) Unwrap() error { return e.Err }
