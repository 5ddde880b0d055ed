// Package pipemsg exchanges discrete JSON messages between processes over a
// local channel: a Unix domain socket, or a named pipe on Windows.
// Messages are framed with a 4-byte little-endian length prefix. On top of
// plain messages, a connection can issue requests whose replies are matched
// by a correlation id, with a per-connection response timeout and automatic
// disconnect after repeated timeouts.
package pipemsg

import (
	"context"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a connection.
type State int32

const (
	// StateCreated is the state of a connection that has not started connecting.
	StateCreated State = iota
	// StateConnecting indicates the transport is being established.
	StateConnecting
	// StateReady indicates the transport is usable.
	StateReady
	// StateClosed indicates the connection has ended. It is final.
	StateClosed
	// StateError indicates the initial connect failed. It is final.
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ResponseHandler receives the outcome of a request: either the reply, or
// one of ErrDisconnected, ErrResponseTimeout, a *TransportError or a
// *SerializationError. It is invoked exactly once per request.
type ResponseHandler func(reply Message, err error)

type pendingRequest struct {
	id         uint16
	onResponse ResponseHandler
	timer      *time.Timer
}

// Conn is one end of a local channel.
// Outbound connections are created with Connect or Dial; inbound ones are
// created by a Server and handed to its connection observers.
type Conn struct {
	identity string
	address  string
	accepted bool
	opts     options
	logger   Logger
	decoder  *Decoder

	mu          sync.Mutex
	raw         net.Conn
	state       State
	lastID      uint16
	timeouts    int
	pending     map[uint16]*pendingRequest
	connectErr  error
	done        chan struct{} // closed when the connection ends
	established chan struct{} // closed when connecting succeeds or fails

	sendMsg chan []byte
	// sendMu orders enqueuers before the drain that follows a close.
	sendMu sync.RWMutex
	// writerDone is closed when the write loop has returned.
	// It is nil until the loops start.
	writerDone chan struct{}

	// inbound, when set, takes over correlated inbound envelopes.
	// Servers use it to turn them into requests instead of replies.
	inbound func(Envelope)

	readies  observers[struct{}]
	messages observers[Message]
	ends     observers[struct{}]
	errs     observers[error]
}

func newConn(opts options) *Conn {
	c := &Conn{
		opts:        opts,
		logger:      opts.logger,
		decoder:     NewDecoder(opts.serializer),
		pending:     make(map[uint16]*pendingRequest),
		done:        make(chan struct{}),
		established: make(chan struct{}),
		sendMsg:     make(chan []byte, opts.sendBufferSize),
	}

	c.decoder.onDrop = func(text []byte, err error) {
		c.logger.Debug("dropped malformed frame", "addr", c.address, "length", len(text), "error", err)
	}

	c.OnReady(opts.onReady)
	c.messages.subscribe(opts.onMessage)
	c.OnEnd(opts.onEnd)
	c.errs.subscribe(opts.onError)

	return c
}

// Connect opens a connection to the local channel named by identity.
// It returns immediately; the connection reports ready or a *ConnectError
// through its observers. Observers that must not miss these events should
// be passed as options. ctx bounds connection establishment only.
func Connect(ctx context.Context, identity string, opt ...Option) *Conn {
	c := newConn(newOptions(opt))
	c.identity = identity
	c.address = c.opts.address(identity)
	c.state = StateConnecting

	go c.dial(ctx)

	return c
}

// Dial is like Connect but waits until the connection is ready.
// If ctx ends first the connection is closed and ctx's error returned.
func Dial(ctx context.Context, identity string, opt ...Option) (*Conn, error) {
	c := Connect(ctx, identity, opt...)

	select {
	case <-c.established:
		c.mu.Lock()
		err := c.connectErr
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

// newAcceptedConn wraps a transport accepted by a server. It is ready at once.
func newAcceptedConn(raw net.Conn, opts options) *Conn {
	c := newConn(opts)
	c.accepted = true
	c.address = raw.LocalAddr().String()
	c.raw = raw
	c.state = StateReady
	close(c.established)
	return c
}

func (c *Conn) dial(ctx context.Context) {
	c.logger.Debug("connecting", "identity", c.identity, "addr", c.address)

	raw, err := c.opts.transport.Dial(ctx, c.address)
	if err != nil {
		err = &ConnectError{Op: "dial", Addr: c.address, Err: err}

		c.mu.Lock()
		if c.state != StateConnecting {
			// Closed while connecting; end was the terminal event.
			if c.connectErr == nil {
				c.connectErr = ErrDisconnected
			}
			c.mu.Unlock()
			close(c.established)
			return
		}
		c.state = StateError
		c.connectErr = err
		c.mu.Unlock()
		close(c.established)

		c.logger.Warn("connect failed", "identity", c.identity, "addr", c.address, "error", err)
		c.errs.emit(err)
		return
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while connecting.
		c.connectErr = ErrDisconnected
		c.mu.Unlock()
		close(c.established)
		_ = raw.Close()
		return
	}
	c.raw = raw
	c.state = StateReady
	c.mu.Unlock()
	close(c.established)

	c.readies.emit(struct{}{})
	c.run(raw)
}

// start runs the receive and send loops of an accepted connection.
func (c *Conn) start() {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()

	if raw != nil {
		go c.run(raw)
	}
}

// run starts the connection's read and write loops and blocks until both
// have returned. The connection is closed when run returns.
func (c *Conn) run(raw net.Conn) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	writerDone := make(chan struct{})
	c.writerDone = writerDone
	c.mu.Unlock()

	c.logger.Info("connection established", "identity", c.identity, "addr", c.address)

	group, child := errgroup.WithContext(context.Background())

	group.Go(func() error {
		err := c.readLoop(raw)
		c.fail("read", err)
		return err
	})

	group.Go(func() error {
		defer close(writerDone)
		err := c.writeLoop(child, raw)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.fail("write", err)
		}
		return err
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "identity", c.identity, "addr", c.address, "error", err)
	} else {
		c.logger.Info("connection closed", "identity", c.identity, "addr", c.address)
	}
}

// readLoop feeds transport bytes to the decoder and dispatches every
// complete frame in arrival order.
func (c *Conn) readLoop(raw net.Conn) error {
	buf := make([]byte, c.opts.readBufferSize)
	for {
		n, err := raw.Read(buf)
		if n > 0 {
			c.decoder.Feed(buf[:n])
			for env := range c.decoder.Messages() {
				c.dispatch(env)
			}
		}

		if err != nil {
			return err
		}
	}
}

func (c *Conn) dispatch(env Envelope) {
	if c.inbound != nil {
		c.inbound(env)
	} else if env.CorrelationID != 0 {
		c.resolve(env)
	}

	c.messages.emit(env.Payload)
}

// writeLoop writes queued frames until the connection ends.
// Frames still queued at that point are written by closeWith.
func (c *Conn) writeLoop(ctx context.Context, raw net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case data := <-c.sendMsg:
			if err := c.write(raw, data); err != nil {
				return err
			}
		}
	}
}

// write sends one frame with a deadline.
func (c *Conn) write(raw net.Conn, data []byte) error {
	_ = raw.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))

	_, err := raw.Write(data)
	if err != nil {
		c.logger.Debug("write error", "addr", c.address, "error", err)
	}
	return err
}

// fail closes the connection after a loop error. End of stream, the peer
// hanging up and closing by the owner are orderly; anything else is a
// transport error.
func (c *Conn) fail(op string, err error) {
	switch {
	case err == nil:
		return
	case isPeerEnd(err):
		_ = c.closeWith(nil, false)
	default:
		_ = c.closeWith(&TransportError{Op: op, Err: err}, false)
	}
}

func isPeerEnd(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// Send writes msg without expecting a reply.
// It returns ErrDisconnected without doing any I/O if the connection is not
// ready, and a *SerializationError if msg cannot be encoded. Write failures
// are not reported; they close the connection.
func (c *Conn) Send(msg Message) error {
	return c.sendEnvelope(Envelope{Payload: msg})
}

func (c *Conn) sendEnvelope(env Envelope) error {
	if c.State() != StateReady {
		return ErrDisconnected
	}

	data, err := EncodeFrame(env, c.opts.serializer)
	if err != nil {
		return err
	}

	return c.enqueue(data)
}

// enqueue queues data for the write loop. A nil return guarantees the
// frame is written unless the connection fails with a transport error.
func (c *Conn) enqueue(data []byte) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	select {
	case <-c.done:
		return ErrDisconnected
	default:
	}

	select {
	case c.sendMsg <- data:
		return nil
	case <-c.done:
		return ErrDisconnected
	}
}

// Request writes msg with a fresh correlation id and calls onResponse
// exactly once with the matching reply or the error that ended the request.
// A nil onResponse makes Request equivalent to Send.
func (c *Conn) Request(msg Message, onResponse ResponseHandler) {
	if onResponse == nil {
		if err := c.Send(msg); err != nil {
			c.logger.Debug("send failed", "addr", c.address, "error", err)
		}
		return
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		onResponse(nil, ErrDisconnected)
		return
	}

	if c.accepted {
		c.mu.Unlock()
		onResponse(nil, ErrRequestUnsupported)
		return
	}

	id, ok := c.nextID()
	if !ok {
		c.mu.Unlock()
		onResponse(nil, ErrTooManyPending)
		return
	}

	p := &pendingRequest{id: id, onResponse: onResponse}
	p.timer = time.AfterFunc(c.opts.responseTimeout, func() { c.expire(p) })
	c.pending[id] = p
	c.mu.Unlock()

	data, err := EncodeFrame(Envelope{CorrelationID: id, Payload: msg}, c.opts.serializer)
	if err != nil {
		if c.remove(p) {
			onResponse(nil, err)
		}
		return
	}

	// On failure the connection has closed and already resolved p.
	_ = c.enqueue(data)
}

// Call sends msg as a request and waits for its outcome.
// Cancelling ctx stops the wait; the request itself still runs to completion.
func (c *Conn) Call(ctx context.Context, msg Message) (Message, error) {
	type result struct {
		reply Message
		err   error
	}

	ch := make(chan result, 1)
	c.Request(msg, func(reply Message, err error) {
		ch <- result{reply: reply, err: err}
	})

	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// nextID allocates the next correlation id, wrapping from 65535 to 1 and
// skipping ids still awaiting a reply. c.mu must be held.
func (c *Conn) nextID() (uint16, bool) {
	for range maxCorrelationID {
		if c.lastID == maxCorrelationID {
			c.lastID = 1
		} else {
			c.lastID++
		}

		if _, busy := c.pending[c.lastID]; !busy {
			return c.lastID, true
		}
	}
	return 0, false
}

// remove unregisters p. It reports whether p was still pending.
func (c *Conn) remove(p *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[p.id] != p {
		return false
	}
	delete(c.pending, p.id)
	p.timer.Stop()
	return true
}

// resolve completes the request matching env, if any.
func (c *Conn) resolve(env Envelope) {
	c.mu.Lock()
	p, ok := c.pending[env.CorrelationID]
	if ok {
		delete(c.pending, env.CorrelationID)
		p.timer.Stop()
		c.timeouts = 0
	}
	c.mu.Unlock()

	if ok {
		p.onResponse(env.Payload, nil)
	}
}

// expire fails p with ErrResponseTimeout and closes the connection once
// the consecutive timeout count reaches the configured maximum.
func (c *Conn) expire(p *pendingRequest) {
	c.mu.Lock()
	if c.pending[p.id] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, p.id)
	c.timeouts++
	timeouts := c.timeouts
	escalate := c.opts.maximumTimeouts > 0 && timeouts >= c.opts.maximumTimeouts
	c.mu.Unlock()

	c.logger.Debug("response timeout", "addr", c.address, "correlation_id", p.id, "consecutive", timeouts)
	p.onResponse(nil, ErrResponseTimeout)

	if escalate {
		c.logger.Warn("closing after consecutive response timeouts", "addr", c.address, "timeouts", timeouts)
		_ = c.closeWith(nil, true)
	}
}

// Close ends the connection. Messages already accepted by Send are
// written first, bounded by the write timeout. Requests still pending fail
// with ErrDisconnected. Safe to call multiple times; only the first call
// on an open connection has an effect.
func (c *Conn) Close() error {
	return c.closeWith(nil, true)
}

// closeWith moves the connection to StateClosed, fails every pending
// request with cause (ErrDisconnected if nil) and emits end. With flush
// set, queued frames are written before the transport is closed. It does
// nothing if the connection is not connecting or ready.
func (c *Conn) closeWith(cause error, flush bool) error {
	c.mu.Lock()
	if c.state != StateReady && c.state != StateConnecting {
		c.mu.Unlock()
		return nil
	}
	raw := c.raw
	c.raw = nil
	c.state = StateClosed
	pending := c.pending
	c.pending = make(map[uint16]*pendingRequest)
	close(c.done)
	writerDone := c.writerDone
	c.mu.Unlock()

	// Wait out enqueuers that raced with close(c.done).
	c.sendMu.Lock()
	c.sendMu.Unlock()

	if cause == nil {
		cause = ErrDisconnected
	}
	for _, p := range pending {
		p.timer.Stop()
		p.onResponse(nil, cause)
	}

	var err error
	if raw != nil {
		if flush {
			if writerDone != nil {
				<-writerDone
			}
			c.flush(raw)
		}
		err = raw.Close()
	}

	c.ends.emit(struct{}{})
	return err
}

// flush writes the frames left in the send queue. The write loop must
// have returned.
func (c *Conn) flush(raw net.Conn) {
	for {
		select {
		case data := <-c.sendMsg:
			if err := c.write(raw, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosed returns true if the connection has ended or never connected.
func (c *Conn) IsClosed() bool {
	s := c.State()
	return s == StateClosed || s == StateError
}

// Identity returns the identity the connection was opened with.
// It is empty for connections accepted by a server.
func (c *Conn) Identity() string {
	return c.identity
}

// Addr returns the local-channel address of the connection.
func (c *Conn) Addr() string {
	return c.address
}

// Done returns a channel that is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// OnReady registers fn to run when the transport becomes usable.
func (c *Conn) OnReady(fn func()) {
	if fn == nil {
		return
	}
	c.readies.subscribe(func(struct{}) { fn() })
}

// OnMessage registers fn to run for every inbound message, in arrival order.
// The correlation id is never present in the message.
func (c *Conn) OnMessage(fn func(Message)) {
	c.messages.subscribe(fn)
}

// OnEnd registers fn to run once when the connection closes.
func (c *Conn) OnEnd(fn func()) {
	if fn == nil {
		return
	}
	c.ends.subscribe(func(struct{}) { fn() })
}

// OnError registers fn to run if the initial connect fails.
func (c *Conn) OnError(fn func(error)) {
	c.errs.subscribe(fn)
}
