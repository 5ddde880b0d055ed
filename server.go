package pipemsg

import (
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// inboundMessage is the payload of a server message event.
type inboundMessage struct {
	msg  Message
	dest Destination
}

// Server accepts local-channel connections for one identity.
type Server struct {
	identity  string
	address   string
	transport Transport
	logger    Logger
	connOpts  []Option

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	shutdown bool
	group    errgroup.Group

	connections observers[*Conn]
	messages    observers[inboundMessage]
	ends        observers[*Conn]
	errs        observers[error]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and, unless
// overridden by ServerConnOption, for its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerTransportOption sets the transport the server listens with.
func ServerTransportOption(t Transport) ServerOption {
	return func(s *Server) {
		s.transport = t
	}
}

// ServerAddressOption sets the identity-to-address mapping.
func ServerAddressOption(fn AddressFunc) ServerOption {
	return func(s *Server) {
		s.address = fn(s.identity)
	}
}

// ServerConnOption sets options applied to every accepted connection.
func ServerConnOption(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// NewServer creates a server for identity. It does not listen until
// Listen is called.
func NewServer(identity string, opts ...ServerOption) *Server {
	s := &Server{
		identity:  identity,
		address:   DefaultAddress(identity),
		transport: DefaultTransport(),
		logger:    slog.Default(),
		conns:     make(map[*Conn]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Listen binds the listener, registers onConnection, if not nil, as a
// connection observer and starts accepting connections in the background.
// A rejected or failed Listen registers nothing.
// On Unix a stale socket file at the address is removed first. A bind
// failure is returned as a *ConnectError and also reported to error observers.
func (s *Server) Listen(onConnection func(*Conn)) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return errors.Errorf("already listening on %s", s.address)
	}

	listener, err := s.transport.Listen(s.address)
	if err != nil {
		s.mu.Unlock()
		err = &ConnectError{Op: "listen", Addr: s.address, Err: err}
		s.logger.Error("listen failed", "identity", s.identity, "error", err)
		s.errs.emit(err)
		return err
	}
	s.listener = listener
	s.connections.subscribe(onConnection)
	s.mu.Unlock()

	s.logger.Info("server started", "identity", s.identity, "addr", s.address)
	s.group.Go(func() error {
		return s.acceptLoop(listener)
	})

	return nil
}

// acceptLoop accepts connections until the listener is closed.
func (s *Server) acceptLoop(listener net.Listener) error {
	for {
		raw, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.address)
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			s.errs.emit(err)
			return err
		}

		s.logger.Debug("accepted connection", "addr", s.address)
		s.serveConn(raw)
	}
}

// serveConn wraps raw in a Conn, announces it and starts its receive loop.
func (s *Server) serveConn(raw net.Conn) {
	opts := append([]Option{LoggerOption(s.logger)}, s.connOpts...)
	c := newAcceptedConn(raw, newOptions(opts))
	c.inbound = func(env Envelope) {
		s.dispatch(c, env)
	}
	c.OnEnd(func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.ends.emit(c)
	})

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.connections.emit(c)
	c.start()
}

// dispatch emits the server message event for env. Correlated messages get
// a ReplyHandle as destination; others get the connection itself.
func (s *Server) dispatch(c *Conn, env Envelope) {
	var dest Destination = c
	if env.CorrelationID != 0 {
		dest = &ReplyHandle{ID: env.CorrelationID, conn: c}
	}
	s.messages.emit(inboundMessage{msg: env.Payload, dest: dest})
}

// Close stops accepting connections and waits for the accept loop to exit.
// Accepted connections stay open; close them through Connections.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	listener := s.listener
	s.mu.Unlock()

	if listener == nil {
		return nil
	}

	err := listener.Close()
	if werr := s.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// Connections returns the accepted connections that are still open.
func (s *Server) Connections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Addr returns the local-channel address the server listens on.
func (s *Server) Addr() string {
	return s.address
}

// OnConnection registers fn to run for every accepted connection, before
// any of its messages are dispatched.
func (s *Server) OnConnection(fn func(*Conn)) {
	s.connections.subscribe(fn)
}

// OnMessage registers fn to run for every inbound message on any
// connection. dest answers the message: a *ReplyHandle if the sender is
// waiting for a reply, otherwise the *Conn it arrived on.
func (s *Server) OnMessage(fn func(msg Message, dest Destination)) {
	if fn == nil {
		return
	}
	s.messages.subscribe(func(m inboundMessage) { fn(m.msg, m.dest) })
}

// OnEnd registers fn to run when an accepted connection closes.
func (s *Server) OnEnd(fn func(*Conn)) {
	s.ends.subscribe(fn)
}

// OnError registers fn to run on listen and accept failures.
func (s *Server) OnError(fn func(error)) {
	s.errs.subscribe(fn)
}
