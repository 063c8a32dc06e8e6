package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/wsengine"
	"github.com/luciancaetano/wsengine/internal/frame"
	"github.com/luciancaetano/wsengine/internal/handshake"
	"github.com/luciancaetano/wsengine/internal/transport"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
	readBufferSize   = 4096
)

// Server implements the wsengine.Listener interface
type Server struct {
	cfg       ServerConfig
	tlsConfig *tls.Config
	log       *zap.Logger

	mu       sync.Mutex
	running  bool
	listener net.Listener
	stopping chan struct{}
	conns    map[string]*Conn
	pending  map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// New creates a new WebSocket server instance with the specified configuration.
//
// The configuration is validated here: a TLS listener without a certificate
// or an out of range port yields an error wrapping wsengine.ErrConfiguration.
// A nil RateLimitConfig means DefaultRateLimitConfig().
//
// Example:
//
//	server, err := New(&ServerConfig{
//	    Address:   "127.0.0.1",
//	    Port:      8080,
//	    OnReceive: func(conn wsengine.Conn, msg wsengine.Message) {
//	        conn.Send(conn.Context(), msg.String())
//	    },
//	})
func New(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, wsengine.Errorf(wsengine.ErrConfiguration, "server config", "nil config")
	}
	c := *cfg
	if err := c.normalize(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     c,
		log:     c.Logger.Named("listener"),
		conns:   make(map[string]*Conn),
		pending: make(map[net.Conn]struct{}),
	}
	if c.TLS {
		tlsConfig, err := transport.ServerConfig(c.Certificate)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = tlsConfig
	}
	return s, nil
}

// Start binds the configured address and runs the accept loop in the background.
// The socket is listening when Start returns.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return wsengine.NewError(wsengine.ErrConfiguration, "start", errors.New(wsengine.ErrServerAlreadyRunning))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.addr())
	if err != nil {
		return wsengine.NewError(wsengine.ErrTransport, "listen", err)
	}

	s.running = true
	s.listener = ln
	s.stopping = make(chan struct{})

	s.wg.Add(1)
	go s.acceptLoop(ln, s.stopping)

	s.log.Info("listening",
		zap.Stringer("addr", ln.Addr()),
		zap.Bool("tls", s.tlsConfig != nil),
	)
	return nil
}

// Stop closes the listener and every connection it spawned with 1001 Going
// Away, then waits for their goroutines until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopping)
	s.listener.Close()
	s.listener = nil

	pending := make([]net.Conn, 0, len(s.pending))
	for raw := range s.pending {
		pending = append(pending, raw)
	}
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	// Sockets still in the handshake have no WebSocket framing to close with.
	for _, raw := range pending {
		raw.Close()
	}

	for _, conn := range conns {
		go conn.CloseWithCode(ctx, int(frame.CloseGoingAway), "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("stopped", zap.Int("closed_connections", len(conns)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound address, or nil when the server is not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections returns a snapshot of the open connections.
func (s *Server) Connections() []wsengine.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wsengine.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		out = append(out, conn)
	}
	return out
}

// Conn returns the open connection with the given ID.
func (s *Server) Conn(id string) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	return conn, ok
}

// SendTo sends a text message to a single connection.
func (s *Server) SendTo(ctx context.Context, id string, text string) error {
	if err := s.checkRunning("send to"); err != nil {
		return err
	}
	conn, ok := s.Conn(id)
	if !ok {
		return wsengine.NewError(wsengine.ErrConnectionClosed, "send to", errors.New(wsengine.ErrConnNotFound))
	}
	return conn.Send(ctx, text)
}

// Broadcast sends a text message to every open connection concurrently and
// returns the joined failures.
func (s *Server) Broadcast(ctx context.Context, text string) error {
	if err := s.checkRunning("broadcast"); err != nil {
		return err
	}
	conns := s.Connections()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, conn := range conns {
		wg.Add(1)
		go func(conn wsengine.Conn) {
			defer wg.Done()
			if err := conn.Send(ctx, text); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(conn)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) checkRunning(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return wsengine.NewError(wsengine.ErrConnectionClosed, op, errors.New(wsengine.ErrServerNotRunning))
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, stopping <-chan struct{}) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-stopping:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))

			select {
			case <-time.After(backoff):
			case <-stopping:
				return
			}
			continue
		}
		backoff = 0

		if !s.track(raw) {
			raw.Close()
			continue
		}
		s.wg.Add(1)
		go s.serveConn(raw)
	}
}

// track records a socket that is still handshaking. It fails once Stop began.
func (s *Server) track(raw net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.pending[raw] = struct{}{}
	return true
}

// register promotes a handshaken socket to an open connection.
func (s *Server) register(raw net.Conn, conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, raw)
	if !s.running {
		return false
	}
	s.conns[conn.ID()] = conn
	return true
}

func (s *Server) untrack(raw net.Conn) {
	s.mu.Lock()
	delete(s.pending, raw)
	s.mu.Unlock()
}

func (s *Server) unregister(conn *Conn) {
	s.mu.Lock()
	delete(s.conns, conn.ID())
	s.mu.Unlock()
}

// serveConn runs one accepted socket from the transport handshake to close.
func (s *Server) serveConn(raw net.Conn) {
	defer s.wg.Done()

	remoteAddr := raw.RemoteAddr().String()
	log := s.log.With(zap.String("remote_addr", remoteAddr))

	conn, err := s.upgrade(raw)
	if err != nil {
		s.untrack(raw)
		raw.Close()
		if ce := log.Check(zap.DebugLevel, "upgrade failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return
	}

	if !s.register(raw, conn) {
		conn.shutdown()
		return
	}
	defer s.unregister(conn)

	if ce := log.Check(zap.DebugLevel, "connection opened"); ce != nil {
		ce.Write(zap.String("conn_id", conn.ID()), zap.String("path", conn.Path()))
	}

	conn.start()
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(conn)
	}
	conn.serve()

	code, reason := conn.CloseStatus()
	voluntary := conn.peerInitiated.Load()
	if ce := log.Check(zap.DebugLevel, "connection closed"); ce != nil {
		ce.Write(
			zap.String("conn_id", conn.ID()),
			zap.Uint16("code", code),
			zap.String("reason", reason),
			zap.Bool("voluntary", voluntary),
		)
	}
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(conn, voluntary)
	}
}

// upgrade performs the TLS and WebSocket handshakes under the handshake
// timeout. Rejected requests are answered with an HTTP error status.
func (s *Server) upgrade(raw net.Conn) (*Conn, error) {
	deadline := time.Now().Add(s.cfg.Timeouts.Handshake)
	raw.SetDeadline(deadline)

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	t := transport.Server(raw, s.tlsConfig)
	if err := t.Handshake(ctx); err != nil {
		return nil, err
	}

	hr := handshake.NewReader(t, readBufferSize)
	req, err := hr.ReadRequest()
	if err != nil {
		return nil, s.reject(t, err)
	}
	if !s.pathAllowed(req.Path) {
		return nil, s.reject(t, handshake.Reject(http.StatusNotFound, "path %q not served", req.Path))
	}
	if s.cfg.CheckOrigin != nil && !s.cfg.CheckOrigin(req.HTTP) {
		return nil, s.reject(t, handshake.Reject(http.StatusForbidden, "origin %q not allowed", req.Origin))
	}

	protocol := req.SelectProtocol(s.cfg.Subprotocols)
	if err := handshake.WriteResponse(t, req, protocol, nil); err != nil {
		return nil, wsengine.NewError(wsengine.ErrTransport, "write handshake", err)
	}
	raw.SetDeadline(time.Time{})
	hr.Release()

	conn := newConn(t, hr.Reader, connOptions{
		role:       frame.RoleServer,
		remoteAddr: raw.RemoteAddr().String(),
		origin:     req.Origin,
		path:       req.Path,
		protocol:   protocol,
		header:     req.Header,
		handler:    s.cfg.OnReceive,
		limiter:    s.cfg.RateLimitConfig.newLimiter(),
		limits:     s.cfg.Limits,
		timeouts:   s.cfg.Timeouts,
		log:        s.cfg.Logger.Named("conn"),
	})
	return conn, nil
}

func (s *Server) reject(t transport.Transport, err error) error {
	var herr *handshake.Error
	if errors.As(err, &herr) {
		handshake.WriteReject(t, herr)
	}
	return err
}

func (s *Server) pathAllowed(target string) bool {
	if len(s.cfg.Paths) == 0 {
		return true
	}
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return false
	}
	return slices.Contains(s.cfg.Paths, u.Path)
}
