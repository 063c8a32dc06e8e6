package websocket

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/luciancaetano/wsengine"
	"github.com/luciancaetano/wsengine/internal/frame"
	"github.com/luciancaetano/wsengine/internal/handshake"
	"github.com/luciancaetano/wsengine/internal/transport"
)

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Client implements the wsengine.Connector interface
type Client struct {
	cfg       ClientConfig
	url       *url.URL
	addr      string
	tlsConfig *tls.Config
	log       *zap.Logger

	// connectMu serializes Connect; mu guards conn only, so Send and
	// Connected never wait behind a dial.
	connectMu sync.Mutex
	mu        sync.RWMutex
	conn      *Conn
	dialState atomic.Int32
}

// NewClient validates cfg and returns a disconnected client.
//
// The URL scheme selects the transport: ws for plaintext TCP and wss for TLS.
// Any other scheme, or a URL without a host, is a configuration error.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, wsengine.Errorf(wsengine.ErrConfiguration, "client config", "nil config")
	}
	c := *cfg
	u, addr, tlsConfig, err := c.target()
	if err != nil {
		return nil, err
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}

	client := &Client{
		cfg:       c,
		url:       u,
		addr:      addr,
		tlsConfig: tlsConfig,
		log:       c.Logger.Named("client").With(zap.String("url", u.String())),
	}
	client.dialState.Store(int32(wsengine.StateClosed))
	return client, nil
}

// Connect dials the server and performs the opening handshake. It returns
// once the connection is Open or the attempt failed; a connected client
// returns immediately. A client can connect again after Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.Connected() {
		return nil
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.dialState.Store(int32(wsengine.StateClosed))
		c.log.Warn("connect failed", zap.Error(err))
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.start()
	go c.serve(conn)

	if ce := c.log.Check(zap.DebugLevel, "connected"); ce != nil {
		ce.Write(zap.String("conn_id", conn.ID()), zap.String("protocol", conn.Protocol()))
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Handshake)
	defer cancel()

	c.dialState.Store(int32(wsengine.StateConnecting))
	t, err := transport.Dial(ctx, c.cfg.Dialer, c.addr, c.tlsConfig)
	if err != nil {
		return nil, err
	}

	c.dialState.Store(int32(wsengine.StateHandshakePending))
	if deadline, ok := ctx.Deadline(); ok {
		t.SetDeadline(deadline)
	}

	req := handshake.NewClientRequest(c.url, c.cfg.Origin, c.cfg.Header, c.cfg.Protocols)
	if err := req.Write(t); err != nil {
		t.Close()
		return nil, wsengine.NewError(wsengine.ErrTransport, "write handshake", err)
	}

	hr := handshake.NewReader(t, readBufferSize)
	resp, err := handshake.ReadResponse(hr.Reader, req)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.SetDeadline(time.Time{})
	hr.Release()

	header := c.cfg.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	return newConn(t, hr.Reader, connOptions{
		role:       frame.RoleClient,
		remoteAddr: t.RemoteAddr().String(),
		origin:     c.cfg.Origin,
		path:       c.url.RequestURI(),
		protocol:   resp.Protocol,
		header:     header,
		handler:    c.cfg.OnReceive,
		limits:     c.cfg.Limits,
		timeouts:   c.cfg.Timeouts,
		log:        c.cfg.Logger.Named("conn"),
	}), nil
}

func (c *Client) serve(conn *Conn) {
	conn.serve()
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(conn, conn.peerInitiated.Load())
	}
}

func (c *Client) current() *Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Connected reports whether the client holds an open connection.
func (c *Client) Connected() bool {
	conn := c.current()
	return conn != nil && conn.Connected()
}

// State returns the state of the current connection, or the progress of a
// connect attempt when there is none.
func (c *Client) State() wsengine.State {
	if conn := c.current(); conn != nil {
		return conn.State()
	}
	return wsengine.State(c.dialState.Load())
}

// Send sends a text message to the server
func (c *Client) Send(ctx context.Context, text string) error {
	conn := c.current()
	if conn == nil {
		return closedError("send")
	}
	return conn.Send(ctx, text)
}

// SendBinary sends a binary message to the server
func (c *Client) SendBinary(ctx context.Context, data []byte) error {
	conn := c.current()
	if conn == nil {
		return closedError("send")
	}
	return conn.SendBinary(ctx, data)
}

// Disconnect closes the connection with a normal closure. Calling it on a
// disconnected client is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	conn := c.current()
	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}

// Done returns a channel closed once the current connection is closed. With no
// connection the channel is already closed.
func (c *Client) Done() <-chan struct{} {
	if conn := c.current(); conn != nil {
		return conn.Done()
	}
	return closedChan
}

// Conn returns the current connection, or nil before the first successful
// Connect.
func (c *Client) Conn() wsengine.Conn {
	if conn := c.current(); conn != nil {
		return conn
	}
	return nil
}
