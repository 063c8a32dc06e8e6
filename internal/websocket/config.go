package websocket

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/wsengine"
	"github.com/luciancaetano/wsengine/internal/frame"
	"github.com/luciancaetano/wsengine/internal/handshake"
	"github.com/luciancaetano/wsengine/internal/transport"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the parsed HTTP Upgrade request and returns true if the origin is allowed.
// Rejected requests are answered with 403 Forbidden before any connection is created.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is a callback function that is called when a new connection opens.
// It is called after the WebSocket handshake completes and before the message
// reading loop starts. This is the ideal place to:
//   - Track connected peers
//   - Send welcome messages
//   - Perform authentication or authorization
//
// Note: This function is called synchronously on the connection's goroutine.
// Messages from the peer are not read until it returns.
type OnConnectFn = func(conn wsengine.Conn)

// OnDisconnectFn is invoked once a connection reaches StateClosed. voluntary is
// true when the peer initiated the close handshake, and false for local closes,
// protocol failures and dropped transports.
type OnDisconnectFn = func(conn wsengine.Conn, voluntary bool)

// RateLimitConfig defines inbound message rate limiting per connection
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a peer can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) newLimiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

// Limits bounds memory per connection and controls outbound fragmentation.
type Limits struct {
	// MaxFrameSize bounds a single inbound frame payload.
	MaxFrameSize int64
	// MaxMessageSize bounds a reassembled inbound message.
	MaxMessageSize int64
	// FragmentSize splits outbound messages into frames of at most this many
	// payload bytes. Zero sends every message as a single frame.
	FragmentSize int
	// InboxSize is the number of complete messages buffered between the
	// reader and the handler.
	InboxSize int
}

// DefaultLimits returns 16MB frames, 32MB messages and no fragmentation.
func DefaultLimits() Limits {
	return Limits{
		MaxFrameSize:   frame.DefaultMaxPayload,
		MaxMessageSize: frame.DefaultMaxMessage,
		InboxSize:      256,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxFrameSize <= 0 {
		l.MaxFrameSize = d.MaxFrameSize
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = d.MaxMessageSize
	}
	if l.InboxSize <= 0 {
		l.InboxSize = d.InboxSize
	}
	return l
}

// Timeouts configures connection deadlines. Zero fields take the default; a
// negative Read or Ping disables read deadlines or keepalive pings.
type Timeouts struct {
	Handshake time.Duration
	Read      time.Duration
	Write     time.Duration
	Ping      time.Duration
	Close     time.Duration
}

// DefaultTimeouts mirrors the usual keepalive setup: a ping every 54s keeps a
// healthy peer inside the 60s read deadline.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Handshake: 10 * time.Second,
		Read:      60 * time.Second,
		Write:     10 * time.Second,
		Ping:      54 * time.Second,
		Close:     time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Handshake <= 0 {
		t.Handshake = d.Handshake
	}
	if t.Read == 0 {
		t.Read = d.Read
	}
	if t.Write <= 0 {
		t.Write = d.Write
	}
	if t.Ping == 0 {
		t.Ping = d.Ping
	}
	if t.Close <= 0 {
		t.Close = d.Close
	}
	return t
}

// ServerConfig configures a listener. It is copied by New; later changes have
// no effect.
type ServerConfig struct {
	// Address is the IP or host name to bind, e.g. "127.0.0.1". Empty binds
	// every interface.
	Address string
	// Port to bind. Zero picks a free port; see Server.Addr.
	Port int

	// TLS wraps every accepted socket in TLS using Certificate.
	TLS         bool
	Certificate *tls.Certificate

	// Paths lists the accepted request paths. Empty accepts any path; other
	// requests are answered with 404.
	Paths []string
	// Subprotocols lists supported Sec-WebSocket-Protocol values in no
	// particular order; the client's preference wins.
	Subprotocols []string

	CheckOrigin  CheckOriginFn
	OnReceive    wsengine.Handler
	OnConnect    OnConnectFn
	OnDisconnect OnDisconnectFn

	// RateLimitConfig limits inbound messages per connection. Nil uses
	// DefaultRateLimitConfig.
	RateLimitConfig *RateLimitConfig

	Limits   Limits
	Timeouts Timeouts

	// Logger receives structured logs. Nil disables logging.
	Logger *zap.Logger
}

func (c *ServerConfig) normalize() error {
	if c.Port < 0 || c.Port > 65535 {
		return wsengine.Errorf(wsengine.ErrConfiguration, "server config", "port %d out of range", c.Port)
	}
	if c.TLS && c.Certificate == nil {
		return wsengine.NewError(wsengine.ErrConfiguration, "server config", errors.New(wsengine.ErrMissingCertificate))
	}
	if c.RateLimitConfig == nil {
		c.RateLimitConfig = DefaultRateLimitConfig()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Limits = c.Limits.withDefaults()
	c.Timeouts = c.Timeouts.withDefaults()
	return nil
}

func (c *ServerConfig) addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// ClientConfig configures a connector. It is copied by NewClient.
type ClientConfig struct {
	// URL is the target, e.g. "ws://127.0.0.1:54321/path". The scheme
	// selects the transport: ws for plaintext, wss for TLS.
	URL string
	// Origin is sent as the Origin header when non-empty.
	Origin string

	// AllowUnverifiedCerts skips certificate verification for wss URLs. It
	// exists for self-signed test certificates only.
	AllowUnverifiedCerts bool
	// RootCAs overrides the system roots for wss URLs.
	RootCAs *x509.CertPool

	Header    http.Header
	Protocols []string

	OnReceive    wsengine.Handler
	OnDisconnect OnDisconnectFn

	Limits   Limits
	Timeouts Timeouts

	// Dialer is used for the TCP connection. Nil uses a zero net.Dialer.
	Dialer *net.Dialer

	Logger *zap.Logger
}

// target resolves the URL into the parsed form, the dial address and the TLS
// configuration (nil for ws).
func (c *ClientConfig) target() (*url.URL, string, *tls.Config, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, "", nil, wsengine.NewError(wsengine.ErrConfiguration, "client config", err)
	}

	var port string
	var tlsConfig *tls.Config
	switch u.Scheme {
	case "ws":
		port = "80"
	case "wss":
		port = "443"
		tlsConfig = transport.ClientConfig(u.Hostname(), c.AllowUnverifiedCerts, c.RootCAs)
	default:
		return nil, "", nil, wsengine.Errorf(wsengine.ErrConfiguration, "client config", "unsupported scheme %q, want ws or wss", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, "", nil, wsengine.Errorf(wsengine.ErrConfiguration, "client config", "missing host in %q", c.URL)
	}
	if p := u.Port(); p != "" {
		port = p
	}
	return u, net.JoinHostPort(u.Hostname(), port), tlsConfig, nil
}

func (c *ClientConfig) normalize() error {
	// Dry run so bad headers fail at construction rather than on Connect.
	probe := handshake.NewClientRequest(&url.URL{Path: "/"}, c.Origin, c.Header, c.Protocols)
	if err := probe.Write(io.Discard); err != nil {
		return wsengine.NewError(wsengine.ErrConfiguration, "client config", err)
	}
	for _, p := range c.Protocols {
		if p == "" {
			return wsengine.NewError(wsengine.ErrConfiguration, "client config", fmt.Errorf("empty subprotocol"))
		}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Limits = c.Limits.withDefaults()
	c.Timeouts = c.Timeouts.withDefaults()
	return nil
}
