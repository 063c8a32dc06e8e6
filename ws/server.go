package ws

import (
	"crypto/tls"
	"net/http"
	"slices"

	"github.com/luciancaetano/wsengine"
	"github.com/luciancaetano/wsengine/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn
type ServerConfig = websocket.ServerConfig
type Limits = websocket.Limits
type Timeouts = websocket.Timeouts

// NewServer creates a WebSocket listener from cfg.
//
// The configuration is copied; a TLS listener needs Certificate set. Use
// NewServerConfig or NewTLSServerConfig for the common cases.
//
// Example:
//
//	cfg := ws.NewServerConfig("127.0.0.1", 54321, ws.Echo())
//	cfg.OnConnect = func(conn wsengine.Conn) {
//	    log.Printf("Client connected: %s", conn.ID())
//	}
//	server, err := ws.NewServer(cfg)
func NewServer(cfg *ServerConfig) (wsengine.Listener, error) {
	server, err := websocket.New(cfg)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// NewServerConfig returns a plaintext listener configuration with the default
// rate limit, limits and timeouts.
func NewServerConfig(address string, port int, onReceive wsengine.Handler) *ServerConfig {
	return &ServerConfig{
		Address:         address,
		Port:            port,
		OnReceive:       onReceive,
		RateLimitConfig: DefaultRateLimitConfig(),
		Limits:          websocket.DefaultLimits(),
		Timeouts:        websocket.DefaultTimeouts(),
	}
}

// NewTLSServerConfig is NewServerConfig for a listener serving cert.
func NewTLSServerConfig(address string, port int, cert *tls.Certificate, onReceive wsengine.Handler) *ServerConfig {
	cfg := NewServerConfig(address, port, onReceive)
	cfg.TLS = true
	cfg.Certificate = cert
	return cfg
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// Origins returns a checkOrigin function accepting only the listed Origin
// header values.
func Origins(allowed ...string) CheckOriginFn {
	return func(r *http.Request) bool {
		return slices.Contains(allowed, r.Header.Get("Origin"))
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// Echo returns a handler that sends every message back to its sender with
// the same type.
func Echo() wsengine.Handler {
	return func(conn wsengine.Conn, msg wsengine.Message) {
		if msg.Type == wsengine.BinaryMessage {
			conn.SendBinary(conn.Context(), msg.Data)
			return
		}
		conn.Send(conn.Context(), msg.String())
	}
}
