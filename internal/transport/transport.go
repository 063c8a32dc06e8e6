// Package transport abstracts the byte stream a WebSocket connection runs on.
// Two variants exist: a plaintext TCP stream and a TLS stream wrapping it. The
// handshake and framing code is written once against Transport.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"

	"github.com/luciancaetano/wsengine"
)

// Kind identifies the transport variant.
type Kind int

const (
	Plain Kind = iota
	TLS
)

func (k Kind) String() string {
	if k == TLS {
		return "tls"
	}
	return "plain"
}

// Transport is a byte stream with an explicit handshake step. For plaintext
// streams the handshake is a no-op.
type Transport interface {
	net.Conn
	Kind() Kind
	Handshake(ctx context.Context) error
}

type plainConn struct {
	net.Conn
}

func (c *plainConn) Kind() Kind { return Plain }

func (c *plainConn) Handshake(ctx context.Context) error { return nil }

type tlsConn struct {
	*tls.Conn
}

func (c *tlsConn) Kind() Kind { return TLS }

func (c *tlsConn) Handshake(ctx context.Context) error {
	if err := c.Conn.HandshakeContext(ctx); err != nil {
		return wsengine.NewError(wsengine.ErrTransport, "tls handshake", err)
	}
	return nil
}

// Server wraps an accepted socket. A nil config yields a plaintext transport.
// The TLS handshake runs on the first Handshake call.
func Server(c net.Conn, cfg *tls.Config) Transport {
	if cfg == nil {
		return &plainConn{Conn: c}
	}
	return &tlsConn{Conn: tls.Server(c, cfg)}
}

// Client wraps a dialled socket. A nil config yields a plaintext transport.
func Client(c net.Conn, cfg *tls.Config) Transport {
	if cfg == nil {
		return &plainConn{Conn: c}
	}
	return &tlsConn{Conn: tls.Client(c, cfg)}
}

// Dial connects to addr and completes the transport handshake. Failures are
// reported as wsengine.ErrTransport.
func Dial(ctx context.Context, d *net.Dialer, addr string, cfg *tls.Config) (Transport, error) {
	if d == nil {
		d = &net.Dialer{}
	}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wsengine.NewError(wsengine.ErrTransport, "dial", err)
	}

	t := Client(c, cfg)
	if err := t.Handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return t, nil
}

// ServerConfig returns the TLS configuration a listener serves cert with.
func ServerConfig(cert *tls.Certificate) (*tls.Config, error) {
	if cert == nil {
		return nil, wsengine.NewError(wsengine.ErrConfiguration, "tls config", errors.New(wsengine.ErrMissingCertificate))
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}

// ClientConfig returns the TLS configuration for dialling serverName.
// Verification is skipped only when insecure is set explicitly.
func ClientConfig(serverName string, insecure bool, roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		RootCAs:            roots,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"http/1.1"},
	}
}
