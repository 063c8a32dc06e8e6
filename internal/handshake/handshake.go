// Package handshake implements the RFC 6455 opening handshake for both roles.
//
// The server role parses the HTTP/1.1 Upgrade request from the raw stream,
// validates it and writes the 101 Switching Protocols response. The client role
// writes the Upgrade request and validates the server's response, including the
// Sec-WebSocket-Accept derivation.
package handshake

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/luciancaetano/wsengine"
)

const (
	// GUID is appended to the client key before hashing, RFC 6455 section 1.3.
	GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// Version is the only protocol version this package speaks.
	Version = "13"

	// MaxHeaderBytes bounds the total size of request header names and values.
	MaxHeaderBytes = 8192

	// MaxRequestBytes caps what a Reader takes from the wire before Release,
	// leaving room for the request line and header framing.
	MaxRequestBytes = MaxHeaderBytes + 4096

	keyLen = 16
)

const (
	headerUpgrade    = "Upgrade"
	headerConnection = "Connection"
	headerKey        = "Sec-WebSocket-Key"
	headerAccept     = "Sec-WebSocket-Accept"
	headerVersion    = "Sec-WebSocket-Version"
	headerProtocol   = "Sec-WebSocket-Protocol"
	headerOrigin     = "Origin"
	// headerEchoOrigin carries the request Origin back to the client.
	headerEchoOrigin = "Sec-WebSocket-Origin"
)

// Error is a failed or rejected handshake. Status is the HTTP status the
// server answers with, or the status the server returned on the client side.
type Error struct {
	Status int
	Reason string
	Header http.Header
	Err    error
}

// Reject builds a handshake error answered with status.
func Reject(status int, format string, args ...any) *Error {
	return &Error{Status: status, Reason: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := "handshake: " + e.Reason
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap makes errors.Is(err, wsengine.ErrHandshake) hold.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{wsengine.ErrHandshake}
	}
	return []error{wsengine.ErrHandshake, e.Err}
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NewKey returns a random base64 encoded 16 byte Sec-WebSocket-Key.
func NewKey() string {
	var p [keyLen]byte
	rand.Read(p[:])
	return base64.StdEncoding.EncodeToString(p[:])
}

func hasToken(h http.Header, name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}

// tokens splits a comma separated header into its trimmed, non-empty parts.
func tokens(h http.Header, name string) []string {
	var out []string
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Reader buffers the opening handshake. Until Release is called at most
// MaxRequestBytes are read from the underlying stream, so an oversized
// request head is rejected without being buffered in full.
type Reader struct {
	*bufio.Reader
	lr *io.LimitedReader
}

// NewReader wraps r with a buffer of size bytes.
func NewReader(r io.Reader, size int) *Reader {
	lr := &io.LimitedReader{R: r, N: MaxRequestBytes}
	return &Reader{Reader: bufio.NewReaderSize(lr, size), lr: lr}
}

// Release lifts the limit once the handshake is done. Frames are then read
// through the same buffer.
func (r *Reader) Release() {
	r.lr.N = math.MaxInt64
}

// ReadRequest is ReadRequest over the limited stream. Running out of the
// allowance is reported as 431.
func (r *Reader) ReadRequest() (*Request, error) {
	req, err := ReadRequest(r.Reader)
	if err != nil && r.lr.N <= 0 {
		return nil, Reject(http.StatusRequestHeaderFieldsTooLarge, "request head exceeds %d bytes", MaxRequestBytes)
	}
	return req, err
}
