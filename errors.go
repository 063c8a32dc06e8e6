package wsengine

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine wraps exactly one of these,
// so callers can branch with errors.Is.
var (
	// ErrConfiguration reports bad construction parameters, such as a TLS
	// listener without a certificate or a malformed URL.
	ErrConfiguration = errors.New("configuration error")

	// ErrHandshake reports a malformed or rejected HTTP Upgrade exchange.
	ErrHandshake = errors.New("handshake error")

	// ErrProtocol reports a malformed frame, illegal fragmentation or an
	// oversized payload.
	ErrProtocol = errors.New("protocol error")

	// ErrTransport reports socket level I/O failures and TLS handshake or
	// verification failures.
	ErrTransport = errors.New("transport error")

	// ErrConnectionClosed is returned by operations attempted on a closing or
	// closed connection.
	ErrConnectionClosed = errors.New("connection is closed")
)

// Standard error messages
const (
	ErrServerAlreadyRunning = "server already running"
	ErrServerNotRunning     = "server not running"
	ErrConnNotFound         = "connection not found"
	ErrMissingCertificate   = "tls enabled but no certificate provided"
)

// Error carries the kind of failure, the operation that failed and the
// underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// NewError wraps err as a failure of kind during op.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is a shorthand for NewError with a formatted cause.
func Errorf(kind error, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
