package wsengine

import (
	"context"
	"net"
	"net/http"
)

// Listener defines the server side of the engine: it accepts plaintext or TLS
// sockets, performs the WebSocket opening handshake and hands every complete
// inbound message to the configured Handler.
//
// Example usage:
//
//	import "github.com/luciancaetano/wsengine/ws"
//
//	cfg := ws.NewServerConfig("127.0.0.1", 54321, ws.Echo())
//	server, err := ws.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Start(ctx)
//	defer server.Stop(ctx)
type Listener interface {
	// Start binds the configured address and begins accepting connections.
	// It returns as soon as the socket is listening; the accept loop runs on
	// its own goroutine until Stop is called.
	//
	// Returns an error if the listener is already running or if the address
	// cannot be bound.
	Start(ctx context.Context) error

	// Stop closes the listening socket and every connection spawned by this
	// listener. No new connection is created after Stop returns.
	//
	// The context bounds how long Stop waits for connection goroutines to
	// finish.
	Stop(ctx context.Context) error

	// Addr returns the bound address, or nil when the listener is not running.
	Addr() net.Addr

	// Connections returns a snapshot of the currently open connections.
	Connections() []Conn

	// SendTo sends a text message to the connection with the given ID.
	SendTo(ctx context.Context, id string, text string) error

	// Broadcast sends a text message to every open connection. Delivery
	// failures on individual connections do not stop the broadcast.
	Broadcast(ctx context.Context, text string) error
}

// Connector defines the client side of the engine.
//
// Example usage:
//
//	client, err := ws.NewClient(&ws.ClientConfig{
//	    URL:       "wss://127.0.0.1:54320/path",
//	    Origin:    "localhost",
//	    OnReceive: onReceive,
//	})
//	if err := client.Connect(ctx); err != nil {
//	    log.Printf("connect failed: %v", err)
//	}
//	client.Send(ctx, "Test")
type Connector interface {
	// Connect dials the target, performs the TLS handshake for wss URLs and
	// the WebSocket opening handshake. Connected reports true only after the
	// server's response has been validated.
	//
	// Calling Connect on a connected client is a no-op.
	Connect(ctx context.Context) error

	// Connected reports whether the client holds an open connection.
	Connected() bool

	// Send sends a text message and blocks until it has been written.
	//
	// Returns an error wrapping ErrConnectionClosed when the client is not
	// connected.
	Send(ctx context.Context, text string) error

	// SendBinary sends a binary message and blocks until it has been written.
	SendBinary(ctx context.Context, data []byte) error

	// Disconnect closes the connection gracefully. It is idempotent.
	Disconnect(ctx context.Context) error

	// Done is closed once the current connection is closed. It is already
	// closed when the client has no connection.
	Done() <-chan struct{}

	// Conn returns the current connection, or nil if Connect has not
	// succeeded yet.
	Conn() Conn
}

// Conn represents one established WebSocket peer relationship. The same
// type backs server-side and client-side connections and is what handlers
// receive as their context.
type Conn interface {
	// ID returns a unique identifier generated when the connection opened.
	ID() string

	// RemoteAddr returns the peer's network address, e.g. "127.0.0.1:54321".
	RemoteAddr() string

	// Origin returns the Origin header sent during the handshake.
	Origin() string

	// Path returns the request path of the handshake, including the query.
	Path() string

	// Header returns the handshake request headers. For client-side
	// connections these are the headers the client sent.
	Header() http.Header

	// Context is cancelled once the connection is closed.
	Context() context.Context

	// State returns the current lifecycle state.
	State() State

	// Connected reports whether the connection is Open.
	Connected() bool

	// Send sends a text message. It blocks until the frames are written to
	// the transport, ctx is done, or the connection closes.
	//
	// Returns an error wrapping ErrConnectionClosed once the connection is
	// Closing or Closed. Sends are never retried.
	Send(ctx context.Context, text string) error

	// SendBinary sends a binary message with the same semantics as Send.
	SendBinary(ctx context.Context, data []byte) error

	// Close is equivalent to CloseWithCode with CloseNormalClosure.
	Close(ctx context.Context) error

	// CloseWithCode sends a close frame with the given code and reason, waits
	// briefly for the peer to acknowledge it and then closes the transport.
	// Closing an already closed connection is a no-op.
	//
	// Common close codes:
	//   - 1000: Normal closure
	//   - 1001: Going away
	//   - 1002: Protocol error
	//   - 1008: Policy violation
	CloseWithCode(ctx context.Context, code int, reason string) error

	// Done is closed once the connection reaches StateClosed.
	Done() <-chan struct{}
}

// Handler is invoked once per fully reassembled inbound message, never for
// individual frames. Handlers for one connection run sequentially in wire
// order; handlers of different connections run concurrently.
type Handler func(conn Conn, msg Message)

// MessageType identifies the payload kind of a Message. The values match the
// WebSocket data opcodes.
type MessageType int

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is one logical WebSocket message.
type Message struct {
	Type MessageType
	Data []byte
}

// String returns the payload as text.
func (m Message) String() string {
	return string(m.Data)
}

// State is the lifecycle state of a connection. States only move forward.
type State int32

const (
	StateConnecting State = iota
	StateHandshakePending
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake-pending"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
