package websocket

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/wsengine"
	"github.com/luciancaetano/wsengine/internal/frame"
	"github.com/luciancaetano/wsengine/internal/transport"
)

// Conn implements wsengine.Conn for both endpoint roles.
//
// Each connection runs three goroutines: the read loop decodes frames and
// answers control frames, the write pump owns every write to the transport,
// and the dispatcher calls the handler with complete messages in wire order.
type Conn struct {
	id         string
	role       frame.Role
	t          transport.Transport
	br         *bufio.Reader
	remoteAddr string
	origin     string
	path       string
	protocol   string
	header     http.Header

	ctx    context.Context
	cancel context.CancelFunc

	state         atomic.Int32
	peerInitiated atomic.Bool

	decoder   frame.Decoder
	assembler frame.Assembler
	limiter   *rate.Limiter
	handler   wsengine.Handler
	limits    Limits
	timeouts  Timeouts
	log       *zap.Logger

	sendq *sendQueue
	inbox chan wsengine.Message

	closeOnce    sync.Once
	done         chan struct{}
	readDone     chan struct{}
	dispatchDone chan struct{}

	mu          sync.Mutex
	closeCode   uint16
	closeReason string
}

type connOptions struct {
	role       frame.Role
	remoteAddr string
	origin     string
	path       string
	protocol   string
	header     http.Header
	handler    wsengine.Handler
	limiter    *rate.Limiter
	limits     Limits
	timeouts   Timeouts
	log        *zap.Logger
}

// newConn wraps a transport whose opening handshake has completed. Bytes
// already buffered in br are decoded before anything read from t.
func newConn(t transport.Transport, br *bufio.Reader, opts connOptions) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	c := &Conn{
		id:           id,
		role:         opts.role,
		t:            t,
		br:           br,
		remoteAddr:   opts.remoteAddr,
		origin:       opts.origin,
		path:         opts.path,
		protocol:     opts.protocol,
		header:       opts.header,
		ctx:          ctx,
		cancel:       cancel,
		decoder:      frame.Decoder{Role: opts.role, MaxPayload: opts.limits.MaxFrameSize},
		assembler:    frame.Assembler{MaxMessage: opts.limits.MaxMessageSize},
		limiter:      opts.limiter,
		handler:      opts.handler,
		limits:       opts.limits,
		timeouts:     opts.timeouts,
		sendq:        newSendQueue(),
		inbox:        make(chan wsengine.Message, opts.limits.InboxSize),
		done:         make(chan struct{}),
		readDone:     make(chan struct{}),
		dispatchDone: make(chan struct{}),
		log: opts.log.With(
			zap.String("conn_id", id),
			zap.String("remote_addr", opts.remoteAddr),
			zap.Stringer("role", opts.role),
		),
	}
	c.state.Store(int32(wsengine.StateOpen))
	return c
}

// ID returns a unique identifier for the connection
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer's remote network address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Conn) Origin() string {
	return c.origin
}

func (c *Conn) Path() string {
	return c.path
}

// Protocol returns the negotiated subprotocol, or "" when none was agreed.
func (c *Conn) Protocol() string {
	return c.protocol
}

func (c *Conn) Header() http.Header {
	return c.header
}

// Context returns the connection's lifecycle context
func (c *Conn) Context() context.Context {
	return c.ctx
}

func (c *Conn) State() wsengine.State {
	return wsengine.State(c.state.Load())
}

// Connected returns true if the connection is still open
func (c *Conn) Connected() bool {
	return c.State() == wsengine.StateOpen
}

// Done is closed once the connection is fully closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// CloseStatus returns the close code and reason that ended the connection.
// Code is zero while the connection is open and CloseAbnormalClosure when the
// transport dropped without a close frame.
func (c *Conn) CloseStatus() (uint16, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// Send sends a text message and waits until it has been written
func (c *Conn) Send(ctx context.Context, text string) error {
	return c.write(ctx, frame.OpText, []byte(text))
}

// SendBinary sends a binary message and waits until it has been written
func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	return c.write(ctx, frame.OpBinary, data)
}

func (c *Conn) write(ctx context.Context, op frame.Opcode, payload []byte) error {
	if !c.Connected() {
		return closedError("send")
	}

	var data []byte
	for _, f := range c.role.Fragment(op, payload, c.limits.FragmentSize) {
		var err error
		if data, err = frame.AppendFrame(data, f); err != nil {
			return wsengine.NewError(wsengine.ErrProtocol, "send", err)
		}
	}
	return c.enqueue(ctx, data, false)
}

// enqueue hands data to the write pump and waits for the result. A send
// abandoned through ctx stays queued and may still be written.
func (c *Conn) enqueue(ctx context.Context, data []byte, closing bool) error {
	o := &outgoing{data: data, done: make(chan error, 1), closing: closing}
	if !c.sendq.push(o) {
		return closedError("send")
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection with a normal closure
func (c *Conn) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, int(frame.CloseNormalClosure), "")
}

// CloseWithCode runs the closing handshake with the given code and reason
func (c *Conn) CloseWithCode(ctx context.Context, code int, reason string) error {
	if code < 0 || code > 0xffff || !frame.ValidCloseCode(uint16(code)) {
		return wsengine.Errorf(wsengine.ErrConfiguration, "close", "invalid close code %d", code)
	}
	c.initiateClose(ctx, uint16(code), reason)
	return nil
}

// initiateClose sends a close frame, waits up to the close timeout for the
// peer's reply and then tears the transport down. Later calls wait for the
// first one to finish.
func (c *Conn) initiateClose(ctx context.Context, code uint16, reason string) {
	if !c.state.CompareAndSwap(int32(wsengine.StateOpen), int32(wsengine.StateClosing)) {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		return
	}
	c.setCloseStatus(code, reason)

	if ce := c.log.Check(zap.DebugLevel, "closing connection"); ce != nil {
		ce.Write(zap.Uint16("code", code), zap.String("reason", reason))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Close)
	defer cancel()
	if err := c.sendClose(ctx, code, reason); err == nil {
		select {
		case <-c.readDone:
		case <-ctx.Done():
		}
	}
	c.shutdown()
}

// fail closes the connection after a protocol violation or policy breach
// without waiting for the peer's reply.
func (c *Conn) fail(code uint16, reason string, cause error) {
	if ce := c.log.Check(zap.WarnLevel, "failing connection"); ce != nil {
		ce.Write(zap.Uint16("code", code), zap.String("reason", reason), zap.Error(cause))
	}

	if c.state.CompareAndSwap(int32(wsengine.StateOpen), int32(wsengine.StateClosing)) {
		c.setCloseStatus(code, reason)
		ctx, cancel := context.WithTimeout(context.Background(), c.timeouts.Close)
		c.sendClose(ctx, code, reason)
		cancel()
	}
	c.shutdown()
}

// abort tears the connection down after a transport failure.
func (c *Conn) abort(err error) {
	if c.Connected() {
		if ce := c.log.Check(zap.DebugLevel, "connection lost"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}
	c.setCloseStatus(frame.CloseAbnormalClosure, "")
	c.shutdown()
}

func (c *Conn) sendClose(ctx context.Context, code uint16, reason string) error {
	data, err := frame.AppendFrame(nil, c.role.NewFrame(frame.OpClose, frame.ClosePayload(code, reason), true))
	if err != nil {
		return err
	}
	return c.enqueue(ctx, data, true)
}

func (c *Conn) setCloseStatus(code uint16, reason string) {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
		c.closeReason = reason
	}
	c.mu.Unlock()
}

// shutdown moves the connection to StateClosed exactly once.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(wsengine.StateClosed))
		c.cancel()
		for _, o := range c.sendq.close() {
			if o.done != nil {
				o.done <- closedError("send")
			}
		}
		c.t.Close()
		close(c.done)
	})
}

// start launches the write pump and the dispatcher. Sends are possible from
// here on; inbound frames are not read until serve.
func (c *Conn) start() {
	go c.writePump()
	go c.dispatch()
}

// serve runs the read loop on the calling goroutine and returns once the
// connection is closed and every received message has been handled.
func (c *Conn) serve() {
	c.readLoop()
	<-c.dispatchDone
	<-c.done
}

// writePump is the only writer to the transport. It also sends keepalive pings.
func (c *Conn) writePump() {
	var ping <-chan time.Time
	if c.timeouts.Ping > 0 {
		ticker := time.NewTicker(c.timeouts.Ping)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.sendq.notify:
			for o := c.sendq.pop(); o != nil; o = c.sendq.pop() {
				err := c.writeRaw(o.data)
				if o.done != nil {
					o.done <- err
				}
				if err != nil {
					c.abort(err)
					return
				}
				if o.closing {
					// Nothing but the closing handshake may follow a close frame.
					ping = nil
				}
			}

		case <-ping:
			data, err := frame.AppendFrame(nil, c.role.NewFrame(frame.OpPing, nil, true))
			if err == nil {
				err = c.writeRaw(data)
			}
			if err != nil {
				c.abort(err)
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeRaw(data []byte) error {
	c.t.SetWriteDeadline(time.Now().Add(c.timeouts.Write))
	if _, err := c.t.Write(data); err != nil {
		return wsengine.NewError(wsengine.ErrTransport, "write", err)
	}
	return nil
}

// readLoop decodes frames until the connection closes.
func (c *Conn) readLoop() {
	defer close(c.readDone)
	defer close(c.inbox)

	for {
		if c.timeouts.Read > 0 {
			c.t.SetReadDeadline(time.Now().Add(c.timeouts.Read))
		}

		f, err := c.decoder.ReadFrame(c.br)
		if err != nil {
			c.readFailed(err)
			return
		}

		switch f.Opcode {
		case frame.OpPing:
			if c.Connected() {
				data, err := frame.AppendFrame(nil, c.role.NewFrame(frame.OpPong, f.Payload, true))
				if err == nil {
					c.sendq.push(&outgoing{data: data})
				}
			}

		case frame.OpPong:
			// The read deadline was already extended.

		case frame.OpClose:
			c.handleClose(f.Payload)
			return

		default:
			if !c.Connected() {
				// Data after our close frame is discarded.
				continue
			}
			msg, ok, err := c.assembler.Push(f)
			if err != nil {
				c.readFailed(err)
				return
			}
			if !ok {
				continue
			}
			if c.limiter != nil && !c.limiter.Allow() {
				c.fail(frame.ClosePolicyViolation, "rate limit exceeded", nil)
				return
			}
			select {
			case c.inbox <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Conn) readFailed(err error) {
	var perr *frame.ProtocolError
	if errors.As(err, &perr) {
		c.fail(perr.Code, perr.Reason, err)
		return
	}
	c.abort(wsengine.NewError(wsengine.ErrTransport, "read", err))
}

// handleClose processes the peer's close frame. When the peer initiated the
// handshake the frame is echoed before the transport is closed; otherwise it
// is the reply initiateClose is waiting for.
func (c *Conn) handleClose(payload []byte) {
	code, reason, err := frame.ParseClose(payload)
	if err != nil {
		c.readFailed(err)
		return
	}

	if !c.state.CompareAndSwap(int32(wsengine.StateOpen), int32(wsengine.StateClosing)) {
		return
	}
	c.peerInitiated.Store(true)
	c.setCloseStatus(code, reason)

	if ce := c.log.Check(zap.DebugLevel, "peer closed connection"); ce != nil {
		ce.Write(zap.Uint16("code", code), zap.String("reason", reason))
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeouts.Close)
	defer cancel()
	c.sendClose(ctx, code, "")
	c.shutdown()
}

// dispatch delivers messages to the handler one at a time.
func (c *Conn) dispatch() {
	defer close(c.dispatchDone)
	for msg := range c.inbox {
		c.handle(msg)
	}
}

func (c *Conn) handle(msg wsengine.Message) {
	if c.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panicked", zap.Any("panic", r))
			go c.CloseWithCode(context.Background(), int(frame.CloseInternalServerErr), "internal error")
		}
	}()
	c.handler(c, msg)
}

func closedError(op string) error {
	return wsengine.NewError(wsengine.ErrConnectionClosed, op, nil)
}
