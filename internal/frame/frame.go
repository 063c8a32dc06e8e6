// Package frame implements the RFC 6455 base framing protocol: frame encoding and
// decoding, payload masking, close payloads and message reassembly.
//
// Frame structure:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
package frame

import (
	"crypto/rand"
	"fmt"

	"github.com/luciancaetano/wsengine"
)

// Opcode is the 4-bit frame operation code.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

const (
	finBit   = 0x80
	rsvBits  = 0x70
	maskBit  = 0x80
	opMask   = 0x0F
	len7Mask = 0x7F

	len16Marker = 126
	len64Marker = 127

	// MaxControlPayload is the largest payload a control frame may carry.
	MaxControlPayload = 125

	// MaxHeaderSize is the largest possible frame header: 2 bytes, 8 bytes of
	// extended length and a 4 byte masking key.
	MaxHeaderSize = 14

	// DefaultMaxPayload bounds a single frame's payload when no limit is set.
	DefaultMaxPayload = 16 << 20

	// DefaultMaxMessage bounds a reassembled message when no limit is set.
	DefaultMaxMessage = 32 << 20
)

// IsControl reports whether op is a control opcode (close, ping, pong).
func (op Opcode) IsControl() bool {
	return op&0x8 != 0
}

// IsData reports whether op starts a data message.
func (op Opcode) IsData() bool {
	return op == OpText || op == OpBinary
}

func (op Opcode) valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%#x)", byte(op))
	}
}

// Frame is one WebSocket protocol unit. Payload always holds unmasked bytes;
// Masked and Mask describe how the frame is represented on the wire.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Mask    [4]byte
	Payload []byte
}

// Role is the endpoint side a frame is produced or consumed by. The zero
// value imposes no masking rules.
type Role int

const (
	RoleNone Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "none"
	}
}

// NewFrame builds a frame as sent by r: clients mask every frame with a fresh
// random key, servers never mask.
func (r Role) NewFrame(op Opcode, payload []byte, fin bool) Frame {
	f := Frame{Fin: fin, Opcode: op, Payload: payload}
	if r == RoleClient {
		f.Masked = true
		f.Mask = NewMask()
	}
	return f
}

// Fragment splits a data message into frames carrying at most size payload
// bytes each. A size <= 0 disables fragmentation.
func (r Role) Fragment(op Opcode, payload []byte, size int) []Frame {
	if size <= 0 || len(payload) <= size {
		return []Frame{r.NewFrame(op, payload, true)}
	}

	frames := make([]Frame, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))
		fop := OpContinuation
		if off == 0 {
			fop = op
		}
		frames = append(frames, r.NewFrame(fop, payload[off:end], end == len(payload)))
	}
	return frames
}

// NewMask returns a masking key from crypto/rand.
func NewMask() (key [4]byte) {
	rand.Read(key[:])
	return key
}

// Cipher XORs b in place with key, starting at key offset pos, and returns the
// key offset following b. Applying it twice restores the input.
func Cipher(key [4]byte, pos int, b []byte) int {
	for i := range b {
		b[i] ^= key[(pos+i)&3]
	}
	return (pos + len(b)) & 3
}

// ProtocolError is a framing violation. Code is the close code the receiving
// endpoint should fail the connection with.
type ProtocolError struct {
	Code   uint16
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("frame: %s (close %d)", e.Reason, e.Code)
}

// Unwrap makes errors.Is(err, wsengine.ErrProtocol) hold.
func (e *ProtocolError) Unwrap() error {
	return wsengine.ErrProtocol
}

func protocolErr(code uint16, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
