package frame

import (
	"unicode/utf8"

	"github.com/luciancaetano/wsengine"
)

// Assembler reassembles data frames into messages in arrival order. Control
// frames must be handled by the caller; they may arrive between fragments.
type Assembler struct {
	// MaxMessage bounds the reassembled payload. Zero means DefaultMaxMessage.
	MaxMessage int64

	op     Opcode
	buf    []byte
	active bool
}

func (a *Assembler) maxMessage() int64 {
	if a.MaxMessage <= 0 {
		return DefaultMaxMessage
	}
	return a.MaxMessage
}

// Push adds a data frame. It returns the complete message and true once a
// frame with Fin set closes the message.
func (a *Assembler) Push(f Frame) (wsengine.Message, bool, error) {
	switch {
	case f.Opcode.IsControl():
		return wsengine.Message{}, false, protocolErr(CloseProtocolError, "%s frame is not part of a message", f.Opcode)
	case f.Opcode == OpContinuation && !a.active:
		return wsengine.Message{}, false, protocolErr(CloseProtocolError, "continuation frame without a message in progress")
	case f.Opcode != OpContinuation && a.active:
		return wsengine.Message{}, false, protocolErr(CloseProtocolError, "%s frame while a fragmented message is in progress", f.Opcode)
	}

	if f.Opcode != OpContinuation {
		if int64(len(f.Payload)) > a.maxMessage() {
			return wsengine.Message{}, false, a.tooBig(int64(len(f.Payload)))
		}
		if f.Fin {
			return complete(f.Opcode, f.Payload)
		}
		a.op = f.Opcode
		a.active = true
		a.buf = append(a.buf[:0], f.Payload...)
		return wsengine.Message{}, false, nil
	}

	if size := int64(len(a.buf) + len(f.Payload)); size > a.maxMessage() {
		a.Reset()
		return wsengine.Message{}, false, a.tooBig(size)
	}
	a.buf = append(a.buf, f.Payload...)
	if !f.Fin {
		return wsengine.Message{}, false, nil
	}

	op, data := a.op, a.buf
	a.buf = nil
	a.active = false
	return complete(op, data)
}

// InProgress reports whether a fragmented message is waiting for more frames.
func (a *Assembler) InProgress() bool {
	return a.active
}

// Reset drops any partially assembled message.
func (a *Assembler) Reset() {
	a.buf = nil
	a.active = false
}

func (a *Assembler) tooBig(size int64) error {
	return protocolErr(CloseMessageTooBig, "message of %d bytes exceeds limit of %d", size, a.maxMessage())
}

func complete(op Opcode, data []byte) (wsengine.Message, bool, error) {
	if op == OpText && !utf8.Valid(data) {
		return wsengine.Message{}, false, protocolErr(CloseInvalidPayloadData, "text message is not valid UTF-8")
	}
	return wsengine.Message{Type: wsengine.MessageType(op), Data: data}, true, nil
}
