package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrNeedMoreData is returned by Decode when b holds an incomplete frame.
var ErrNeedMoreData = errors.New("frame: need more data")

// Decoder validates and decodes frames received by an endpoint of Role.
// Servers require masked frames, clients reject them.
type Decoder struct {
	Role Role
	// MaxPayload bounds a single frame's payload. Zero means DefaultMaxPayload.
	MaxPayload int64
}

type header struct {
	fin    bool
	op     Opcode
	masked bool
	mask   [4]byte
	length int64
	size   int
}

func (d Decoder) maxPayload() int64 {
	if d.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return d.MaxPayload
}

// Decode parses one frame from the start of b and returns it together with
// the number of bytes consumed. The returned payload does not alias b.
func (d Decoder) Decode(b []byte) (Frame, int, error) {
	h, err := d.parseHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}

	total := h.size + int(h.length)
	if len(b) < total {
		return Frame{}, 0, ErrNeedMoreData
	}

	payload := make([]byte, h.length)
	copy(payload, b[h.size:total])
	if h.masked {
		Cipher(h.mask, 0, payload)
	}

	return h.frame(payload), total, nil
}

// ReadFrame reads exactly one frame from r. Errors from r are returned as-is
// so callers can tell transport failures from protocol errors.
func (d Decoder) ReadFrame(r io.Reader) (Frame, error) {
	var buf [MaxHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		return Frame{}, err
	}

	size := 2
	switch buf[1] & len7Mask {
	case len16Marker:
		size += 2
	case len64Marker:
		size += 8
	}
	if buf[1]&maskBit != 0 {
		size += 4
	}
	if _, err := io.ReadFull(r, buf[2:size]); err != nil {
		return Frame{}, noEOF(err)
	}

	h, err := d.parseHeader(buf[:size])
	if err != nil {
		return Frame{}, err
	}

	payload := make([]byte, h.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, noEOF(err)
	}
	if h.masked {
		Cipher(h.mask, 0, payload)
	}
	return h.frame(payload), nil
}

func (d Decoder) parseHeader(b []byte) (header, error) {
	var h header
	if len(b) < 2 {
		return h, ErrNeedMoreData
	}

	b0, b1 := b[0], b[1]
	if b0&rsvBits != 0 {
		return h, protocolErr(CloseProtocolError, "reserved bits set without a negotiated extension")
	}
	h.fin = b0&finBit != 0
	h.op = Opcode(b0 & opMask)
	if !h.op.valid() {
		return h, protocolErr(CloseProtocolError, "unknown opcode %#x", byte(h.op))
	}
	h.masked = b1&maskBit != 0

	switch d.Role {
	case RoleServer:
		if !h.masked {
			return h, protocolErr(CloseProtocolError, "client frame is not masked")
		}
	case RoleClient:
		if h.masked {
			return h, protocolErr(CloseProtocolError, "server frame is masked")
		}
	}

	h.size = 2
	length := int64(b1 & len7Mask)
	switch length {
	case len16Marker:
		if len(b) < 4 {
			return h, ErrNeedMoreData
		}
		length = int64(binary.BigEndian.Uint16(b[2:4]))
		h.size = 4
	case len64Marker:
		if len(b) < 10 {
			return h, ErrNeedMoreData
		}
		v := binary.BigEndian.Uint64(b[2:10])
		if v>>63 != 0 {
			return h, protocolErr(CloseProtocolError, "payload length has the most significant bit set")
		}
		length = int64(v)
		h.size = 10
	}

	if h.op.IsControl() {
		if !h.fin {
			return h, protocolErr(CloseProtocolError, "fragmented %s frame", h.op)
		}
		if length > MaxControlPayload {
			return h, protocolErr(CloseProtocolError, "%s frame payload of %d bytes exceeds %d", h.op, length, MaxControlPayload)
		}
	}
	if length > d.maxPayload() {
		return h, protocolErr(CloseMessageTooBig, "frame payload of %d bytes exceeds limit of %d", length, d.maxPayload())
	}
	h.length = length

	if h.masked {
		if len(b) < h.size+4 {
			return h, ErrNeedMoreData
		}
		copy(h.mask[:], b[h.size:h.size+4])
		h.size += 4
	}
	return h, nil
}

func (h header) frame(payload []byte) Frame {
	return Frame{
		Fin:     h.fin,
		Opcode:  h.op,
		Masked:  h.masked,
		Mask:    h.mask,
		Payload: payload,
	}
}

// Encode serializes f using the minimal payload length representation.
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, MaxHeaderSize+len(f.Payload)), f)
}

// AppendFrame appends the wire form of f to dst. If f.Masked, the payload is
// written XORed with f.Mask; f.Payload itself is left untouched.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if !f.Opcode.valid() {
		return dst, protocolErr(CloseProtocolError, "unknown opcode %#x", byte(f.Opcode))
	}
	n := len(f.Payload)
	if f.Opcode.IsControl() {
		if !f.Fin {
			return dst, protocolErr(CloseProtocolError, "fragmented %s frame", f.Opcode)
		}
		if n > MaxControlPayload {
			return dst, protocolErr(CloseProtocolError, "%s frame payload of %d bytes exceeds %d", f.Opcode, n, MaxControlPayload)
		}
	}

	b0 := byte(f.Opcode)
	if f.Fin {
		b0 |= finBit
	}
	var b1 byte
	if f.Masked {
		b1 = maskBit
	}

	switch {
	case n <= 125:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, b1|len16Marker)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|len64Marker)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if f.Masked {
		dst = append(dst, f.Mask[:]...)
	}
	start := len(dst)
	dst = append(dst, f.Payload...)
	if f.Masked {
		Cipher(f.Mask, 0, dst[start:])
	}
	return dst, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
