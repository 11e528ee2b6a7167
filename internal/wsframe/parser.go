package wsframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMoreData is returned by Parser.Next when the buffered bytes do not
// yet contain a complete frame. Feed more transport bytes and call Next
// again.
var ErrMoreData = errors.New("wsframe: need more data")

// ErrPayloadTooLarge is returned by Parser.Next when a frame declares a
// payload length above Parser.MaxPayload. It is detected from the header
// alone, before any payload is buffered.
var ErrPayloadTooLarge = errors.New("wsframe: declared payload length exceeds limit")

// Parser is an incremental frame parser. Transport reads of arbitrary
// size go in through Feed and complete frames come out of Next.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	// MaxPayload fails any frame declaring a payload longer than this.
	// Zero means no limit.
	MaxPayload int64

	buf []byte
	off int
	err error
}

// Feed appends transport bytes to the parse buffer.
func (p *Parser) Feed(b []byte) {
	if p.off > 0 && len(p.buf)+len(b) > cap(p.buf) {
		// About to grow, so compact the consumed prefix first.
		n := copy(p.buf, p.buf[p.off:])
		p.buf = p.buf[:n]
		p.off = 0
	}
	p.buf = append(p.buf, b...)
}

// Buffered returns the number of fed bytes not yet consumed by Next.
func (p *Parser) Buffered() int {
	return len(p.buf) - p.off
}

// Next returns the next complete frame with its payload unmasked.
//
// It returns ErrMoreData when the buffer holds only a partial frame, in
// which case nothing is consumed. Any other error is a protocol
// violation and terminal: every later call returns the same error.
//
// The returned payload aliases the parse buffer and is only valid until
// the next call to Feed or Next. Callers that retain it must copy.
func (p *Parser) Next() (Frame, error) {
	if p.err != nil {
		return Frame{}, p.err
	}
	f, err := p.parse()
	if err != nil && !errors.Is(err, ErrMoreData) {
		p.err = err
	}
	return f, err
}

func (p *Parser) parse() (Frame, error) {
	b := p.buf[p.off:]
	if len(b) < 2 {
		return Frame{}, ErrMoreData
	}

	var h Header
	h.Fin = b[0]&(1<<7) != 0
	h.RSV1 = b[0]&(1<<6) != 0
	h.RSV2 = b[0]&(1<<5) != 0
	h.RSV3 = b[0]&(1<<4) != 0
	h.Opcode = Opcode(b[0] & 0xf)

	// Validate what the first byte alone can tell us so garbage fails
	// before we wait for the rest of the header.
	if h.RSV1 || h.RSV2 || h.RSV3 {
		return Frame{}, fmt.Errorf("wsframe: received header with unexpected rsv bits set: %v:%v:%v", h.RSV1, h.RSV2, h.RSV3)
	}
	if !h.Opcode.known() {
		return Frame{}, fmt.Errorf("wsframe: received header with reserved opcode %v", h.Opcode)
	}
	if h.Opcode.Control() && !h.Fin {
		return Frame{}, fmt.Errorf("wsframe: received fragmented control frame %v", h.Opcode)
	}

	h.Masked = b[1]&(1<<7) != 0

	headerSize := 2
	if h.Masked {
		headerSize += 4
	}

	len7 := b[1] &^ (1 << 7)
	switch {
	case len7 < 126:
		h.PayloadLength = int64(len7)
	case len7 == 126:
		headerSize += 2
	default:
		headerSize += 8
	}

	if h.Opcode.Control() && len7 > MaxControlPayload {
		return Frame{}, fmt.Errorf("wsframe: received control frame %v with payload length %d exceeding %d", h.Opcode, len7, MaxControlPayload)
	}

	if len(b) < headerSize {
		return Frame{}, ErrMoreData
	}

	switch len7 {
	case 126:
		h.PayloadLength = int64(binary.BigEndian.Uint16(b[2:]))
	case 127:
		h.PayloadLength = int64(binary.BigEndian.Uint64(b[2:]))
		if h.PayloadLength < 0 || h.PayloadLength > math.MaxInt64-maxHeaderSize {
			return Frame{}, fmt.Errorf("wsframe: received header with payload length out of range: %v", uint64(h.PayloadLength))
		}
	}

	if h.Masked {
		h.MaskKey = binary.LittleEndian.Uint32(b[headerSize-4:])
	}

	if p.MaxPayload > 0 && h.PayloadLength > p.MaxPayload {
		return Frame{}, fmt.Errorf("wsframe: declared payload length %d exceeds limit %d: %w", h.PayloadLength, p.MaxPayload, ErrPayloadTooLarge)
	}

	total := int64(headerSize) + h.PayloadLength
	if int64(len(b)) < total {
		return Frame{}, ErrMoreData
	}

	payload := b[headerSize:total:total]
	if h.Masked {
		Mask(h.MaskKey, payload)
	}

	p.off += int(total)
	return Frame{Header: h, Payload: payload}, nil
}
