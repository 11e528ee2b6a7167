// Package wsframe implements the RFC 6455 frame codec.
//
// The codec is transport free. Bytes go in through Parser.Feed and
// complete frames come out of Parser.Next. AppendFrame serializes the
// other direction. Nothing in this package reads the network or knows
// about fragmentation; that is the caller's protocol layer.
package wsframe

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Opcode represents a WebSocket opcode.
type Opcode int

// https://tools.ietf.org/html/rfc6455#section-11.8.
const (
	OpContinuation Opcode = iota
	OpText
	OpBinary
	// 3 - 7 are reserved for further non-control frames.
	_
	_
	_
	_
	_
	OpClose
	OpPing
	OpPong
	// 11-16 are reserved for further control frames.
)

// Control reports whether the opcode is a control opcode.
func (o Opcode) Control() bool {
	switch o {
	case OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// Data reports whether the opcode starts a data message.
func (o Opcode) Data() bool {
	switch o {
	case OpText, OpBinary:
		return true
	}
	return false
}

// known reports whether the opcode is assigned by RFC 6455.
func (o Opcode) known() bool {
	return o == OpContinuation || o.Data() || o.Control()
}

// MaxControlPayload is the maximum length of a control frame payload.
// See https://tools.ietf.org/html/rfc6455#section-5.5.
const MaxControlPayload = 125

// First byte contains fin, rsv1, rsv2, rsv3 and the opcode.
// Second byte contains the mask flag and payload length.
// Next 8 bytes are the maximum extended payload length.
// Last 4 bytes are the mask key.
// See https://tools.ietf.org/html/rfc6455#section-5.2.
const maxHeaderSize = 1 + 1 + 8 + 4

// Header represents a WebSocket frame header.
// See https://tools.ietf.org/html/rfc6455#section-5.2.
type Header struct {
	Fin    bool
	RSV1   bool
	RSV2   bool
	RSV3   bool
	Opcode Opcode

	PayloadLength int64

	Masked  bool
	MaskKey uint32
}

// Frame is a header together with its unmasked payload.
type Frame struct {
	Header
	Payload []byte
}

// appendHeader appends the serialized header to dst.
func appendHeader(dst []byte, h Header) []byte {
	var b byte
	if h.Fin {
		b |= 1 << 7
	}
	if h.RSV1 {
		b |= 1 << 6
	}
	if h.RSV2 {
		b |= 1 << 5
	}
	if h.RSV3 {
		b |= 1 << 4
	}
	b |= byte(h.Opcode)
	dst = append(dst, b)

	var maskFlag byte
	if h.Masked {
		maskFlag = 1 << 7
	}

	switch {
	case h.PayloadLength < 0:
		panic(fmt.Sprintf("wsframe: invalid header: negative length: %v", h.PayloadLength))
	case h.PayloadLength <= 125:
		dst = append(dst, maskFlag|byte(h.PayloadLength))
	case h.PayloadLength <= 1<<16-1:
		dst = append(dst, maskFlag|126, 0, 0)
		binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(h.PayloadLength))
	default:
		dst = append(dst, maskFlag|127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], uint64(h.PayloadLength))
	}

	if h.Masked {
		dst = append(dst, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(dst[len(dst)-4:], h.MaskKey)
	}

	return dst
}

// AppendFrame appends the serialized frame to dst and returns the
// extended slice. The header's PayloadLength is taken from
// len(f.Payload), using the smallest length encoding that fits.
//
// If f.Masked is set the payload copy appended to dst is masked with
// f.MaskKey. f.Payload itself is never modified.
func AppendFrame(dst []byte, f Frame) []byte {
	f.PayloadLength = int64(len(f.Payload))
	dst = appendHeader(dst, f.Header)
	n := len(dst)
	dst = append(dst, f.Payload...)
	if f.Masked {
		Mask(f.MaskKey, dst[n:])
	}
	return dst
}

// Mask applies the WebSocket masking algorithm to b with the given key.
// See https://tools.ietf.org/html/rfc6455#section-5.3
//
// The returned value is the correctly rotated key to continue
// masking/unmasking the rest of the payload in a later call.
//
// The key is in little endian so that the first payload byte is XORed
// with the low byte of the key.
//
// See https://github.com/golang/go/issues/31586
func Mask(key uint32, b []byte) uint32 {
	if len(b) >= 8 {
		key64 := uint64(key)<<32 | uint64(key)

		for len(b) >= 64 {
			v := binary.LittleEndian.Uint64(b)
			binary.LittleEndian.PutUint64(b, v^key64)
			v = binary.LittleEndian.Uint64(b[8:16])
			binary.LittleEndian.PutUint64(b[8:16], v^key64)
			v = binary.LittleEndian.Uint64(b[16:24])
			binary.LittleEndian.PutUint64(b[16:24], v^key64)
			v = binary.LittleEndian.Uint64(b[24:32])
			binary.LittleEndian.PutUint64(b[24:32], v^key64)
			v = binary.LittleEndian.Uint64(b[32:40])
			binary.LittleEndian.PutUint64(b[32:40], v^key64)
			v = binary.LittleEndian.Uint64(b[40:48])
			binary.LittleEndian.PutUint64(b[40:48], v^key64)
			v = binary.LittleEndian.Uint64(b[48:56])
			binary.LittleEndian.PutUint64(b[48:56], v^key64)
			v = binary.LittleEndian.Uint64(b[56:64])
			binary.LittleEndian.PutUint64(b[56:64], v^key64)
			b = b[64:]
		}

		for len(b) >= 8 {
			v := binary.LittleEndian.Uint64(b)
			binary.LittleEndian.PutUint64(b, v^key64)
			b = b[8:]
		}
	}

	for len(b) >= 4 {
		v := binary.LittleEndian.Uint32(b)
		binary.LittleEndian.PutUint32(b, v^key)
		b = b[4:]
	}

	for i := range b {
		b[i] ^= byte(key)
		key = bits.RotateLeft32(key, -8)
	}

	return key
}
