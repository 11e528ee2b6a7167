package wsframe_test

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"math/bits"
	"strconv"
	"testing"
	_ "unsafe"

	"github.com/gobwas/ws"
	_ "github.com/gorilla/websocket"

	"github.com/wsforge/websock/internal/test/assert"
	"github.com/wsforge/websock/internal/test/xrand"
	"github.com/wsforge/websock/internal/wsframe"
)

func TestMask(t *testing.T) {
	t.Parallel()

	key := []byte{0xa, 0xb, 0xc, 0xff}
	key32 := binary.LittleEndian.Uint32(key)
	p := []byte{0xa, 0xb, 0xc, 0xf2, 0xc}
	gotKey32 := wsframe.Mask(key32, p)

	assert.Equal(t, "p", []byte{0, 0, 0, 0x0d, 0x6}, p)
	assert.Equal(t, "key32", bits.RotateLeft32(key32, -8), gotKey32)
}

// Example 2 from https://tools.ietf.org/html/rfc6455#section-5.7.
func TestMaskRFCSample(t *testing.T) {
	t.Parallel()

	key := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	p := []byte{0x7f, 0x9f, 0x4d, 0x51, 0x58}

	wsframe.Mask(binary.LittleEndian.Uint32(key[:]), p)

	assert.Equal(t, "p", "Hello", string(p))
}

// Masking must agree with gobwas's cipher regardless of payload size or
// how the payload is split.
func TestMaskGobwas(t *testing.T) {
	t.Parallel()

	for i := 0; i < 512; i++ {
		var key [4]byte
		copy(key[:], xrand.Bytes(4))
		p := xrand.Bytes(xrand.Int(257))

		p2 := make([]byte, len(p))
		copy(p2, p)

		split := xrand.Int(len(p) + 1)
		key32 := binary.LittleEndian.Uint32(key[:])
		key32 = wsframe.Mask(key32, p[:split])
		wsframe.Mask(key32, p[split:])

		ws.Cipher(p2, key, 0)

		if !bytes.Equal(p, p2) {
			t.Fatalf("mask mismatch with gobwas: key: %v; split: %v; got: %v; exp: %v", key, split, p, p2)
		}
	}
}

func basicMask(maskKey [4]byte, pos int, b []byte) int {
	for i := range b {
		b[i] ^= maskKey[pos&3]
		pos++
	}
	return pos & 3
}

//go:linkname gorillaMaskBytes github.com/gorilla/websocket.maskBytes
func gorillaMaskBytes(key [4]byte, pos int, b []byte) int

func Benchmark_mask(b *testing.B) {
	sizes := []int{
		2,
		3,
		4,
		8,
		16,
		32,
		128,
		512,
		4096,
		16384,
	}

	fns := []struct {
		name string
		fn   func(b *testing.B, key [4]byte, p []byte)
	}{
		{
			name: "basic",
			fn: func(b *testing.B, key [4]byte, p []byte) {
				for i := 0; i < b.N; i++ {
					basicMask(key, 0, p)
				}
			},
		},
		{
			name: "wsframe",
			fn: func(b *testing.B, key [4]byte, p []byte) {
				key32 := binary.LittleEndian.Uint32(key[:])
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					wsframe.Mask(key32, p)
				}
			},
		},
		{
			name: "gorilla",
			fn: func(b *testing.B, key [4]byte, p []byte) {
				for i := 0; i < b.N; i++ {
					gorillaMaskBytes(key, 0, p)
				}
			},
		},
		{
			name: "gobwas",
			fn: func(b *testing.B, key [4]byte, p []byte) {
				for i := 0; i < b.N; i++ {
					ws.Cipher(p, key, 0)
				}
			},
		},
	}

	var key [4]byte
	_, err := rand.Read(key[:])
	if err != nil {
		b.Fatalf("failed to populate mask key: %v", err)
	}

	for _, size := range sizes {
		p := make([]byte, size)

		b.Run(strconv.Itoa(size), func(b *testing.B) {
			for _, fn := range fns {
				b.Run(fn.name, func(b *testing.B) {
					b.SetBytes(int64(size))

					fn.fn(b, key, p)
				})
			}
		})
	}
}
