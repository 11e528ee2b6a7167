// Package wsraw provides a bare wire WebSocket client for tests.
//
// It speaks the client side of the protocol directly over TCP through
// gobwas/ws primitives, which lets tests send arbitrary byte
// sequences, valid or not, and assert on exactly what the server wrote
// back using a codec that is not the one under test.
package wsraw

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/ws"

	"github.com/wsforge/websock/internal/errd"
	"github.com/wsforge/websock/internal/test/xrand"
)

// SampleKey is the Sec-WebSocket-Key from RFC 6455 section 1.3.
const SampleKey = "dGhlIHNhbXBsZSBub25jZQ=="

// SampleAccept is the accept key the sample handshake must produce.
const SampleAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

// Conn is a client connection whose upgrade has been written. Frame
// methods must only be used once the handshake succeeded.
type Conn struct {
	net.Conn
	br *bufio.Reader
}

// Dial upgrades a fresh TCP connection to u with a standard handshake
// and verifies the server's accept key. Extra headers are written
// after the standard set.
func Dial(u string, extra map[string]string) (*Conn, error) {
	lines := []string{
		"Connection: Upgrade",
		"Upgrade: websocket",
		"Sec-WebSocket-Version: 13",
		"Sec-WebSocket-Key: " + SampleKey,
	}
	for k, v := range extra {
		lines = append(lines, k+": "+v)
	}

	c, resp, err := DialLines(u, lines)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		c.Close()
		return nil, fmt.Errorf("unexpected handshake status: %v", resp.Status)
	}
	if accept := resp.Header.Get("Sec-WebSocket-Accept"); accept != SecAccept(SampleKey) {
		c.Close()
		return nil, fmt.Errorf("bad Sec-WebSocket-Accept: %q", accept)
	}

	return c, nil
}

// DialLines upgrades a fresh TCP connection to u, writing exactly the
// given header lines in order. Names and casing go to the wire
// verbatim. The response is returned whatever its status so tests can
// assert on rejections.
func DialLines(u string, headerLines []string) (_ *Conn, _ *http.Response, err error) {
	defer errd.Wrap(&err, "failed to dial %q", u)

	parsed, err := url.Parse(u)
	if err != nil {
		return nil, nil, err
	}

	nc, err := net.DialTimeout("tcp", parsed.Host, time.Second*5)
	if err != nil {
		return nil, nil, err
	}
	// A broken test should fail, not hang.
	nc.SetDeadline(time.Now().Add(time.Second * 30))

	var req strings.Builder
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", parsed.RequestURI())
	fmt.Fprintf(&req, "Host: %s\r\n", parsed.Host)
	for _, l := range headerLines {
		req.WriteString(l)
		req.WriteString("\r\n")
	}
	req.WriteString("\r\n")

	_, err = nc.Write([]byte(req.String()))
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	c := &Conn{
		Conn: nc,
		br:   bufio.NewReader(nc),
	}

	resp, err := http.ReadResponse(c.br, nil)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	return c, resp, nil
}

// MaskedHeader returns a frame header for op with a random mask key.
func MaskedHeader(op ws.OpCode, fin bool) ws.Header {
	h := ws.Header{
		Fin:    fin,
		OpCode: op,
		Masked: true,
	}
	copy(h.Mask[:], xrand.Bytes(4))
	return h
}

// WriteFrame writes a frame with the given header, masking the payload
// when the header says so. The header's length is set from p.
//
// Header and payload go out in a single write so the server never
// observes a torn frame, even when it resets the connection on the
// header alone.
func (c *Conn) WriteFrame(h ws.Header, p []byte) error {
	h.Length = int64(len(p))

	var buf bytes.Buffer
	err := ws.WriteHeader(&buf, h)
	if err != nil {
		return fmt.Errorf("failed to marshal frame header: %w", err)
	}
	if h.Masked {
		p = append([]byte(nil), p...)
		ws.Cipher(p, h.Mask, 0)
	}
	buf.Write(p)

	_, err = c.Conn.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// WriteMessage writes a complete masked single frame message.
func (c *Conn) WriteMessage(op ws.OpCode, p []byte) error {
	return c.WriteFrame(MaskedHeader(op, true), p)
}

// WriteRaw writes bytes straight to the transport.
func (c *Conn) WriteRaw(b []byte) error {
	_, err := c.Conn.Write(b)
	return err
}

// WriteClose writes a masked close frame carrying code and reason.
func (c *Conn) WriteClose(code ws.StatusCode, reason string) error {
	return c.WriteMessage(ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

// ReadFrame reads the next frame from the server, unmasking the
// payload if the server (incorrectly) masked it.
func (c *Conn) ReadFrame() (ws.Header, []byte, error) {
	h, err := ws.ReadHeader(c.br)
	if err != nil {
		return ws.Header{}, nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	p := make([]byte, h.Length)
	_, err = io.ReadFull(c.br, p)
	if err != nil {
		return ws.Header{}, nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	if h.Masked {
		ws.Cipher(p, h.Mask, 0)
	}
	return h, p, nil
}

// ReadClose reads frames until a close frame arrives and returns its
// parsed code and reason. Anything before it is discarded.
func (c *Conn) ReadClose() (ws.StatusCode, string, error) {
	for {
		h, p, err := c.ReadFrame()
		if err != nil {
			return 0, "", err
		}
		if h.OpCode != ws.OpClose {
			continue
		}
		code, reason := ws.ParseCloseFrameData(p)
		return code, reason, nil
	}
}

// SecAccept computes the Sec-WebSocket-Accept value for key.
func SecAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
