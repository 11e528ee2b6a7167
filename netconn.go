package websock

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"time"
)

// NetConn converts a *Conn into a net.Conn.
//
// It's for tunneling arbitrary protocols over WebSocket. Few users of
// the library will need this but it's tricky to implement correctly and
// so provided in the library.
//
// Every Write to the net.Conn goes out as a single binary message and
// every binary message received extends the readable byte stream.
// A received StatusNormalClosure close frame is translated to io.EOF
// when reading, and Close performs the close handshake with
// StatusNormalClosure.
//
// When a deadline is hit, the connection is closed. This is different
// from most net.Conn implementations where only the blocked call is
// interrupted but the connection stays usable.
//
// The Addr methods return a mock net.Addr that returns "websocket" for
// Network and "websocket/unknown-addr" for String.
func NetConn(c *Conn) net.Conn {
	nc := &netConn{
		c: c,
	}

	var cancel context.CancelFunc
	nc.writeCtx, cancel = context.WithCancel(context.Background())
	nc.writeTimer = time.AfterFunc(math.MaxInt64, cancel)
	nc.writeTimer.Stop()

	nc.readCtx, cancel = context.WithCancel(context.Background())
	nc.readTimer = time.AfterFunc(math.MaxInt64, cancel)
	nc.readTimer.Stop()

	return nc
}

type netConn struct {
	c *Conn

	writeTimer *time.Timer
	writeCtx   context.Context

	readTimer *time.Timer
	readCtx   context.Context

	// Unread remainder of the last binary message.
	buf   []byte
	eofed bool
}

var _ net.Conn = &netConn{}

func (nc *netConn) Close() error {
	return nc.c.Close(StatusNormalClosure, "")
}

func (nc *netConn) Write(p []byte) (int, error) {
	err := nc.c.WriteMessage(nc.writeCtx, MessageBinary, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (nc *netConn) Read(p []byte) (int, error) {
	if nc.eofed {
		return 0, io.EOF
	}

	for len(nc.buf) == 0 {
		msg, err := nc.c.ReadMessage(nc.readCtx)
		if err != nil {
			if CloseStatus(err) == StatusNormalClosure {
				nc.eofed = true
				return 0, io.EOF
			}
			return 0, err
		}
		if msg.Type != MessageBinary {
			nc.c.Close(StatusUnsupportedData, "can only accept binary messages")
			return 0, fmt.Errorf("unexpected message type for net conn adapter (expected %v): %v", MessageBinary, msg.Type)
		}
		nc.buf = msg.Data
	}

	n := copy(p, nc.buf)
	nc.buf = nc.buf[n:]
	return n, nil
}

type websocketAddr struct {
}

func (a websocketAddr) Network() string {
	return "websocket"
}

func (a websocketAddr) String() string {
	return "websocket/unknown-addr"
}

func (nc *netConn) RemoteAddr() net.Addr {
	return websocketAddr{}
}

func (nc *netConn) LocalAddr() net.Addr {
	return websocketAddr{}
}

func (nc *netConn) SetDeadline(t time.Time) error {
	nc.SetWriteDeadline(t)
	nc.SetReadDeadline(t)
	return nil
}

func (nc *netConn) SetWriteDeadline(t time.Time) error {
	if t.IsZero() {
		nc.writeTimer.Stop()
	} else {
		nc.writeTimer.Reset(time.Until(t))
	}
	return nil
}

func (nc *netConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		nc.readTimer.Stop()
	} else {
		nc.readTimer.Reset(time.Until(t))
	}
	return nil
}
