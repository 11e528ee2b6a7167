package websock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"

	"github.com/wsforge/websock/internal/errd"
	"github.com/wsforge/websock/internal/wsframe"
)

// ConnState is the lifecycle state of a connection.
//
// Connections move strictly forward: StateConnecting until the
// handshake response is written, StateOpen while traffic flows,
// StateClosing once either side has sent a close frame and StateClosed
// when the transport is gone. A failed handshake or a hard teardown
// jumps straight to StateClosed.
type ConnState int

// ConnState constants.
const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Close performs the WebSocket close handshake with the given status
// code and reason.
//
// It writes a close frame and then waits for the peer to respond with
// its own, bounded by Policy.CloseTimeout. Data messages received
// while waiting are discarded. If the peer started the handshake
// first, Close only completes our side of it.
//
// The connection can only be closed once; concurrent and subsequent
// calls settle on the first close.
//
// The reason must fit in a close frame alongside the code, which caps
// it at 123 bytes. Avoid sending a dynamic reason.
func (c *Conn) Close(code StatusCode, reason string) (err error) {
	defer errd.Wrap(&err, "failed to close connection")

	err = c.writeClose(code, reason)
	if err != nil && CloseStatus(err) == -1 && !errors.Is(err, errAlreadyWroteClose) {
		return err
	}

	err = c.waitCloseHandshake()
	if c.receivedCloseFrame() {
		return nil
	}
	return err
}

// CloseNow closes the connection without attempting the close
// handshake.
func (c *Conn) CloseNow() error {
	c.close(errors.New("connection closed without close handshake"))
	return nil
}

var errAlreadyWroteClose = errors.New("already wrote close frame")

// writeClose sends our close frame. Only the first caller for a
// connection actually writes; it also moves the state to StateClosing.
func (c *Conn) writeClose(code StatusCode, reason string) error {
	c.closeMu.Lock()
	wrote := c.wroteClose
	c.wroteClose = true
	c.closeMu.Unlock()
	if wrote {
		return errAlreadyWroteClose
	}

	ce := CloseError{
		Code:   code,
		Reason: reason,
	}

	c.setCloseErr(fmt.Errorf("sent close frame: %w", ce))

	// StatusNoStatusRcvd is signalled by an empty payload, the code
	// itself never goes on the wire.
	var p []byte
	if ce.Code != StatusNoStatusRcvd {
		var err error
		p, err = ce.bytes()
		if err != nil {
			log.Printf("websock: %v", err)
		}
	}

	c.state.CompareAndSwap(int64(StateOpen), int64(StateClosing))

	return c.writeControl(context.Background(), wsframe.OpClose, p)
}

// waitCloseHandshake reads until the peer's close frame arrives,
// discarding any data messages, then tears the connection down. The
// wait is bounded by Policy.CloseTimeout.
func (c *Conn) waitCloseHandshake() error {
	defer c.close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), c.policy.CloseTimeout)
	defer cancel()

	err := c.readMu.lock(ctx)
	if err != nil {
		return err
	}
	defer c.readMu.unlock()

	for {
		// Data frames are read and dropped. The peer's close frame
		// surfaces as a CloseError from the control handler.
		_, err := c.readDataFrame(ctx)
		if err != nil {
			return err
		}
	}
}

// handleClose reacts to a received close frame: a malformed payload is
// a protocol violation, otherwise we echo the close (completing the
// handshake whichever side started it) and tear down.
func (c *Conn) handleClose(p []byte) error {
	ce, err := parseClosePayload(p)
	if err != nil {
		err = violation(StatusProtocolError, "received invalid close payload: %v", err)
		c.writeError(err)
		return err
	}

	c.closeMu.Lock()
	c.peerClose = &ce
	c.closeMu.Unlock()

	err = fmt.Errorf("received close frame: %w", ce)
	c.setCloseErr(err)

	c.writeClose(ce.Code, ce.Reason)
	c.close(err)
	return err
}

// receivedCloseFrame reports whether the peer's close frame has been
// processed. It distinguishes a completed close handshake from a
// protocol violation during the wait, both of which carry close codes.
func (c *Conn) receivedCloseFrame() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.peerClose != nil
}

// writeError hard closes the connection after a protocol violation,
// sending the violation's status code to the peer best effort. There
// is no waiting for a close echo, the peer already broke the protocol.
func (c *Conn) writeError(err error) {
	c.setCloseErr(err)

	ce := CloseError{Code: StatusProtocolError}
	errors.As(err, &ce)

	c.writeClose(ce.Code, truncateReason(ce.Reason))
	c.close(err)
}

// close tears the connection down exactly once.
func (c *Conn) close(err error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.isClosed() {
		return
	}
	if err != nil {
		c.setCloseErrLocked(err)
	}
	if c.closeErr == nil {
		c.closeErr = errors.New("connection closed")
	}

	c.state.Store(int64(StateClosed))
	close(c.closed)
	runtime.SetFinalizer(c, nil)

	// Close rwc after c.closed so a goroutine unblocked by the
	// transport dying sees c.closed and returns closeErr.
	c.rwc.Close()
}

func (c *Conn) setCloseErr(err error) {
	c.closeMu.Lock()
	c.setCloseErrLocked(err)
	c.closeMu.Unlock()
}

func (c *Conn) setCloseErrLocked(err error) {
	if c.closeErr == nil {
		c.closeErr = fmt.Errorf("connection closed: %w", err)
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
