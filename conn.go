package websock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wsforge/websock/internal/errd"
	"github.com/wsforge/websock/internal/wsframe"
)

// Conn represents a server side WebSocket connection.
//
// All methods may be called concurrently except for ReadMessage, which
// may only have one caller at a time.
//
// You must always be reading from the connection, otherwise control
// frames from the peer will not be answered.
//
// Every error from ReadMessage closes the connection, so there is no
// need to send your own close frame on read failures. Pings, pongs and
// the close handshake are handled transparently while reading.
type Conn struct {
	subprotocol string
	rwc         io.ReadWriteCloser
	policy      Policy
	br          *bufio.Reader
	bw          *bufio.Writer

	readTimeout  chan context.Context
	writeTimeout chan context.Context

	// Read state, guarded by readMu.
	readMu    *mu
	parser    wsframe.Parser
	readBuf   []byte
	assembler msgAssembler

	// Write state, guarded by writeMu.
	writeMu  *mu
	writeBuf []byte

	state  atomic.Int64
	closed chan struct{}

	closeMu    sync.Mutex
	closeErr   error
	wroteClose bool
	peerClose  *CloseError

	pingCounter   atomic.Int64
	activePingsMu sync.Mutex
	activePings   map[string]chan<- struct{}
}

type connConfig struct {
	subprotocol string
	rwc         io.ReadWriteCloser
	policy      Policy
	br          *bufio.Reader
	bw          *bufio.Writer
}

func newConn(cfg connConfig) *Conn {
	c := &Conn{
		subprotocol: cfg.subprotocol,
		rwc:         cfg.rwc,
		policy:      cfg.policy.withDefaults(),
		br:          cfg.br,
		bw:          cfg.bw,

		readTimeout:  make(chan context.Context),
		writeTimeout: make(chan context.Context),

		closed:      make(chan struct{}),
		activePings: make(map[string]chan<- struct{}),
	}

	c.readMu = newMu(c)
	c.writeMu = newMu(c)

	c.parser.MaxPayload = c.policy.maxFramePayload()
	c.readBuf = make([]byte, 4096)
	c.writeBuf = make([]byte, 0, 4096)
	c.assembler.policy = c.policy

	c.state.Store(int64(StateConnecting))

	runtime.SetFinalizer(c, func(c *Conn) {
		c.close(errors.New("connection garbage collected"))
	})

	go c.timeoutLoop()

	return c
}

// Subprotocol returns the negotiated subprotocol.
// An empty string means the default protocol.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

func (c *Conn) timeoutLoop() {
	readCtx := context.Background()
	writeCtx := context.Background()

	for {
		select {
		case <-c.closed:
			return

		case writeCtx = <-c.writeTimeout:
		case readCtx = <-c.readTimeout:

		case <-readCtx.Done():
			c.close(fmt.Errorf("read timed out: %w", readCtx.Err()))
			return
		case <-writeCtx.Done():
			c.close(fmt.Errorf("write timed out: %w", writeCtx.Err()))
			return
		}
	}
}

// ReadMessage reads the next complete data message from the
// connection, reassembling fragments as needed. Messages are returned
// in arrival order.
//
// A returned error means the connection is closed: either the peer
// performed the close handshake, in which case the error is the peer's
// CloseError, or a protocol violation or transport failure tore the
// connection down.
func (c *Conn) ReadMessage(ctx context.Context) (_ Message, err error) {
	defer errd.Wrap(&err, "failed to read message")

	err = c.readMu.lock(ctx)
	if err != nil {
		return Message{}, err
	}
	defer c.readMu.unlock()

	for {
		f, err := c.readDataFrame(ctx)
		if err != nil {
			return Message{}, err
		}

		msg, err := c.assembler.push(f)
		if err != nil {
			c.writeError(err)
			return Message{}, err
		}
		if msg == nil {
			continue
		}
		if c.State() == StateClosing {
			// The close handshake is in progress, data is
			// discarded.
			continue
		}
		return *msg, nil
	}
}

// readDataFrame returns the next data frame, answering control frames
// along the way.
func (c *Conn) readDataFrame(ctx context.Context) (wsframe.Frame, error) {
	for {
		f, err := c.readFrame(ctx)
		if err != nil {
			return wsframe.Frame{}, err
		}

		if !f.Masked {
			err = violation(StatusProtocolError, "received unmasked frame from client")
			c.writeError(err)
			return wsframe.Frame{}, err
		}

		if !f.Opcode.Control() {
			return f, nil
		}

		err = c.handleControl(ctx, f)
		if err != nil {
			// Pass through CloseErrors when receiving a close frame.
			if f.Opcode == wsframe.OpClose && CloseStatus(err) != -1 {
				return wsframe.Frame{}, err
			}
			return wsframe.Frame{}, fmt.Errorf("failed to handle control frame %v: %w", f.Opcode, err)
		}
	}
}

// readFrame pumps transport bytes into the parser until it produces
// the next frame.
func (c *Conn) readFrame(ctx context.Context) (wsframe.Frame, error) {
	for {
		f, err := c.parser.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, wsframe.ErrMoreData) {
			code := StatusProtocolError
			if errors.Is(err, wsframe.ErrPayloadTooLarge) {
				code = StatusMessageTooBig
			}
			err = violation(code, "%v", err)
			c.writeError(err)
			return wsframe.Frame{}, err
		}

		err = c.readTransport(ctx)
		if err != nil {
			return wsframe.Frame{}, err
		}
	}
}

// readTransport performs one read from the connection and feeds the
// parser.
func (c *Conn) readTransport(ctx context.Context) error {
	select {
	case <-c.closed:
		return c.closeErr
	case c.readTimeout <- ctx:
	}

	n, err := c.br.Read(c.readBuf)
	if n > 0 {
		c.parser.Feed(c.readBuf[:n])
		err = nil
	}
	if err != nil {
		select {
		case <-c.closed:
			return c.closeErr
		case <-ctx.Done():
			return ctx.Err()
		default:
			err = fmt.Errorf("failed to read from connection: %w", err)
			c.close(err)
			return err
		}
	}

	select {
	case <-c.closed:
		return c.closeErr
	case c.readTimeout <- context.Background():
	}

	return nil
}

func (c *Conn) handleControl(ctx context.Context, f wsframe.Frame) error {
	switch f.Opcode {
	case wsframe.OpPing:
		return c.writeControl(ctx, wsframe.OpPong, f.Payload)
	case wsframe.OpPong:
		c.activePingsMu.Lock()
		pong, ok := c.activePings[string(f.Payload)]
		c.activePingsMu.Unlock()
		if ok {
			close(pong)
		}
		return nil
	}

	return c.handleClose(f.Payload)
}

// WriteMessage writes a complete message to the connection as a single
// unmasked frame.
func (c *Conn) WriteMessage(ctx context.Context, typ MessageType, p []byte) (err error) {
	defer errd.Wrap(&err, "failed to write message")

	switch typ {
	case MessageText, MessageBinary:
	default:
		return fmt.Errorf("unknown message type: %v", int(typ))
	}

	if s := c.State(); s != StateOpen {
		return fmt.Errorf("connection is %v", s)
	}

	return c.writeFrame(ctx, wsframe.Opcode(typ), p)
}

// writeFrame is the single point through which every outbound frame
// passes. Server frames are never masked.
func (c *Conn) writeFrame(ctx context.Context, op wsframe.Opcode, p []byte) error {
	err := c.writeMu.lock(ctx)
	if err != nil {
		return err
	}
	defer c.writeMu.unlock()

	select {
	case <-c.closed:
		return c.closeErr
	case c.writeTimeout <- ctx:
	}

	c.writeBuf = wsframe.AppendFrame(c.writeBuf[:0], wsframe.Frame{
		Header: wsframe.Header{
			Fin:    true,
			Opcode: op,
		},
		Payload: p,
	})

	_, err = c.bw.Write(c.writeBuf)
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil {
		select {
		case <-c.closed:
			return c.closeErr
		case <-ctx.Done():
			return ctx.Err()
		default:
			err = fmt.Errorf("failed to write frame: %w", err)
			c.close(err)
			return err
		}
	}

	select {
	case <-c.closed:
		return c.closeErr
	case c.writeTimeout <- context.Background():
	}

	return nil
}

func (c *Conn) writeControl(ctx context.Context, op wsframe.Opcode, p []byte) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	err := c.writeFrame(ctx, op, p)
	if err != nil {
		return fmt.Errorf("failed to write control frame %v: %w", op, err)
	}
	return nil
}

// Ping sends a ping to the peer and waits for a pong. Use this to
// measure latency or ensure the peer is responsive.
//
// Ping must be called concurrently with ReadMessage as it does not
// read from the connection itself but waits for a ReadMessage call to
// read the pong.
func (c *Conn) Ping(ctx context.Context) (err error) {
	defer errd.Wrap(&err, "failed to ping")

	if s := c.State(); s != StateOpen {
		return fmt.Errorf("connection is %v", s)
	}

	p := c.pingCounter.Add(1)

	return c.ping(ctx, strconv.FormatInt(p, 10))
}

func (c *Conn) ping(ctx context.Context, p string) error {
	pong := make(chan struct{})

	c.activePingsMu.Lock()
	c.activePings[p] = pong
	c.activePingsMu.Unlock()

	defer func() {
		c.activePingsMu.Lock()
		delete(c.activePings, p)
		c.activePingsMu.Unlock()
	}()

	err := c.writeControl(ctx, wsframe.OpPing, []byte(p))
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return c.closeErr
	case <-ctx.Done():
		err := fmt.Errorf("failed to wait for pong: %w", ctx.Err())
		c.close(err)
		return err
	case <-pong:
		return nil
	}
}

// mu is a mutex that respects both context cancellation and the
// connection dying.
type mu struct {
	c  *Conn
	ch chan struct{}
}

func newMu(c *Conn) *mu {
	return &mu{
		c:  c,
		ch: make(chan struct{}, 1),
	}
}

func (m *mu) lock(ctx context.Context) error {
	select {
	case <-m.c.closed:
		return m.c.closeErr
	case <-ctx.Done():
		return fmt.Errorf("failed to acquire lock: %w", ctx.Err())
	case m.ch <- struct{}{}:
		// The send may have been selected over the receive on
		// closed, so check again.
		select {
		case <-m.c.closed:
			m.unlock()
			return m.c.closeErr
		default:
		}
		return nil
	}
}

func (m *mu) unlock() {
	select {
	case <-m.ch:
	default:
	}
}
