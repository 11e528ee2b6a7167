// Package wspb provides helpers for reading and writing protobuf messages.
package wspb

import (
	"bytes"
	"context"
	"fmt"

	"github.com/golang/protobuf/proto"

	"github.com/wsforge/websock"
	"github.com/wsforge/websock/internal/bpool"
	"github.com/wsforge/websock/internal/errd"
)

// Read reads a protobuf message from c into v.
func Read(ctx context.Context, c *websock.Conn, v proto.Message) error {
	return read(ctx, c, v)
}

func read(ctx context.Context, c *websock.Conn, v proto.Message) (err error) {
	defer errd.Wrap(&err, "failed to read protobuf message")

	msg, err := c.ReadMessage(ctx)
	if err != nil {
		return err
	}

	if msg.Type != websock.MessageBinary {
		c.Close(websock.StatusUnsupportedData, "expected a binary message")
		return fmt.Errorf("unexpected message type for protobuf (expected %v): %v", websock.MessageBinary, msg.Type)
	}

	err = proto.Unmarshal(msg.Data, v)
	if err != nil {
		c.Close(websock.StatusInvalidFramePayloadData, "failed to unmarshal protobuf")
		return fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}

	return nil
}

// Write writes the protobuf message v to c.
// It will reuse buffers in between calls to avoid allocations.
func Write(ctx context.Context, c *websock.Conn, v proto.Message) error {
	return write(ctx, c, v)
}

func write(ctx context.Context, c *websock.Conn, v proto.Message) (err error) {
	defer errd.Wrap(&err, "failed to write protobuf message")

	b := bpool.Get()
	pb := proto.NewBuffer(b.Bytes())
	defer func() {
		bpool.Put(bytes.NewBuffer(pb.Bytes()))
	}()

	err = pb.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}

	return c.WriteMessage(ctx, websock.MessageBinary, pb.Bytes())
}
