// Package wsjson provides helpers for reading and writing JSON messages.
package wsjson

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wsforge/websock"
	"github.com/wsforge/websock/internal/bpool"
	"github.com/wsforge/websock/internal/errd"
)

// Read reads a JSON message from c into v.
func Read(ctx context.Context, c *websock.Conn, v interface{}) error {
	return read(ctx, c, v)
}

func read(ctx context.Context, c *websock.Conn, v interface{}) (err error) {
	defer errd.Wrap(&err, "failed to read JSON message")

	msg, err := c.ReadMessage(ctx)
	if err != nil {
		return err
	}

	if msg.Type != websock.MessageText {
		c.Close(websock.StatusUnsupportedData, "expected a text message")
		return fmt.Errorf("unexpected message type for JSON (expected %v): %v", websock.MessageText, msg.Type)
	}

	err = json.Unmarshal(msg.Data, v)
	if err != nil {
		c.Close(websock.StatusInvalidFramePayloadData, "failed to unmarshal JSON")
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

// Write writes the JSON message v to c.
// It will reuse buffers in between calls to avoid allocations.
func Write(ctx context.Context, c *websock.Conn, v interface{}) error {
	return write(ctx, c, v)
}

func write(ctx context.Context, c *websock.Conn, v interface{}) (err error) {
	defer errd.Wrap(&err, "failed to write JSON message")

	b := bpool.Get()
	defer bpool.Put(b)

	// json.Marshal cannot reuse buffers between calls as it has to return
	// a copy of the byte slice but Encoder does as it directly writes to b.
	err = json.NewEncoder(b).Encode(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return c.WriteMessage(ctx, websock.MessageText, b.Bytes())
}
