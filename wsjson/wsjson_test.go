package wsjson_test

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"testing"

	"github.com/gobwas/ws"

	"github.com/wsforge/websock"
	"github.com/wsforge/websock/internal/test/assert"
	"github.com/wsforge/websock/internal/test/wsraw"
	"github.com/wsforge/websock/internal/test/wstest"
	"github.com/wsforge/websock/internal/test/xrand"
	"github.com/wsforge/websock/wsjson"
)

func echoJSON(ctx context.Context, c *websock.Conn) error {
	for {
		var v interface{}
		err := wsjson.Read(ctx, c, &v)
		if err != nil {
			return err
		}

		err = wsjson.Write(ctx, c, v)
		if err != nil {
			return err
		}
	}
}

func TestJSON(t *testing.T) {
	t.Parallel()

	t.Run("echo", func(t *testing.T) {
		t.Parallel()

		u, errs, cleanup := wstest.Serve(nil, echoJSON)
		t.Cleanup(cleanup)

		c, err := wsraw.Dial(u, nil)
		assert.Success(t, err)
		defer c.Close()

		exp := map[string]interface{}{
			"fruit": "apple",
			"count": 3.0,
		}
		b, err := json.Marshal(exp)
		assert.Success(t, err)

		err = c.WriteMessage(ws.OpText, b)
		assert.Success(t, err)

		h, p, err := c.ReadFrame()
		assert.Success(t, err)
		assert.Equal(t, "opcode", ws.OpText, h.OpCode)

		var act map[string]interface{}
		err = json.Unmarshal(p, &act)
		assert.Success(t, err)
		assert.Equal(t, "message", exp, act)

		err = c.WriteClose(ws.StatusNormalClosure, "")
		assert.Success(t, err)
		_, _, err = c.ReadClose()
		assert.Success(t, err)

		err = <-errs
		assert.Equal(t, "server close status", websock.StatusNormalClosure, websock.CloseStatus(err))
	})

	t.Run("rejectsBinary", func(t *testing.T) {
		t.Parallel()

		u, errs, cleanup := wstest.Serve(nil, echoJSON)
		t.Cleanup(cleanup)

		c, err := wsraw.Dial(u, nil)
		assert.Success(t, err)
		defer c.Close()

		err = c.WriteMessage(ws.OpBinary, []byte{1, 2, 3})
		assert.Success(t, err)

		code, reason, err := c.ReadClose()
		assert.Success(t, err)
		assert.Equal(t, "close code", ws.StatusUnsupportedData, code)
		assert.Equal(t, "close reason", "expected a text message", reason)
		err = c.WriteClose(ws.StatusUnsupportedData, "")
		assert.Success(t, err)

		err = <-errs
		assert.Error(t, err)
		assert.Contains(t, err, "unexpected message type")
	})

	t.Run("rejectsBadJSON", func(t *testing.T) {
		t.Parallel()

		u, errs, cleanup := wstest.Serve(nil, echoJSON)
		t.Cleanup(cleanup)

		c, err := wsraw.Dial(u, nil)
		assert.Success(t, err)
		defer c.Close()

		err = c.WriteMessage(ws.OpText, []byte("{"))
		assert.Success(t, err)

		code, reason, err := c.ReadClose()
		assert.Success(t, err)
		assert.Equal(t, "close code", ws.StatusInvalidFramePayloadData, code)
		assert.Equal(t, "close reason", "failed to unmarshal JSON", reason)
		err = c.WriteClose(ws.StatusInvalidFramePayloadData, "")
		assert.Success(t, err)

		err = <-errs
		assert.Error(t, err)
		assert.Contains(t, err, "failed to unmarshal JSON")
	})
}

func BenchmarkJSON(b *testing.B) {
	sizes := []int{
		8,
		16,
		32,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		16384,
	}

	b.Run("json.Encoder", func(b *testing.B) {
		for _, size := range sizes {
			b.Run(strconv.Itoa(size), func(b *testing.B) {
				msg := xrand.String(size)
				b.SetBytes(int64(size))
				b.ReportAllocs()
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					json.NewEncoder(io.Discard).Encode(msg)
				}
			})
		}
	})
	b.Run("json.Marshal", func(b *testing.B) {
		for _, size := range sizes {
			b.Run(strconv.Itoa(size), func(b *testing.B) {
				msg := xrand.String(size)
				b.SetBytes(int64(size))
				b.ReportAllocs()
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					json.Marshal(msg)
				}
			})
		}
	})
}
