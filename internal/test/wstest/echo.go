package wstest

import (
	"context"

	"github.com/wsforge/websock"
)

// EchoLoop echoes every data message received from c back to the peer
// until the connection dies and returns the terminating error. When
// the peer performs the close handshake that error carries the peer's
// status code.
func EchoLoop(ctx context.Context, c *websock.Conn) error {
	defer c.CloseNow()

	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			return err
		}

		err = c.WriteMessage(ctx, msg.Type, msg.Data)
		if err != nil {
			return err
		}
	}
}
