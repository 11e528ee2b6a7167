package websock

import "time"

const (
	defaultMaxMessageSize = 32768
	defaultCloseTimeout   = 10 * time.Second
)

// Policy bounds the resources a single connection may consume. It is
// fixed at accept time and never changes for the life of the
// connection.
//
// The zero value of every field means its default.
type Policy struct {
	// MaxTextMessageSize is the maximum size in bytes of a complete
	// text message, summed across all of its fragments. When a
	// message exceeds it the connection is closed with
	// StatusMessageTooBig. Defaults to 32768.
	MaxTextMessageSize int64

	// MaxBinaryMessageSize is the same limit for binary messages.
	// Defaults to 32768.
	MaxBinaryMessageSize int64

	// CloseTimeout bounds how long Close waits for the peer's close
	// frame before tearing the connection down anyway. Defaults to
	// 10 seconds.
	CloseTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxTextMessageSize <= 0 {
		p.MaxTextMessageSize = defaultMaxMessageSize
	}
	if p.MaxBinaryMessageSize <= 0 {
		p.MaxBinaryMessageSize = defaultMaxMessageSize
	}
	if p.CloseTimeout <= 0 {
		p.CloseTimeout = defaultCloseTimeout
	}
	return p
}

func (p Policy) limitFor(typ MessageType) int64 {
	if typ == MessageText {
		return p.MaxTextMessageSize
	}
	return p.MaxBinaryMessageSize
}

// maxFramePayload is the largest payload length any single data frame
// may declare. A frame longer than the largest message limit can never
// become a deliverable message, so it is rejected from its header
// alone.
func (p Policy) maxFramePayload() int64 {
	if p.MaxTextMessageSize > p.MaxBinaryMessageSize {
		return p.MaxTextMessageSize
	}
	return p.MaxBinaryMessageSize
}
