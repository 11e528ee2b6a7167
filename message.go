package websock

// MessageType represents the type of a WebSocket message.
// See https://tools.ietf.org/html/rfc6455#section-5.6
type MessageType int

// MessageType constants.
const (
	// MessageText is for UTF-8 encoded text messages like JSON.
	MessageText MessageType = iota + 1
	// MessageBinary is for binary messages like protobufs.
	MessageBinary
)

// Message is a complete data message, reassembled from however many
// frames the peer fragmented it into. Data is owned by the caller.
type Message struct {
	Type MessageType
	Data []byte
}
