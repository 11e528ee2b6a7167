package websock

import (
	"github.com/wsforge/websock/internal/wsframe"
	"github.com/wsforge/websock/internal/wsutf8"
)

// msgAssembler turns a stream of data frames back into complete
// messages. It is idle between messages and aggregating from the first
// frame of a fragmented message until its fin frame.
//
// Size and UTF-8 checks run as fragments arrive, so a violation
// surfaces on the earliest frame that proves it, not when the message
// completes. Every error it returns is a CloseError carrying the
// status code the violation calls for. After an error the aggregate is
// discarded; a partial message is never delivered.
//
// Control frames must never reach the assembler.
type msgAssembler struct {
	policy Policy

	cur *partialMsg
}

type partialMsg struct {
	typ  MessageType
	buf  []byte
	utf8 wsutf8.State
}

// push feeds the next data frame in arrival order. It returns the
// completed message, or nil when more frames are needed.
func (a *msgAssembler) push(f wsframe.Frame) (*Message, error) {
	if f.Opcode == wsframe.OpContinuation {
		return a.pushContinuation(f)
	}
	return a.pushFirst(f)
}

func (a *msgAssembler) pushFirst(f wsframe.Frame) (*Message, error) {
	if a.cur != nil {
		a.cur = nil
		return nil, violation(StatusProtocolError, "received new data message before finishing the previous message")
	}

	typ := MessageType(f.Opcode)
	limit := a.policy.limitFor(typ)

	if int64(len(f.Payload)) > limit {
		return nil, violation(StatusMessageTooBig, "received message larger than the %v byte limit", limit)
	}

	if f.Fin {
		if typ == MessageText && !wsutf8.Valid(f.Payload) {
			return nil, violation(StatusInvalidFramePayloadData, "received text message with invalid UTF-8")
		}
		data := make([]byte, len(f.Payload))
		copy(data, f.Payload)
		return &Message{Type: typ, Data: data}, nil
	}

	cur := &partialMsg{typ: typ}
	if typ == MessageText {
		var err error
		cur.utf8, err = cur.utf8.Feed(f.Payload)
		if err != nil {
			return nil, violation(StatusInvalidFramePayloadData, "received text message with invalid UTF-8")
		}
	}
	cur.buf = append(cur.buf, f.Payload...)
	a.cur = cur
	return nil, nil
}

func (a *msgAssembler) pushContinuation(f wsframe.Frame) (*Message, error) {
	cur := a.cur
	if cur == nil {
		return nil, violation(StatusProtocolError, "received continuation frame with no message in progress")
	}

	limit := a.policy.limitFor(cur.typ)
	if int64(len(cur.buf))+int64(len(f.Payload)) > limit {
		a.cur = nil
		return nil, violation(StatusMessageTooBig, "received message larger than the %v byte limit", limit)
	}

	if cur.typ == MessageText {
		var err error
		cur.utf8, err = cur.utf8.Feed(f.Payload)
		if err != nil {
			a.cur = nil
			return nil, violation(StatusInvalidFramePayloadData, "received text message with invalid UTF-8")
		}
	}

	cur.buf = append(cur.buf, f.Payload...)

	if !f.Fin {
		return nil, nil
	}

	a.cur = nil
	if cur.typ == MessageText {
		if err := cur.utf8.Finish(); err != nil {
			return nil, violation(StatusInvalidFramePayloadData, "received text message ending mid UTF-8 sequence")
		}
	}
	return &Message{Type: cur.typ, Data: cur.buf}, nil
}
