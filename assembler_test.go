package websock

import (
	"strings"
	"testing"

	"github.com/wsforge/websock/internal/test/assert"
	"github.com/wsforge/websock/internal/wsframe"
)

func dataFrame(op wsframe.Opcode, fin bool, p []byte) wsframe.Frame {
	return wsframe.Frame{
		Header: wsframe.Header{
			Fin:    fin,
			Opcode: op,
		},
		Payload: p,
	}
}

func TestAssembler(t *testing.T) {
	t.Parallel()

	text := func(fin bool, p string) wsframe.Frame {
		return dataFrame(wsframe.OpText, fin, []byte(p))
	}
	binary := func(fin bool, p []byte) wsframe.Frame {
		return dataFrame(wsframe.OpBinary, fin, p)
	}
	cont := func(fin bool, p []byte) wsframe.Frame {
		return dataFrame(wsframe.OpContinuation, fin, p)
	}

	small := Policy{
		MaxTextMessageSize:   8,
		MaxBinaryMessageSize: 8,
	}

	testCases := []struct {
		name   string
		policy Policy
		frames []wsframe.Frame

		msg *Message

		code   StatusCode // -1 when no error is expected
		errSub string
		failAt int
	}{
		{
			name:   "singleText",
			frames: []wsframe.Frame{text(true, "hello")},
			msg:    &Message{Type: MessageText, Data: []byte("hello")},
			code:   -1,
		},
		{
			name:   "singleBinary",
			frames: []wsframe.Frame{binary(true, []byte{0xff, 0x00, 0xfe})},
			msg:    &Message{Type: MessageBinary, Data: []byte{0xff, 0x00, 0xfe}},
			code:   -1,
		},
		{
			name:   "emptyText",
			frames: []wsframe.Frame{text(true, "")},
			msg:    &Message{Type: MessageText, Data: []byte{}},
			code:   -1,
		},
		{
			name: "fragmented",
			frames: []wsframe.Frame{
				text(false, "he"),
				cont(false, []byte("ll")),
				cont(true, []byte("o")),
			},
			msg:  &Message{Type: MessageText, Data: []byte("hello")},
			code: -1,
		},
		{
			name: "binaryNotValidated",
			frames: []wsframe.Frame{
				binary(false, []byte{0xc3, 0x28}),
				cont(true, []byte{0xff}),
			},
			msg:  &Message{Type: MessageBinary, Data: []byte{0xc3, 0x28, 0xff}},
			code: -1,
		},
		{
			name: "runeSplitAcrossFragments",
			frames: []wsframe.Frame{
				text(false, "\xc3"),
				cont(true, []byte{0xa9}),
			},
			msg:  &Message{Type: MessageText, Data: []byte("é")},
			code: -1,
		},
		{
			name:   "continuationWithoutStart",
			frames: []wsframe.Frame{cont(true, []byte("x"))},
			code:   StatusProtocolError,
			errSub: "continuation frame with no message in progress",
			failAt: 0,
		},
		{
			name: "newStartMidMessage",
			frames: []wsframe.Frame{
				text(false, "he"),
				binary(true, []byte{1}),
			},
			code:   StatusProtocolError,
			errSub: "new data message before finishing",
			failAt: 1,
		},
		{
			name:   "oversizeSingle",
			policy: small,
			frames: []wsframe.Frame{binary(true, []byte(strings.Repeat("x", 9)))},
			code:   StatusMessageTooBig,
			errSub: "larger than the 8 byte limit",
			failAt: 0,
		},
		{
			name:   "oversizeFirstFragment",
			policy: small,
			frames: []wsframe.Frame{text(false, strings.Repeat("x", 9))},
			code:   StatusMessageTooBig,
			errSub: "larger than the 8 byte limit",
			failAt: 0,
		},
		{
			name:   "oversizeAcrossFragments",
			policy: small,
			frames: []wsframe.Frame{
				binary(false, []byte(strings.Repeat("x", 5))),
				cont(false, []byte(strings.Repeat("x", 4))),
			},
			code:   StatusMessageTooBig,
			errSub: "larger than the 8 byte limit",
			failAt: 1,
		},
		{
			name:   "invalidTextSingle",
			frames: []wsframe.Frame{text(true, "\xc3\x28")},
			code:   StatusInvalidFramePayloadData,
			errSub: "invalid UTF-8",
			failAt: 0,
		},
		{
			name: "invalidTextFailsBeforeFin",
			frames: []wsframe.Frame{
				text(false, "\xc3\x28"),
			},
			code:   StatusInvalidFramePayloadData,
			errSub: "invalid UTF-8",
			failAt: 0,
		},
		{
			name: "invalidTextInContinuation",
			frames: []wsframe.Frame{
				text(false, "ok"),
				cont(false, []byte{0xff}),
			},
			code:   StatusInvalidFramePayloadData,
			errSub: "invalid UTF-8",
			failAt: 1,
		},
		{
			name: "textEndsMidRune",
			frames: []wsframe.Frame{
				text(false, "a"),
				cont(true, []byte{0xc3}),
			},
			code:   StatusInvalidFramePayloadData,
			errSub: "ending mid UTF-8 sequence",
			failAt: 1,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			a := msgAssembler{policy: tc.policy.withDefaults()}

			var got *Message
			var err error
			for i, f := range tc.frames {
				got, err = a.push(f)
				if err != nil {
					assert.Equal(t, "failing frame", tc.failAt, i)
					break
				}
				if i < len(tc.frames)-1 {
					assert.Equal(t, "intermediate message", (*Message)(nil), got)
				}
			}

			if tc.code == -1 {
				assert.Success(t, err)
				assert.Equal(t, "message", tc.msg, got)
				return
			}

			assert.Error(t, err)
			assert.Equal(t, "status code", tc.code, CloseStatus(err))
			assert.Contains(t, err, tc.errSub)
		})
	}
}

// A violation drops the aggregate; the assembler must be idle again
// for whatever follows.
func TestAssemblerResets(t *testing.T) {
	t.Parallel()

	a := msgAssembler{policy: Policy{}.withDefaults()}

	_, err := a.push(dataFrame(wsframe.OpText, false, []byte("start")))
	assert.Success(t, err)

	_, err = a.push(dataFrame(wsframe.OpText, true, []byte("again")))
	assert.Error(t, err)

	msg, err := a.push(dataFrame(wsframe.OpText, true, []byte("fresh")))
	assert.Success(t, err)
	assert.Equal(t, "message", &Message{Type: MessageText, Data: []byte("fresh")}, msg)
}
