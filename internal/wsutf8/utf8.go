// Package wsutf8 provides incremental UTF-8 validation.
//
// The stdlib utf8.Valid needs the whole input at once. Text message
// payloads arrive split across arbitrary frame and transport
// boundaries, so validation here threads a State value through the
// chunks instead and fails on the first byte that can never be part
// of well-formed UTF-8.
package wsutf8

import (
	"errors"
	"fmt"
)

// ErrInvalid means the input can never become well-formed UTF-8, no
// matter what bytes follow.
var ErrInvalid = errors.New("wsutf8: invalid UTF-8")

// ErrIncomplete means the input ended in the middle of a multi byte
// sequence.
var ErrIncomplete = errors.New("wsutf8: incomplete UTF-8 sequence")

// State tracks validation progress across chunks. The zero value
// starts a fresh stream.
type State struct {
	// need is the number of continuation bytes still expected.
	need int
	// lo and hi bound the next continuation byte. The first
	// continuation byte has a narrowed range for sequences that
	// could otherwise encode overlong forms, surrogates or code
	// points above U+10FFFF. See RFC 3629 section 4.
	lo, hi byte
}

// Feed validates the next chunk of the stream and returns the state
// to pass to the next call.
//
// It fails on the first offending byte, even when the sequence it
// belongs to started in an earlier chunk. After an error the stream
// must be abandoned.
func (s State) Feed(p []byte) (State, error) {
	for _, b := range p {
		if s.need > 0 {
			if b < s.lo || s.hi < b {
				return State{}, fmt.Errorf("byte 0x%02x cannot continue sequence: %w", b, ErrInvalid)
			}
			s.need--
			s.lo, s.hi = 0x80, 0xbf
			continue
		}

		switch {
		case b < 0x80:
		case 0xc2 <= b && b <= 0xdf:
			s = State{need: 1, lo: 0x80, hi: 0xbf}
		case b == 0xe0:
			s = State{need: 2, lo: 0xa0, hi: 0xbf}
		case b == 0xed:
			// 0xed 0xa0 and up would be surrogates.
			s = State{need: 2, lo: 0x80, hi: 0x9f}
		case 0xe1 <= b && b <= 0xef:
			s = State{need: 2, lo: 0x80, hi: 0xbf}
		case b == 0xf0:
			s = State{need: 3, lo: 0x90, hi: 0xbf}
		case 0xf1 <= b && b <= 0xf3:
			s = State{need: 3, lo: 0x80, hi: 0xbf}
		case b == 0xf4:
			// 0xf4 0x90 and up would be above U+10FFFF.
			s = State{need: 3, lo: 0x80, hi: 0x8f}
		default:
			// 0x80-0xc1 is a lone continuation byte or an
			// overlong lead, 0xf5-0xff is above U+10FFFF.
			return State{}, fmt.Errorf("byte 0x%02x cannot start sequence: %w", b, ErrInvalid)
		}
	}
	return s, nil
}

// Finish reports whether the stream ended cleanly, outside of any
// multi byte sequence.
func (s State) Finish() error {
	if s.need > 0 {
		return ErrIncomplete
	}
	return nil
}

// Valid reports whether p on its own is well-formed UTF-8.
func Valid(p []byte) bool {
	s, err := State{}.Feed(p)
	return err == nil && s.Finish() == nil
}
