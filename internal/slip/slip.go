// Package slip implements the SLIP-style byte-stuffed framing used on the
// ESP8266 bootloader serial link: 0xC0 delimits frames, 0xDB escapes.
package slip

import (
	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	end    = 0xC0
	esc    = 0xDB
	escEnd = 0xDC
	escEsc = 0xDD
)

// Encode wraps data in SLIP framing: a leading and trailing 0xC0, with 0xC0
// and 0xDB bytes in between escaped.
func Encode(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, end)
	for _, b := range data {
		switch b {
		case end:
			out = append(out, esc, escEnd)
		case esc:
			out = append(out, esc, escEsc)
		default:
			out = append(out, b)
		}
	}
	out = append(out, end)
	return out
}

// Decoder is a streaming SLIP frame assembler: feed it arbitrary byte
// chunks as they arrive off the wire and it emits whole, unescaped frames.
//
// The decoder is lenient by default: bytes preceding the opening delimiter
// of a frame are discarded, and an escape byte followed by anything other
// than 0xDC/0xDD is logged and ignored rather than aborting the stream —
// the ROM is noisy with debug text before sync. Enable Strict to instead
// return ErrInvalidEscape from Feed.
type Decoder struct {
	Strict bool

	inFrame bool
	escaped bool
	frame   []byte
}

// NewDecoder returns a lenient streaming decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes chunk and returns any whole frames it completed, decoded
// (delimiters and escaping removed).
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	var frames [][]byte
	for _, b := range chunk {
		if !d.inFrame {
			if b == end {
				d.inFrame = true
				d.escaped = false
				d.frame = d.frame[:0]
			}
			continue
		}
		if d.escaped {
			d.escaped = false
			switch b {
			case escEnd:
				d.frame = append(d.frame, end)
			case escEsc:
				d.frame = append(d.frame, esc)
			default:
				if d.Strict {
					return frames, errors.Trace(ErrInvalidEscape)
				}
				glog.V(2).Infof("slip: invalid escape sequence 0x%02x, ignoring", b)
			}
			continue
		}
		switch b {
		case esc:
			d.escaped = true
		case end:
			// Closing delimiter completes the frame, even if empty — an
			// empty payload is a valid (if useless) SLIP frame.
			f := make([]byte, len(d.frame))
			copy(f, d.frame)
			frames = append(frames, f)
			d.inFrame = false
			d.frame = d.frame[:0]
		default:
			d.frame = append(d.frame, b)
		}
	}
	return frames, nil
}

// ErrInvalidEscape is returned by Feed in Strict mode when an escape byte
// is followed by anything other than 0xDC or 0xDD.
var ErrInvalidEscape = errors.New("slip: invalid escape sequence")
