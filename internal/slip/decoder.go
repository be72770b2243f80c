package slip

import (
	"io"

	"github.com/bigbag/esptool-go/internal/esperr"
)

// Decoder pulls SLIP frames directly off an io.Reader, byte at a time,
// unescaping as it goes. This is the incremental counterpart to the
// buffer-oriented Decode/ReadFrame in slip.go: it never buffers more of the
// underlying stream than one frame needs, which matters on a serial link
// where the boot ROM may interleave garbage bytes between real frames.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps r for incremental frame reads.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// frameCheck reads a single byte and requires it to be the End delimiter.
func (d *Decoder) frameCheck() error {
	var b [1]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return esperr.WrapDevice("slip: frame check read failed", err)
	}
	if b[0] != End {
		return esperr.New(esperr.SLIPFrame, "missing frame delimiter")
	}
	return nil
}

// recvBytes reads and unescapes bytes from the underlying stream until out
// holds at least n logical bytes, or the frame closes early.
func (d *Decoder) recvBytes(out []byte, n int) ([]byte, error) {
	var b [1]byte
	for len(out) < n {
		if _, err := io.ReadFull(d.r, b[:]); err != nil {
			return out, esperr.WrapDevice("slip: body read failed", err)
		}
		switch b[0] {
		case End:
			return out, esperr.New(esperr.SLIPFrame, "frame ended before expected length")
		case Esc:
			if _, err := io.ReadFull(d.r, b[:]); err != nil {
				return out, esperr.WrapDevice("slip: escape read failed", err)
			}
			switch b[0] {
			case EscEnd:
				out = append(out, End)
			case EscEsc:
				out = append(out, Esc)
			default:
				return out, esperr.New(esperr.SLIPFrame, "invalid escape sequence")
			}
		default:
			out = append(out, b[0])
		}
	}
	return out, nil
}

// ReadFrame reads one complete SLIP frame: a leading End delimiter, the
// unescaped logical bytes, and a trailing End delimiter. It returns the
// decoded, unframed payload.
//
// length is the number of logical bytes to read before expecting the
// closing delimiter; pass -1 to read until End appears (unknown length,
// used only for resynchronizing on garbage — callers that know the packet
// header contract should always pass an explicit length).
func (d *Decoder) ReadFrame(length int) ([]byte, error) {
	if err := d.frameCheck(); err != nil {
		return nil, err
	}

	if length < 0 {
		return d.readUntilEnd()
	}

	out, err := d.recvBytes(nil, length)
	if err != nil {
		return nil, err
	}

	var closing [1]byte
	if _, err := io.ReadFull(d.r, closing[:]); err != nil {
		return nil, esperr.WrapDevice("slip: closing delimiter read failed", err)
	}
	if closing[0] != End {
		return nil, esperr.New(esperr.SLIPFrame, "missing closing frame delimiter")
	}

	return out, nil
}

func (d *Decoder) readUntilEnd() ([]byte, error) {
	var out []byte
	var b [1]byte
	for {
		if _, err := io.ReadFull(d.r, b[:]); err != nil {
			return nil, esperr.WrapDevice("slip: body read failed", err)
		}
		switch b[0] {
		case End:
			return out, nil
		case Esc:
			if _, err := io.ReadFull(d.r, b[:]); err != nil {
				return nil, esperr.WrapDevice("slip: escape read failed", err)
			}
			switch b[0] {
			case EscEnd:
				out = append(out, End)
			case EscEsc:
				out = append(out, Esc)
			default:
				return nil, esperr.New(esperr.SLIPFrame, "invalid escape sequence")
			}
		default:
			out = append(out, b[0])
		}
	}
}
