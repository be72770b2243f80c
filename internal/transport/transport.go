// Package transport wraps a raw serial stream with the SLIP-framed
// packet protocol: sending a request is a one-shot write, receiving is a
// buffered read loop that resynchronizes past interleaved garbage and
// filters for a caller-chosen opcode.
package transport

import (
	"time"

	"github.com/bigbag/esptool-go/internal/esperr"
	"github.com/bigbag/esptool-go/internal/packet"
	"github.com/bigbag/esptool-go/internal/slip"
)

// recvRetryBudget bounds how many malformed or mismatched frames Recv will
// discard before giving up. The ROM emits unsolicited banner characters
// and sync echoes, so one sync cycle needs enough slack to ride those out.
const recvRetryBudget = 100

// pollInterval is how long a single ReadWithTimeout call inside the recv
// loop blocks for, bounding how promptly a deadline is noticed.
const pollInterval = 100 * time.Millisecond

// Stream is the minimal serial-port surface the transport needs: a
// blocking reader with an external read timeout, a writer, and an
// explicit flush to discard stale input before a fresh exchange.
type Stream interface {
	// ReadWithTimeout reads into buf, blocking for at most timeout.
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	Flush() error
}

// Transport drives the packet protocol over a Stream: SLIP-encode on
// send, buffer-and-resync on receive.
type Transport struct {
	stream Stream
	buf    []byte
}

// New wraps stream for packet-level send/receive.
func New(stream Stream) *Transport {
	return &Transport{stream: stream}
}

// Send SLIP-encodes req and writes it in one call.
func (t *Transport) Send(req *packet.Request) error {
	frame := slip.Encode(req.Encode())
	if _, err := t.stream.Write(frame); err != nil {
		return esperr.WrapDevice("transport: write failed", err)
	}
	return nil
}

// TryRecv reads and extracts exactly one SLIP frame from the stream
// (blocking up to timeout) and parses it into a Response. It does not
// filter by opcode; callers wanting a specific opcode should use Recv.
func (t *Transport) TryRecv(timeout time.Duration) (*packet.Response, error) {
	deadline := time.Now().Add(timeout)

	for {
		frame, remaining := slip.ReadFrame(t.buf)
		if frame != nil {
			t.buf = remaining
			data := slip.Decode(frame)
			if len(data) < 10 {
				return nil, esperr.New(esperr.SLIPFrame, "decoded frame shorter than header+trailer")
			}
			return packet.ParseReply(data)
		}

		remainingTime := time.Until(deadline)
		if remainingTime <= 0 {
			return nil, esperr.WrapDevice("transport: read timeout", errTimeout{})
		}

		readTimeout := pollInterval
		if remainingTime < readTimeout {
			readTimeout = remainingTime
		}

		chunk := make([]byte, 256)
		n, err := t.stream.ReadWithTimeout(chunk, readTimeout)
		if n > 0 {
			t.buf = append(t.buf, chunk[:n]...)
		}
		if err != nil && n == 0 {
			continue
		}
	}
}

// Recv repeatedly calls TryRecv, discarding malformed frames and frames
// whose opcode doesn't match expected, up to recvRetryBudget attempts. A
// Device error (read timeout or I/O failure) is returned at once rather
// than retried. Status/error trailers are not filtered here — whether a
// matched reply represents command success is a bootloader-layer concern.
func (t *Transport) Recv(expected packet.Opcode, timeout time.Duration) (*packet.Response, error) {
	var lastErr error

	for attempt := 0; attempt < recvRetryBudget; attempt++ {
		resp, err := t.TryRecv(timeout)
		if err != nil {
			if esperr.Is(err, esperr.Device) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if resp.Opcode != expected {
			lastErr = esperr.New(esperr.Command, "opcode mismatch, discarding frame")
			continue
		}
		return resp, nil
	}

	if lastErr == nil {
		lastErr = esperr.New(esperr.Command, "no matching reply within retry budget")
	}
	return nil, lastErr
}

// Flush discards any buffered partial frame and the stream's pending
// input, used before a fresh send/recv exchange (e.g. the start of a
// sync attempt).
func (t *Transport) Flush() error {
	t.buf = nil
	if err := t.stream.Flush(); err != nil {
		return esperr.WrapDevice("transport: flush failed", err)
	}
	return nil
}

// errTimeout is a sentinel cause for Device errors raised by Recv/TryRecv
// hitting their deadline without a usable frame.
type errTimeout struct{}

func (errTimeout) Error() string { return "timeout waiting for response" }
