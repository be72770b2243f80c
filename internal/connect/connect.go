// Package connect drives a cold ESP8266/ESP32 chip into bootloader
// download mode: a timed DTR/RTS reset pulse followed by a bounded sync
// retry loop, trying first a fast reset profile and falling back to a
// slower one if the chip doesn't answer.
package connect

import (
	"fmt"
	"io"
	"time"

	"github.com/bigbag/esptool-go/internal/bootloader"
	"github.com/bigbag/esptool-go/internal/esperr"
	"github.com/bigbag/esptool-go/internal/serial"
	"github.com/bigbag/esptool-go/internal/transport"
)

const (
	outerAttempts     = 10
	innerAttempts     = 5
	syncTimeout       = 100 * time.Millisecond
	commandTimeout    = 3 * time.Second
	interAttemptDelay = 50 * time.Millisecond
)

// Port is the raw surface the connect loop drives directly: the
// modem-control lines, a settable read timeout, flush, and the
// read/write pair transport.Transport needs to run a sync over.
// internal/serial.Port satisfies this.
type Port interface {
	SetDTR(value bool) error
	SetRTS(value bool) error
	SetReadTimeout(timeout time.Duration) error
	Flush() error
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
}

// pulse drives one DTR/RTS reset ritual. delay=false is the fast profile
// (100ms + 50ms); delay=true is the slow profile (100ms + 1200ms + 400ms
// + 50ms), used when the fast profile's sync attempts all fail.
func pulse(p Port, delay bool) error {
	if err := p.SetDTR(false); err != nil {
		return err
	}
	if err := p.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	if delay {
		time.Sleep(1200 * time.Millisecond)
	}

	if err := p.SetDTR(true); err != nil {
		return err
	}
	if err := p.SetRTS(false); err != nil {
		return err
	}

	if delay {
		time.Sleep(400 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	return p.SetDTR(false)
}

// run drives the 10-outer/5-inner/2-profile connect loop against an
// already-open port, returning a Bootloader over it on success. It never
// closes or reopens port; Connect below wraps it with the OS-level
// open/reopen the full ritual calls for.
func run(port Port, out io.Writer) (*bootloader.Bootloader, error) {
	if out == nil {
		out = io.Discard
	}

	delay := false
	resetDone := false
	var lastErr error

	for outer := 0; outer < outerAttempts; outer++ {
		if !resetDone {
			if err := pulse(port, delay); err != nil {
				return nil, esperr.Wrap(esperr.Connection, "reset pulse failed", err)
			}
			resetDone = true
		}

		bl, err := attempt(port, delay, out)
		if err == nil {
			return bl, nil
		}
		lastErr = err

		if !delay {
			delay = true
			resetDone = false
		}
		// delay was already true: keep retrying without flipping
		// resetDone, so no further physical pulse is issued.
	}

	return nil, esperr.Wrap(esperr.Connection, "exhausted reset/sync retry budget", lastErr)
}

// attempt runs up to innerAttempts sync tries at the sync-polling
// timeout, printing a progress glyph per failure, and on success restores
// the longer command-response timeout.
func attempt(port Port, delay bool, out io.Writer) (*bootloader.Bootloader, error) {
	if err := port.SetReadTimeout(syncTimeout); err != nil {
		return nil, esperr.WrapDevice("connect: failed to set sync timeout", err)
	}

	drain(port)
	if err := port.Flush(); err != nil {
		return nil, esperr.WrapDevice("connect: flush failed", err)
	}

	tr := transport.New(port)
	bl := bootloader.New(tr)
	bl.SetTimeout(syncTimeout)

	glyph := "."
	if delay {
		glyph = "_"
	}

	var lastErr error
	for i := 0; i < innerAttempts; i++ {
		if err := tr.Flush(); err != nil {
			return nil, esperr.WrapDevice("connect: transport flush failed", err)
		}

		if err := bl.Sync(); err != nil {
			lastErr = err
			fmt.Fprint(out, glyph)
			time.Sleep(interAttemptDelay)
			continue
		}

		if err := port.SetReadTimeout(commandTimeout); err != nil {
			return nil, esperr.WrapDevice("connect: failed to restore command timeout", err)
		}
		bl.SetTimeout(commandTimeout)
		return bl, nil
	}

	return nil, lastErr
}

// drain reads and discards any input pending from before the reset pulse.
func drain(port Port) {
	buf := make([]byte, 256)
	for {
		n, err := port.ReadWithTimeout(buf, syncTimeout)
		if n == 0 || err != nil {
			return
		}
	}
}

// Connect opens portName at baudRate, drives the reset/sync state
// machine, and on success returns a fresh handle — some platforms leave
// cleaner timeout and buffer state on a newly opened handle than one
// that's been through a full reset ritual — plus a Bootloader over it.
// Progress glyphs ('.' fast profile, '_' slow profile) are written to out
// as each inner sync attempt fails; pass nil to discard them.
func Connect(portName string, baudRate int, out io.Writer) (*serial.Port, *bootloader.Bootloader, error) {
	port, err := serial.Open(portName, baudRate, syncTimeout)
	if err != nil {
		return nil, nil, esperr.WrapDevice("connect: failed to open port", err)
	}

	if _, err := run(port, out); err != nil {
		port.Close()
		return nil, nil, err
	}
	port.Close()

	fresh, err := serial.Open(portName, baudRate, commandTimeout)
	if err != nil {
		return nil, nil, esperr.WrapDevice("connect: failed to reopen port", err)
	}

	return fresh, bootloader.New(transport.New(fresh)), nil
}
