package serial

import (
	"fmt"
	"runtime"
	"time"

	"go.bug.st/serial"
)

// Port wraps a serial port with ESP32-specific functionality. It exposes
// only the raw primitives (DTR/RTS, timed reads, flush) the protocol
// layers drive; the reset-ritual timing and retry loop live one layer up
// in internal/connect.
type Port struct {
	port        serial.Port
	raw         *RawPort // Used on Linux for better USB CDC handling
	portName    string
	baudRate    int
	readTimeout time.Duration
}

// Open opens a serial port with the specified baud rate and initial read
// timeout. The connect state machine opens short (100ms) while probing
// for sync, then opens a fresh handle at a longer timeout (3s) once the
// bootloader answers — see internal/connect.
func Open(portName string, baudRate int, readTimeout time.Duration) (*Port, error) {
	// On Linux, use raw syscalls for better USB CDC compatibility
	if runtime.GOOS == "linux" {
		raw, err := OpenRaw(portName, baudRate, readTimeout)
		if err != nil {
			return nil, err
		}
		return &Port{
			raw:         raw,
			portName:    portName,
			baudRate:    baudRate,
			readTimeout: readTimeout,
		}, nil
	}

	// On other platforms, use go.bug.st/serial
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:        port,
		portName:    portName,
		baudRate:    baudRate,
		readTimeout: readTimeout,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.raw != nil {
		return p.raw.Close()
	}
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	if p.raw != nil {
		return p.raw.Write(data)
	}
	return p.port.Write(data)
}

// Read reads data from the serial port.
func (p *Port) Read(buf []byte) (int, error) {
	if p.raw != nil {
		return p.raw.Read(buf)
	}
	return p.port.Read(buf)
}

// ReadWithTimeout reads data with a specific timeout.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if p.raw != nil {
		return p.raw.ReadWithTimeout(buf, timeout)
	}
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(p.readTimeout)

	return p.port.Read(buf)
}

// ReadAll reads all available data with a timeout.
func (p *Port) ReadAll(timeout time.Duration) ([]byte, error) {
	var result []byte
	buf := make([]byte, 1024)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		n, err := p.ReadWithTimeout(buf, 100*time.Millisecond)
		if n > 0 {
			result = append(result, buf[:n]...)
		}
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}

	return result, nil
}

// Flush discards any buffered data.
func (p *Port) Flush() error {
	if p.raw != nil {
		return p.raw.Flush()
	}
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	if p.raw != nil {
		return p.raw.SetDTR(value)
	}
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS signal.
func (p *Port) SetRTS(value bool) error {
	if p.raw != nil {
		return p.raw.SetRTS(value)
	}
	return p.port.SetRTS(value)
}

// SetReadTimeout changes the port's default read timeout — the one
// ReadWithTimeout restores to after a one-off call with a different
// duration.
func (p *Port) SetReadTimeout(timeout time.Duration) error {
	p.readTimeout = timeout
	if p.raw != nil {
		return p.raw.SetReadTimeout(timeout)
	}
	return p.port.SetReadTimeout(timeout)
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
