package bootloader

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/bigbag/esptool-go/internal/chip"
	"github.com/bigbag/esptool-go/internal/packet"
	"github.com/bigbag/esptool-go/internal/slip"
	"github.com/bigbag/esptool-go/internal/transport"
)

// mockStream is an in-memory transport.Stream: reads drain a preloaded
// byte slice, writes are recorded.
type mockStream struct {
	in      []byte
	pos     int
	written [][]byte
}

func (m *mockStream) ReadWithTimeout(buf []byte, _ time.Duration) (int, error) {
	if m.pos >= len(m.in) {
		return 0, nil
	}
	n := copy(buf, m.in[m.pos:])
	m.pos += n
	return n, nil
}

func (m *mockStream) Write(p []byte) (int, error) {
	m.written = append(m.written, append([]byte(nil), p...))
	return len(p), nil
}

func (m *mockStream) Flush() error { return nil }

func rawReply(op packet.Opcode, value uint32, body []byte) []byte {
	size := uint16(len(body))
	buf := make([]byte, 8+len(body))
	buf[0] = 0x01
	buf[1] = byte(op)
	binary.LittleEndian.PutUint16(buf[2:4], size)
	binary.LittleEndian.PutUint32(buf[4:8], value)
	copy(buf[8:], body)
	return buf
}

func successReply(op packet.Opcode, value uint32) []byte {
	return rawReply(op, value, []byte{0x00, 0x00})
}

func queueFrames(frames ...[]byte) []byte {
	var in []byte
	for _, f := range frames {
		in = append(in, slip.Encode(f)...)
	}
	return in
}

func TestSync_DrainsEightReplies(t *testing.T) {
	frames := make([][]byte, 8)
	for i := range frames {
		frames[i] = successReply(packet.OpSync, 0)
	}
	stream := &mockStream{in: queueFrames(frames...)}
	bl := New(transport.New(stream))

	if err := bl.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
}

func TestSync_FailsOnShortDrain(t *testing.T) {
	// Only 3 replies present; the 4th Recv call will time out.
	frames := make([][]byte, 3)
	for i := range frames {
		frames[i] = successReply(packet.OpSync, 0)
	}
	stream := &mockStream{in: queueFrames(frames...)}
	bl := New(transport.New(stream))

	if err := bl.Sync(); err == nil {
		t.Fatal("Sync() expected error for incomplete drain, got nil")
	}
}

func TestReadReg(t *testing.T) {
	stream := &mockStream{in: queueFrames(successReply(packet.OpReadReg, 0xDEADBEEF))}
	bl := New(transport.New(stream))

	value, err := bl.ReadReg(chip.UartDataReg, 0)
	if err != nil {
		t.Fatalf("ReadReg() error = %v", err)
	}
	if value != 0xDEADBEEF {
		t.Errorf("ReadReg() = 0x%X, want 0xDEADBEEF", value)
	}

	if len(stream.written) != 1 {
		t.Fatalf("expected 1 write, got %d", len(stream.written))
	}
	decoded := slip.Decode(stream.written[0])
	body := decoded[8:]
	addr := binary.LittleEndian.Uint32(body)
	if addr != uint32(chip.UartDataReg) {
		t.Errorf("request body addr = 0x%X, want 0x%X", addr, chip.UartDataReg)
	}
}

func TestReadReg_FailureStatus(t *testing.T) {
	stream := &mockStream{in: queueFrames(rawReply(packet.OpReadReg, 0, []byte{0x01, 0x07}))}
	bl := New(transport.New(stream))

	_, err := bl.ReadReg(chip.UartDataReg, 0)
	if err == nil {
		t.Fatal("ReadReg() expected error on failure status, got nil")
	}
}

func TestReadEfuse_UsesEfuseBaseAndIndex(t *testing.T) {
	stream := &mockStream{in: queueFrames(successReply(packet.OpReadReg, 0x42))}
	bl := New(transport.New(stream))

	value, err := bl.ReadEfuse(3)
	if err != nil {
		t.Fatalf("ReadEfuse() error = %v", err)
	}
	if value != 0x42 {
		t.Errorf("ReadEfuse() = 0x%X, want 0x42", value)
	}

	decoded := slip.Decode(stream.written[0])
	addr := binary.LittleEndian.Uint32(decoded[8:12])
	expected := uint32(chip.EFuseRegBase) + 4*3
	if addr != expected {
		t.Errorf("request addr = 0x%X, want 0x%X", addr, expected)
	}
}

func TestEnableFlash(t *testing.T) {
	stream := &mockStream{in: queueFrames(successReply(packet.OpSPIAttach, 0))}
	bl := New(transport.New(stream))

	if err := bl.EnableFlash(0); err != nil {
		t.Fatalf("EnableFlash() error = %v", err)
	}

	decoded := slip.Decode(stream.written[0])
	if len(decoded[8:]) != 8 {
		t.Errorf("enable_flash body length = %d, want 8", len(decoded[8:]))
	}
}

func TestSPISetParams(t *testing.T) {
	stream := &mockStream{in: queueFrames(successReply(packet.OpSPISetParams, 0))}
	bl := New(transport.New(stream))

	if err := bl.SPISetParams(0x1000000); err != nil {
		t.Fatalf("SPISetParams() error = %v", err)
	}
}

func TestReadMac_ByteComposition(t *testing.T) {
	e1 := uint32(0x11223344)
	e2 := uint32(0x5566AABB)

	stream := &mockStream{in: queueFrames(
		successReply(packet.OpReadReg, e1),
		successReply(packet.OpReadReg, e2),
	)}
	bl := New(transport.New(stream))

	mac, err := bl.ReadMac()
	if err != nil {
		t.Fatalf("ReadMac() error = %v", err)
	}

	expected := [6]byte{
		byte(e2 >> 8), byte(e2),
		byte(e1 >> 24), byte(e1 >> 16), byte(e1 >> 8), byte(e1),
	}
	if mac != expected {
		t.Errorf("ReadMac() = %X, want %X", mac, expected)
	}
}

func TestChipID(t *testing.T) {
	secInfo := make([]byte, 4)
	binary.LittleEndian.PutUint32(secInfo, uint32(chip.ESP32C3))

	body := append(secInfo, 0x00, 0x00) // status trailer appended
	stream := &mockStream{in: queueFrames(rawReply(packet.OpGetSecurityInfo, 0, body))}
	bl := New(transport.New(stream))

	id, err := bl.ChipID()
	if err != nil {
		t.Fatalf("ChipID() error = %v", err)
	}
	if id != chip.ESP32C3 {
		t.Errorf("ChipID() = 0x%X, want ESP32C3", id)
	}
}

func TestChipID_FailureStatus(t *testing.T) {
	stream := &mockStream{in: queueFrames(rawReply(packet.OpGetSecurityInfo, 0, []byte{0x01, 0x06}))}
	bl := New(transport.New(stream))

	_, err := bl.ChipID()
	if err == nil {
		t.Fatal("ChipID() expected error on failure status, got nil")
	}
}
