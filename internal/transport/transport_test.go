package transport

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/bigbag/esptool-go/internal/esperr"
	"github.com/bigbag/esptool-go/internal/packet"
	"github.com/bigbag/esptool-go/internal/slip"
)

// mockStream is an in-memory Stream: reads drain a preloaded byte slice,
// writes and flushes are recorded for assertions.
type mockStream struct {
	in       []byte
	pos      int
	written  [][]byte
	flushCnt int
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
	cp := append([]byte(nil), p...)
	m.written = append(m.written, cp)
	return len(p), nil
}

func (m *mockStream) Flush() error {
	m.flushCnt++
	return nil
}

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

func TestTransport_Send(t *testing.T) {
	stream := &mockStream{}
	tr := New(stream)

	req := packet.NewRequest(packet.OpSync, packet.SyncData())
	if err := tr.Send(req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(stream.written) != 1 {
		t.Fatalf("expected 1 write, got %d", len(stream.written))
	}

	expected := slip.Encode(req.Encode())
	if !bytes.Equal(stream.written[0], expected) {
		t.Errorf("written = %v, want %v", stream.written[0], expected)
	}
}

func TestTransport_TryRecv_Valid(t *testing.T) {
	body := []byte{0x00, 0x00} // status trailer only
	raw := rawReply(packet.OpSync, 0, body)
	stream := &mockStream{in: slip.Encode(raw)}
	tr := New(stream)

	resp, err := tr.TryRecv(time.Second)
	if err != nil {
		t.Fatalf("TryRecv() error = %v", err)
	}
	if resp.Opcode != packet.OpSync {
		t.Errorf("Opcode = %v, want OpSync", resp.Opcode)
	}
	if !resp.IsSuccess() {
		t.Error("IsSuccess() = false, want true")
	}
}

func TestTransport_TryRecv_GarbagePrefix(t *testing.T) {
	body := []byte{0x00, 0x00}
	raw := rawReply(packet.OpReadReg, 0x1234, body)

	garbage := []byte{0xAA, 0xBB, 0xCC}
	stream := &mockStream{in: append(garbage, slip.Encode(raw)...)}
	tr := New(stream)

	resp, err := tr.TryRecv(time.Second)
	if err != nil {
		t.Fatalf("TryRecv() error = %v", err)
	}
	if resp.Value != 0x1234 {
		t.Errorf("Value = 0x%X, want 0x1234", resp.Value)
	}
}

func TestTransport_TryRecv_Timeout(t *testing.T) {
	stream := &mockStream{} // nothing to read, ever
	tr := New(stream)

	_, err := tr.TryRecv(30 * time.Millisecond)
	if !esperr.Is(err, esperr.Device) {
		t.Fatalf("TryRecv() error = %v, want Kind Device", err)
	}
}

func TestTransport_Recv_OpcodeFilter(t *testing.T) {
	mismatch := rawReply(packet.OpReadReg, 0, []byte{0x00, 0x00})
	match := rawReply(packet.OpSync, 0, []byte{0x00, 0x00})

	var in []byte
	in = append(in, slip.Encode(mismatch)...)
	in = append(in, slip.Encode(match)...)

	stream := &mockStream{in: in}
	tr := New(stream)

	resp, err := tr.Recv(packet.OpSync, time.Second)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if resp.Opcode != packet.OpSync {
		t.Errorf("Opcode = %v, want OpSync", resp.Opcode)
	}
}

func TestTransport_Recv_ExhaustsBudget(t *testing.T) {
	// Every frame present mismatches; budget is 100 discards, so this
	// must return a Command error, not hang or panic.
	mismatch := rawReply(packet.OpReadReg, 0, []byte{0x00, 0x00})
	var in []byte
	for i := 0; i < recvRetryBudget; i++ {
		in = append(in, slip.Encode(mismatch)...)
	}

	stream := &mockStream{in: in}
	tr := New(stream)

	_, err := tr.Recv(packet.OpSync, 5*time.Millisecond)
	if err == nil {
		t.Fatal("Recv() expected error, got nil")
	}
}

func TestTransport_Flush(t *testing.T) {
	stream := &mockStream{}
	tr := New(stream)
	tr.buf = []byte{0x01, 0x02}

	if err := tr.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(tr.buf) != 0 {
		t.Errorf("buf = %v, want empty", tr.buf)
	}
	if stream.flushCnt != 1 {
		t.Errorf("flushCnt = %d, want 1", stream.flushCnt)
	}
}
