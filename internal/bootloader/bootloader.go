// Package bootloader provides typed command wrappers over the ROM
// bootloader's request/response protocol: sync, register/eFuse reads,
// SPI flash attach/params, MAC address, and chip identification.
package bootloader

import (
	"encoding/binary"
	"time"

	"github.com/bigbag/esptool-go/internal/chip"
	"github.com/bigbag/esptool-go/internal/esperr"
	"github.com/bigbag/esptool-go/internal/packet"
	"github.com/bigbag/esptool-go/internal/transport"
)

// defaultTimeout is the response wait used for ordinary commands once the
// device is synced. internal/connect drives a shorter timeout while
// probing for sync via SetTimeout.
const defaultTimeout = 3 * time.Second

// Bootloader sends typed commands over a transport and interprets their
// replies.
type Bootloader struct {
	t       *transport.Transport
	timeout time.Duration
}

// New wraps t for command-level use, with the default 3s response timeout.
func New(t *transport.Transport) *Bootloader {
	return &Bootloader{t: t, timeout: defaultTimeout}
}

// SetTimeout changes the response wait used by every subsequent command.
// internal/connect lowers this to a sync-polling timeout while probing for
// the bootloader and restores it once sync succeeds.
func (b *Bootloader) SetTimeout(timeout time.Duration) {
	b.timeout = timeout
}

// Sync sends the SYNC command and drains the ROM's extra sync replies.
// The ROM answers one sync request with eight replies (its own internal
// retry echoing back); failing to drain all eight leaves stale frames in
// the pipe that would desync the next command. Any frame error during the
// drain fails the whole attempt — partial drains are not recoverable.
func (b *Bootloader) Sync() error {
	req := packet.NewRequest(packet.OpSync, packet.SyncData())
	if err := b.t.Send(req); err != nil {
		return err
	}

	if _, err := b.t.Recv(packet.OpSync, b.timeout); err != nil {
		return err
	}

	for i := 0; i < 7; i++ {
		if _, err := b.t.Recv(packet.OpSync, b.timeout); err != nil {
			return err
		}
	}

	return nil
}

// ReadReg reads a 32-bit register at reg+offset. The ROM returns the
// register value directly in the reply's value word.
func (b *Bootloader) ReadReg(reg chip.Register, offset uint32) (uint32, error) {
	addr := uint32(reg) + offset

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, addr)

	req := packet.NewRequest(packet.OpReadReg, body)
	if err := b.t.Send(req); err != nil {
		return 0, err
	}

	resp, err := b.t.Recv(packet.OpReadReg, b.timeout)
	if err != nil {
		return 0, err
	}
	if !resp.IsSuccess() {
		return 0, esperr.NewFailure(resp.Error, "read_reg failed: "+resp.ErrorString())
	}

	return resp.Value, nil
}

// ReadEfuse reads the eFuse word at index (equivalent to
// read_reg(EFuseRegBase, 4*index)).
func (b *Bootloader) ReadEfuse(index uint32) (uint32, error) {
	return b.ReadReg(chip.EFuseRegBase, 4*index)
}

// EnableFlash attaches the SPI flash chip using the given SPI pin
// configuration word (0 selects the default pins for every variant this
// driver targets). The reply is checked only for presence/success, it
// carries no data.
func (b *Bootloader) EnableFlash(hspi uint32) error {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], hspi)

	req := packet.NewRequest(packet.OpSPIAttach, body)
	if err := b.t.Send(req); err != nil {
		return err
	}

	resp, err := b.t.Recv(packet.OpSPIAttach, b.timeout)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return esperr.NewFailure(resp.Error, "enable_flash failed: "+resp.ErrorString())
	}
	return nil
}

// SPISetParams describes the attached flash chip's geometry to the ROM,
// given its total capacity in bytes.
func (b *Bootloader) SPISetParams(totalSize uint32) error {
	req := packet.NewRequest(packet.OpSPISetParams, packet.SpiSetParamsData(totalSize))
	if err := b.t.Send(req); err != nil {
		return err
	}

	resp, err := b.t.Recv(packet.OpSPISetParams, b.timeout)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return esperr.NewFailure(resp.Error, "spi_set_params failed: "+resp.ErrorString())
	}
	return nil
}

// ReadMac reads eFuse words 1 and 2 and composes the six-byte MAC
// address the ROM has burned into the chip.
func (b *Bootloader) ReadMac() ([6]byte, error) {
	var mac [6]byte

	e1, err := b.ReadEfuse(1)
	if err != nil {
		return mac, err
	}
	e2, err := b.ReadEfuse(2)
	if err != nil {
		return mac, err
	}

	mac[0] = byte(e2 >> 8)
	mac[1] = byte(e2)
	mac[2] = byte(e1 >> 24)
	mac[3] = byte(e1 >> 16)
	mac[4] = byte(e1 >> 8)
	mac[5] = byte(e1)

	return mac, nil
}

// ChipID sends GET_SECURITY_INFO and returns the reported chip ID.
func (b *Bootloader) ChipID() (chip.ID, error) {
	req := packet.NewRequest(packet.OpGetSecurityInfo, nil)
	if err := b.t.Send(req); err != nil {
		return 0, err
	}

	resp, err := b.t.Recv(packet.OpGetSecurityInfo, b.timeout)
	if err != nil {
		return 0, err
	}
	if !resp.IsSuccess() {
		return 0, esperr.NewFailure(resp.Error, "get_security_info failed: "+resp.ErrorString())
	}

	info, err := packet.ParseSecurityInfo(resp.Data)
	if err != nil {
		return 0, err
	}

	return chip.ID(info.ChipID), nil
}
