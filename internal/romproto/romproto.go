// Package romproto implements the ESP8266 ROM bootloader's command set on
// top of a Transport: SYNC, register read/write, RAM (MEM_*) and flash
// (FLASH_*) upload primitives, and the OTP-register-derived chip/MAC IDs.
package romproto

import (
	"time"

	"github.com/juju/errors"

	"espflash/internal/esperr"
	"espflash/internal/geometry"
	"espflash/internal/transport"
)

// ROM command opcodes (EspQtLib/esprom.cpp, spec.md §4.1).
const (
	opFlashBegin = 0x02
	opFlashData  = 0x03
	opFlashEnd   = 0x04
	opMemBegin   = 0x05
	opMemEnd     = 0x06
	opMemData    = 0x07
	opSync       = 0x08
	opWriteReg   = 0x09
	opReadReg    = 0x0A
)

// OTP registers holding the MAC address, read via READ_REG (esprom.cpp macId()).
const (
	regMAC0 = 0x3FF00050
	regMAC1 = 0x3FF00054
	regMAC3 = 0x3FF0005C
)

const (
	syncAttempts    = 7
	syncTimeout     = 500 * time.Millisecond
	commandTimeout  = 3 * time.Second
	flashEndTimeout = 5 * time.Second
)

// syncFrame is the fixed 36-byte SYNC payload the ROM recognizes
// (EspQtLib/esprom.cpp sync(), spec.md §4.1).
var syncFrame = func() []byte {
	b := make([]byte, 0, 36)
	b = append(b, 0x07, 0x07, 0x12, 0x20)
	for i := 0; i < 32; i++ {
		b = append(b, 0x55)
	}
	return b
}()

// RomProtocol drives the ESP8266 ROM bootloader over a Transport.
type RomProtocol struct {
	t *transport.Transport
}

// New returns a RomProtocol bound to an already-open Transport.
func New(t *transport.Transport) *RomProtocol {
	return &RomProtocol{t: t}
}

// Checksum computes the ROM's seeded XOR checksum over data, used for
// MEM_DATA/FLASH_DATA payloads only (spec.md §4.1, §8 invariant 2).
func Checksum(data []byte) uint32 {
	sum := byte(geometry.ChecksumSeed)
	for _, b := range data {
		sum ^= b
	}
	return uint32(sum)
}

// Sync repeatedly sends the SYNC command until the ROM responds or
// syncAttempts is exhausted, then drains the extra acknowledgments the ROM
// sends after the first (EspQtLib/esprom.cpp sync(), spec.md §4.1, §9).
func (r *RomProtocol) Sync() error {
	var lastErr error
	for i := 0; i < syncAttempts; i++ {
		_, err := r.t.Exchange(opSync, syncFrame, 0, syncTimeout)
		if err == nil {
			r.t.DrainPending()
			return nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return esperr.New(esperr.NotSynced, "sync failed after %d attempts: %v", syncAttempts, lastErr)
}

// ReadReg issues READ_REG for the given register address.
func (r *RomProtocol) ReadReg(addr uint32) (uint32, error) {
	payload := le32(addr)
	reply, err := r.t.Exchange(opReadReg, payload, 0, commandTimeout)
	if err != nil {
		return 0, errors.Annotatef(err, "read_reg %#x", addr)
	}
	if err := expectStatus(reply.Tail); err != nil {
		return 0, err
	}
	return reply.Val, nil
}

// WriteReg issues WRITE_REG, setting the bits in mask of register addr to
// value.
func (r *RomProtocol) WriteReg(addr, value, mask uint32, delayUS uint32) error {
	payload := append(le32(addr), le32(value)...)
	payload = append(payload, le32(mask)...)
	payload = append(payload, le32(delayUS)...)
	reply, err := r.t.Exchange(opWriteReg, payload, 0, commandTimeout)
	if err != nil {
		return errors.Annotatef(err, "write_reg %#x", addr)
	}
	return expectStatus(reply.Tail)
}

// MACAddress derives the ESP8266's MAC address from the OTP registers the
// same way EspQtLib/esprom.cpp macId() does.
func (r *RomProtocol) MACAddress() ([6]byte, error) {
	var mac [6]byte
	mac0, err := r.ReadReg(regMAC0)
	if err != nil {
		return mac, errors.Annotate(err, "read MAC0")
	}
	mac1, err := r.ReadReg(regMAC1)
	if err != nil {
		return mac, errors.Annotate(err, "read MAC1")
	}
	mac3, err := r.ReadReg(regMAC3)
	if err != nil {
		return mac, errors.Annotate(err, "read MAC3")
	}

	if mac3 != 0 {
		mac[0] = byte(mac3 >> 16)
		mac[1] = byte(mac3 >> 8)
		mac[2] = byte(mac3)
	} else if (mac1>>16)&0xFF == 0 {
		mac[0] = 0x18
		mac[1] = 0xFE
		mac[2] = 0x34
	} else if (mac1>>16)&0xFF == 1 {
		mac[0] = 0xAC
		mac[1] = 0xD0
		mac[2] = 0x74
	}

	mac[3] = byte(mac1 >> 8)
	mac[4] = byte(mac1)
	mac[5] = byte(mac0 >> 24)
	return mac, nil
}

// ChipID derives the 32-bit chip identifier spec.md §6 defines as
// `(MAC0 >> 24) | ((MAC1 & 0x00FFFFFF) << 8)`.
func (r *RomProtocol) ChipID() (uint32, error) {
	mac0, err := r.ReadReg(regMAC0)
	if err != nil {
		return 0, errors.Annotate(err, "read MAC0")
	}
	mac1, err := r.ReadReg(regMAC1)
	if err != nil {
		return 0, errors.Annotate(err, "read MAC1")
	}
	return (mac0 >> 24) | ((mac1 & 0x00FFFFFF) << 8), nil
}

// FlashID reads the SPI flash chip's JEDEC ID using the exact register
// sequence spec.md §6 specifies: FLASH_BEGIN(0,0); WRITE_REG(0x60000240,
// 0, 0xFFFFFFFF); WRITE_REG(0x60000200, 0x10000000, 0xFFFFFFFF); id =
// READ_REG(0x60000240); FLASH_END(false).
func (r *RomProtocol) FlashID() (uint32, error) {
	if err := r.FlashBegin(0, 0); err != nil {
		return 0, errors.Annotate(err, "flash_begin(0,0)")
	}
	if err := r.WriteReg(0x60000240, 0, 0xFFFFFFFF, 0); err != nil {
		return 0, errors.Annotate(err, "write_reg 0x60000240")
	}
	if err := r.WriteReg(0x60000200, 0x10000000, 0xFFFFFFFF, 0); err != nil {
		return 0, errors.Annotate(err, "write_reg 0x60000200")
	}
	id, err := r.ReadReg(0x60000240)
	if err != nil {
		return 0, errors.Annotate(err, "read_reg 0x60000240")
	}
	if err := r.FlashEnd(false); err != nil {
		return 0, errors.Annotate(err, "flash_end(false)")
	}
	return id, nil
}

// MemBegin starts a RAM upload of size bytes split into blocks blocks of
// blockSize, loaded at RAM address offset. The entry point to jump to is
// given separately to MemEnd.
func (r *RomProtocol) MemBegin(size, blocks, blockSize, offset uint32) error {
	payload := append(le32(size), le32(blocks)...)
	payload = append(payload, le32(blockSize)...)
	payload = append(payload, le32(offset)...)
	reply, err := r.t.Exchange(opMemBegin, payload, 0, commandTimeout)
	if err != nil {
		return errors.Annotate(err, "mem_begin")
	}
	return expectStatus(reply.Tail)
}

// MemData uploads one RAM block. seq is the zero-based block index.
func (r *RomProtocol) MemData(data []byte, seq uint32) error {
	header := append(le32(uint32(len(data))), le32(seq)...)
	header = append(header, le32(0)...)
	header = append(header, le32(0)...)
	payload := append(header, data...)
	reply, err := r.t.Exchange(opMemData, payload, Checksum(data), commandTimeout)
	if err != nil {
		return errors.Annotatef(err, "mem_data seq=%d", seq)
	}
	return expectStatus(reply.Tail)
}

// MemEnd finishes a RAM upload. If execute is true, the ROM jumps to
// entryAddr (handing control to an uploaded stub); otherwise it just
// acknowledges completion and stays in the ROM bootloader.
func (r *RomProtocol) MemEnd(execute bool, entryAddr uint32) error {
	flag := uint32(1)
	if execute {
		flag = 0
	}
	payload := append(le32(flag), le32(entryAddr)...)
	// The ROM does not reply once it jumps into the stub, so treat a
	// timeout here as success when handing off execution.
	reply, err := r.t.Exchange(opMemEnd, payload, 0, commandTimeout)
	if err != nil {
		if execute {
			return nil
		}
		return errors.Annotate(err, "mem_end")
	}
	return expectStatus(reply.Tail)
}

// EraseSize computes the FLASH_BEGIN erase size for a write of size bytes
// starting at sector offset (the erase_size formula in
// EspQtLib/esprom.cpp flashBegin(), spec.md §4.1, §8 invariant 5).
func EraseSize(offset, size uint32) uint32 {
	sectorsPerBlock := uint32(geometry.SectorsPerBlock)
	sectorSize := uint32(geometry.SectorSize)

	numSectors := (size + sectorSize - 1) / sectorSize
	startSector := offset / sectorSize

	headSectors := sectorsPerBlock - (startSector % sectorsPerBlock)
	if numSectors < headSectors {
		headSectors = numSectors
	}

	if numSectors < 2*headSectors {
		return ((numSectors + 1) / 2) * sectorSize
	}
	return (numSectors - headSectors) * sectorSize
}

// FlashBegin starts a flash upload of size bytes at the given byte offset.
func (r *RomProtocol) FlashBegin(offset, size uint32) error {
	eraseSize := EraseSize(offset, size)
	numBlocks := (size + geometry.FlashBlockSize - 1) / geometry.FlashBlockSize
	payload := append(le32(eraseSize), le32(numBlocks)...)
	payload = append(payload, le32(geometry.FlashBlockSize)...)
	payload = append(payload, le32(offset)...)
	reply, err := r.t.Exchange(opFlashBegin, payload, 0, flashEndTimeout)
	if err != nil {
		return errors.Annotatef(err, "flash_begin offset=%#x size=%d", offset, size)
	}
	return expectStatus(reply.Tail)
}

// FlashData uploads one flash block. seq is the zero-based block index.
func (r *RomProtocol) FlashData(data []byte, seq uint32) error {
	header := append(le32(uint32(len(data))), le32(seq)...)
	header = append(header, le32(0)...)
	header = append(header, le32(0)...)
	payload := append(header, data...)
	reply, err := r.t.Exchange(opFlashData, payload, Checksum(data), flashEndTimeout)
	if err != nil {
		return errors.Annotatef(err, "flash_data seq=%d", seq)
	}
	return expectStatus(reply.Tail)
}

// FlashEnd finishes a flash upload. If reboot is true, the target resets
// into the new firmware; the ROM's reboot flag is inverted relative to the
// natural reading (EspQtLib/esprom.cpp flashFinish()): 0 means reboot.
func (r *RomProtocol) FlashEnd(reboot bool) error {
	flag := uint32(1)
	if reboot {
		flag = 0
	}
	reply, err := r.t.Exchange(opFlashEnd, le32(flag), 0, flashEndTimeout)
	if err != nil {
		if reboot {
			return nil
		}
		return errors.Annotate(err, "flash_end")
	}
	return expectStatus(reply.Tail)
}

func expectStatus(tail []byte) error {
	if len(tail) < 2 {
		// Some ROM builds omit the 2-byte status tail on success; absence
		// of an explicit failure byte is treated as success.
		return nil
	}
	if tail[0] != 0 || tail[1] != 0 {
		return esperr.New(esperr.ExpectedStatusCode, "rom reported status=%#x error=%#x", tail[0], tail[1])
	}
	return nil
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
