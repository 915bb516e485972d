package stub

import (
	"crypto/md5"
	"encoding/binary"
	"io"
	"time"

	"github.com/juju/errors"

	"espflash/internal/esperr"
	"espflash/internal/serialport"
)

// Stub command opcodes (EspQtLib/espflasher.cpp, spec.md §4.5).
const (
	cmdFlashWrite  = 0x01
	cmdFlashRead   = 0x02
	cmdFlashDigest = 0x03
	cmdBootFW      = 0x06
)

// Wire constants fixed by spec.md §4.5: FLASH_WRITE's declared block_size
// is always 1 (the field exists in the header but chunking is driven by
// the 1024-byte push size below); FLASH_READ additionally declares its own
// block_size and an in-flight cap.
const (
	writeBlockSizeField  = 1
	readBlockSizeField   = 32
	readMaxInFlightField = 64

	chunkSize     = 1024
	windowSize    = 2048
	stubIOTimeout = 10 * time.Second
)

// Protocol drives the RAM-resident stub's streaming flash protocol: once
// romproto.RomProtocol hands off execution to the stub, all further I/O on
// the link is this simple opcode byte-stream, not the ROM's SLIP framing
// (EspQtLib/espflasher.cpp, spec.md §4.5).
type Protocol struct {
	port serialport.Port
}

// NewProtocol binds a Protocol to the serial port the stub is now driving.
func NewProtocol(port serialport.Port) *Protocol {
	return &Protocol{port: port}
}

// ProgressFunc reports cumulative bytes transferred during a streaming
// write or read, for host-side progress reporting.
type ProgressFunc func(transferred int)

// Write streams data to flash starting at addr, pacing transmission so
// that at most windowSize bytes are in flight unacknowledged at once
// (EspQtLib/espflasher.cpp flashWrite(), spec.md §4.5). addr and the data
// length must already be sector-aligned; callers pad via
// segment.Segment.PadToSector before calling Write.
func (p *Protocol) Write(addr uint32, data []byte, progress ProgressFunc) error {
	if addr%sectorSize != 0 || len(data)%sectorSize != 0 {
		return esperr.New(esperr.WrongArguments, "flash write address %#x and length %d must be sector-aligned", addr, len(data))
	}
	if err := p.sendHeader(cmdFlashWrite, addr, uint32(len(data)), writeBlockSizeField); err != nil {
		return errors.Annotate(err, "flash write header")
	}

	var sent, acked int
	for acked < len(data) {
		for sent-acked >= windowSize && sent < len(data) {
			n, statusErr, err := p.readCounterOrStatus()
			if err != nil {
				return errors.Annotate(err, "flash write credit ack")
			}
			if statusErr != nil {
				return statusErr
			}
			acked = n
		}
		if sent < len(data) {
			end := sent + chunkSize
			if end > len(data) {
				end = len(data)
			}
			if _, err := p.port.Write(data[sent:end]); err != nil {
				return errors.Annotatef(err, "write chunk at offset %d", sent)
			}
			sent = end
			if progress != nil {
				progress(sent)
			}
			continue
		}
		// All data sent; drain remaining credit acks until fully caught up.
		n, statusErr, err := p.readCounterOrStatus()
		if err != nil {
			return errors.Annotate(err, "flash write final credit ack")
		}
		if statusErr != nil {
			return statusErr
		}
		acked = n
	}

	want := md5.Sum(data)
	got, err := p.readDigest()
	if err != nil {
		return errors.Annotate(err, "flash write digest")
	}
	if got != want {
		return esperr.New(esperr.DigestMismatch, "flash write digest mismatch at %#x: got %x want %x", addr, got, want)
	}
	return p.expectStatus()
}

// Read streams size bytes back from flash starting at addr, verifying the
// stub's MD5 digest of what it sent (EspQtLib/espflasher.cpp flashRead(),
// spec.md §4.5).
func (p *Protocol) Read(addr, size uint32, progress ProgressFunc) ([]byte, error) {
	if err := p.sendHeader(cmdFlashRead, addr, size, readBlockSizeField, readMaxInFlightField); err != nil {
		return nil, errors.Annotate(err, "flash read header")
	}

	out := make([]byte, 0, size)
	for uint32(len(out)) < size {
		remaining := size - uint32(len(out))
		want := uint32(readBlockSizeField * readMaxInFlightField)
		if remaining < want {
			want = remaining
		}
		buf := make([]byte, want)
		if err := p.readFull(buf); err != nil {
			return nil, errors.Annotatef(err, "read chunk at offset %d", len(out))
		}
		out = append(out, buf...)
		if err := p.sendCounter(len(out)); err != nil {
			return nil, errors.Annotate(err, "flash read credit ack")
		}
		if progress != nil {
			progress(len(out))
		}
	}

	got, err := p.readDigest()
	if err != nil {
		return nil, errors.Annotate(err, "flash read digest")
	}
	want := md5.Sum(out)
	if got != want {
		return nil, esperr.New(esperr.DigestMismatch, "flash read digest mismatch at %#x: got %x want %x", addr, got, want)
	}
	if err := p.expectStatus(); err != nil {
		return nil, errors.Annotate(err, "flash read final status")
	}
	return out, nil
}

// Digest requests the stub compute MD5 digests over [addr, addr+size),
// chunked into blockSize-byte blocks, without transferring the data itself
// (EspQtLib/espflasher.cpp flashDigest(), spec.md §4.5). The stub replies
// with one 16-byte MD5 frame per block followed by a final 1-byte status;
// Digest reads exactly ceil(size/blockSize) frames before that status,
// returned in block order.
func (p *Protocol) Digest(addr, size, blockSize uint32) ([][md5.Size]byte, error) {
	if blockSize == 0 {
		return nil, esperr.New(esperr.WrongArguments, "flash digest block_size must be nonzero")
	}
	if err := p.sendHeader(cmdFlashDigest, addr, size, blockSize); err != nil {
		return nil, errors.Annotate(err, "flash digest header")
	}

	numBlocks := (size + blockSize - 1) / blockSize
	digests := make([][md5.Size]byte, 0, numBlocks)
	for i := uint32(0); i < numBlocks; i++ {
		d, err := p.readDigest()
		if err != nil {
			return nil, errors.Annotatef(err, "flash digest block %d", i)
		}
		digests = append(digests, d)
	}
	if err := p.expectStatus(); err != nil {
		return digests, errors.Annotate(err, "flash digest final status")
	}
	return digests, nil
}

// BootFirmware instructs the stub to reset the chip and boot the flashed
// firmware (EspQtLib/espflasher.cpp bootFw(), spec.md §4.5). A status byte
// other than 0 is reported as esperr.ExpectedStatusCode. The target may
// reset before replying, so a timeout waiting for that byte is not an
// error.
func (p *Protocol) BootFirmware() error {
	if err := p.port.SetReadTimeout(stubIOTimeout); err != nil {
		return errors.Annotate(err, "set read timeout")
	}
	if _, err := p.port.Write([]byte{cmdBootFW}); err != nil {
		return errors.Annotate(err, "write boot_fw command")
	}
	buf := make([]byte, 1)
	n, err := p.port.Read(buf)
	if err != nil || n == 0 {
		return nil
	}
	if buf[0] != 0 {
		return esperr.New(esperr.ExpectedStatusCode, "stub reported boot_fw status=%#x", buf[0])
	}
	return nil
}

// sectorSize mirrors geometry.SectorSize as an untyped constant for the
// alignment checks in Write.
const sectorSize = 0x1000

func (p *Protocol) sendHeader(cmd byte, args ...uint32) error {
	if err := p.port.SetReadTimeout(stubIOTimeout); err != nil {
		return errors.Annotate(err, "set read timeout")
	}
	buf := make([]byte, 1+4*len(args))
	buf[0] = cmd
	for i, a := range args {
		binary.LittleEndian.PutUint32(buf[1+4*i:], a)
	}
	_, err := p.port.Write(buf)
	return err
}

func (p *Protocol) expectStatus() error {
	buf := make([]byte, 1)
	if err := p.readFull(buf); err != nil {
		return err
	}
	if buf[0] != 0 {
		return esperr.New(esperr.ExpectedStatusCode, "stub reported status=%#x", buf[0])
	}
	return nil
}

// readCounterOrStatus reads one reply during the FLASH_WRITE credit loop,
// which is structurally ambiguous: the stub sends either a 4-byte
// cumulative-written counter or, on error, a single status byte
// (spec.md §4.5). The two shapes are distinguished by how many bytes
// arrive in one read, which holds because the stub emits each reply as a
// single write and typical USB-serial adapters deliver it as one chunk;
// see DESIGN.md for the full reasoning.
func (p *Protocol) readCounterOrStatus() (counter int, statusErr error, err error) {
	buf := make([]byte, 4)
	n, rerr := p.blockingRead(buf)
	if rerr != nil {
		return 0, nil, rerr
	}
	switch n {
	case 4:
		return int(binary.LittleEndian.Uint32(buf)), nil, nil
	case 1:
		return 0, esperr.New(esperr.WriteFailure, "stub reported write failure, status=%#x", buf[0]), nil
	default:
		return 0, nil, esperr.New(esperr.UnexpectedData, "unexpected reply length %d in credit loop", n)
	}
}

func (p *Protocol) sendCounter(n int) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(n))
	_, err := p.port.Write(buf)
	return err
}

func (p *Protocol) readDigest() ([md5.Size]byte, error) {
	var d [md5.Size]byte
	buf := make([]byte, md5.Size)
	if err := p.readFull(buf); err != nil {
		return d, err
	}
	copy(d[:], buf)
	return d, nil
}

// readFull blocks (subject to the port's configured read timeout) until
// exactly len(buf) bytes have arrived.
func (p *Protocol) readFull(buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := p.port.Read(buf[n:])
		if err != nil {
			if err == io.EOF {
				return esperr.New(esperr.ReadError, "stub link closed mid-transfer")
			}
			return errors.Annotate(err, "read from stub")
		}
		if m == 0 {
			return esperr.New(esperr.ReadError, "timed out waiting for stub")
		}
		n += m
	}
	return nil
}

// blockingRead performs a single underlying Read call, returning whatever
// byte count the port delivers (possibly less than len(buf)), used where
// the reply's length itself is the signal (readCounterOrStatus).
func (p *Protocol) blockingRead(buf []byte) (int, error) {
	n, err := p.port.Read(buf)
	if err != nil {
		if err == io.EOF {
			return 0, esperr.New(esperr.ReadError, "stub link closed mid-transfer")
		}
		return 0, errors.Annotate(err, "read from stub")
	}
	if n == 0 {
		return 0, esperr.New(esperr.ReadError, "empty read from stub")
	}
	return n, nil
}
