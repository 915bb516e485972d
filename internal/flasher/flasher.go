// Package flasher orchestrates a full flashing session: opening the link,
// syncing the ROM bootloader, loading the RAM stub, streaming one or more
// segments to flash, verifying them, and rebooting into the new firmware.
package flasher

import (
	"context"
	"crypto/md5"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"espflash/internal/esperr"
	"espflash/internal/geometry"
	"espflash/internal/romproto"
	"espflash/internal/segment"
	"espflash/internal/serialport"
	"espflash/internal/stub"
	"espflash/internal/transport"
)

// State names one step of a flashing session, mirrored in ProgressCallback
// notifications the way the teacher's Wails ProgressCallback reports
// stage transitions to the UI.
type State int

const (
	StateIdle State = iota
	StateOpened
	StateSyncing
	StateSynced
	StateStubLoading
	StateStubReady
	StateWriting
	StateVerifying
	StateRebooting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpened:
		return "opened"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateStubLoading:
		return "stub_loading"
	case StateStubReady:
		return "stub_ready"
	case StateWriting:
		return "writing"
	case StateVerifying:
		return "verifying"
	case StateRebooting:
		return "rebooting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProgressCallback receives state transitions and per-segment byte
// progress, the same shape the teacher's app.go emits to its frontend
// (progress/log events) generalized to a headless sink.
type ProgressCallback interface {
	OnState(s State)
	OnProgress(segmentIndex int, address uint32, written, total int)
	OnLog(format string, args ...interface{})
}

// nullCallback discards everything; used when the caller doesn't need
// progress reporting.
type nullCallback struct{}

func (nullCallback) OnState(State)                    {}
func (nullCallback) OnProgress(int, uint32, int, int) {}
func (nullCallback) OnLog(string, ...interface{})     {}

// Options configures a flashing session.
type Options struct {
	// PortName and BaudRate identify and open the serial link. BaudRate is
	// the ROM bootloader's speed; the stub may be upgraded to a higher
	// speed internally once running.
	PortName string
	BaudRate int

	// StubBaudRate, if non-zero, is the speed to switch to after the stub
	// boots, for faster flash writes.
	StubBaudRate int

	// FlashMode and FlashSizeFreq patch header bytes 2 and 3 of a segment
	// that starts at address 0 with the image magic byte (spec.md §3, §9).
	FlashMode     segment.FlashMode
	FlashSizeFreq byte

	// Reboot, if true, boots the new firmware after a successful write.
	Reboot bool

	Callback ProgressCallback
}

// Flasher drives one flashing session end to end.
type Flasher struct {
	opts Options
	cb   ProgressCallback

	port  serialport.Port
	tr    *transport.Transport
	rom   *romproto.RomProtocol
	proto *stub.Protocol
}

// New validates options and prepares a Flasher; it does not open the port
// yet (see Open).
func New(opts Options) *Flasher {
	cb := opts.Callback
	if cb == nil {
		cb = nullCallback{}
	}
	return &Flasher{opts: opts, cb: cb}
}

func (f *Flasher) setState(s State) { f.cb.OnState(s) }

// Open opens the serial port and enters the bootloader. Call Close when
// done, successful or not.
func (f *Flasher) Open() error {
	port, err := serialport.Open(f.opts.PortName, f.opts.BaudRate)
	if err != nil {
		return esperr.New(esperr.PortOpen, "open %s: %v", f.opts.PortName, err)
	}
	f.port = port
	f.tr = transport.New(port)
	f.rom = romproto.New(f.tr)
	f.setState(StateOpened)

	if err := f.tr.EnterBootloader(); err != nil {
		return errors.Annotate(err, "enter bootloader")
	}
	return nil
}

// Close releases the serial port.
func (f *Flasher) Close() error {
	if f.tr == nil {
		return nil
	}
	return f.tr.Close()
}

// Sync brings the ROM bootloader into a known, responsive state.
func (f *Flasher) Sync(ctx context.Context) error {
	f.setState(StateSyncing)
	if err := ctx.Err(); err != nil {
		return esperr.New(esperr.Cancelled, "sync cancelled: %v", err)
	}
	if err := f.rom.Sync(); err != nil {
		return err
	}
	f.setState(StateSynced)
	return nil
}

// LoadStub uploads the RAM stub and confirms it's alive, switching to its
// streaming protocol for subsequent writes. Per spec.md §4.4, the stub's
// sole parameter is the target baud rate (0 meaning keep the current one),
// which doubles as the value Transport.SetBaudRate applies once the stub
// has greeted — the stub and the host must agree on the new rate.
func (f *Flasher) LoadStub(ctx context.Context, desc *stub.Descriptor) error {
	f.setState(StateStubLoading)
	loader := stub.NewLoader(f.rom)
	params := []uint32{uint32(f.opts.StubBaudRate)}
	if err := loader.Upload(desc, params); err != nil {
		return errors.Annotate(err, "upload stub")
	}
	if err := stub.WaitForGreeting(f.port); err != nil {
		return errors.Annotate(err, "wait for stub greeting")
	}
	if f.opts.StubBaudRate != 0 && f.opts.StubBaudRate != f.opts.BaudRate {
		if err := f.tr.SetBaudRate(f.opts.StubBaudRate); err != nil {
			return errors.Annotate(err, "upgrade stub baud rate")
		}
	}
	f.proto = stub.NewProtocol(f.port)
	f.setState(StateStubReady)
	return nil
}

// WriteSegments streams each segment to flash in order, sector-padding and
// header-patching as required, with a settle delay between segments
// matching the ROM's own inter-command cadence (spec.md §4.6, §9).
func (f *Flasher) WriteSegments(ctx context.Context, segments []segment.Segment) error {
	f.setState(StateWriting)
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return esperr.New(esperr.Cancelled, "write cancelled before segment %d: %v", i, err)
		}
		patched := seg
		if patched.IsImageHeader() {
			sizeFreq := f.opts.FlashSizeFreq
			patched = patched.PatchHeader(byte(f.opts.FlashMode), sizeFreq)
		}
		padded := patched.PadToSector()

		f.cb.OnLog("writing segment %d: %d bytes at %#x", i, len(padded.Data), padded.Address)
		err := f.proto.Write(padded.Address, padded.Data, func(written int) {
			f.cb.OnProgress(i, padded.Address, written, len(padded.Data))
		})
		if err != nil {
			return errors.Annotatef(err, "write segment %d at %#x", i, padded.Address)
		}
		if i < len(segments)-1 {
			time.Sleep(geometry.InterSegmentSettleDelay)
		}
	}
	return nil
}

// VerifySegments re-reads each segment's digest from flash and compares it
// against the data that was meant to be written, catching any write that
// the stub's own per-write digest check didn't already cover (e.g. wrong
// address bookkeeping upstream). Each segment is requested as a single
// digest block the size of the whole padded segment, so exactly one MD5
// frame comes back per segment.
func (f *Flasher) VerifySegments(ctx context.Context, segments []segment.Segment) error {
	f.setState(StateVerifying)
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return esperr.New(esperr.Cancelled, "verify cancelled before segment %d: %v", i, err)
		}
		patched := seg
		if patched.IsImageHeader() {
			patched = patched.PatchHeader(byte(f.opts.FlashMode), f.opts.FlashSizeFreq)
		}
		padded := patched.PadToSector()

		blockSize := uint32(len(padded.Data))
		digests, err := f.proto.Digest(padded.Address, blockSize, blockSize)
		if err != nil {
			return errors.Annotatef(err, "verify segment %d at %#x", i, padded.Address)
		}
		want := md5.Sum(padded.Data)
		if len(digests) != 1 || digests[0] != want {
			return esperr.New(esperr.DigestMismatch, "verify segment %d at %#x: digest mismatch", i, padded.Address)
		}
	}
	return nil
}

// Reboot hands the device back to its flashed firmware, when Options.Reboot
// is set; otherwise it's a no-op, leaving the stub in control for further
// commands.
func (f *Flasher) Reboot() error {
	if !f.opts.Reboot {
		f.setState(StateDone)
		return nil
	}
	f.setState(StateRebooting)
	if err := f.proto.BootFirmware(); err != nil {
		return errors.Annotate(err, "boot firmware")
	}
	f.setState(StateDone)
	return nil
}

// Run executes a full session: sync, stub load, write, verify, reboot.
func (f *Flasher) Run(ctx context.Context, desc *stub.Descriptor, segments []segment.Segment) error {
	if err := f.Sync(ctx); err != nil {
		f.setState(StateFailed)
		return err
	}
	if err := f.LoadStub(ctx, desc); err != nil {
		f.setState(StateFailed)
		return err
	}
	if err := f.WriteSegments(ctx, segments); err != nil {
		f.setState(StateFailed)
		return err
	}
	if err := f.VerifySegments(ctx, segments); err != nil {
		f.setState(StateFailed)
		return err
	}
	if err := f.Reboot(); err != nil {
		f.setState(StateFailed)
		return err
	}
	glog.V(1).Infof("flasher: session complete, %d segments written", len(segments))
	return nil
}
