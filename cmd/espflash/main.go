// Command espflash is a headless CLI around the ESP8266 serial flashing
// core: querying chip/flash identity, reading and writing raw flash
// ranges, and writing multi-image bundles (spec.md §6, SPEC_FULL.md §2.3).
package main

import (
	"archive/zip"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"espflash/internal/bundle"
	"espflash/internal/flasher"
	"espflash/internal/romproto"
	"espflash/internal/segment"
	"espflash/internal/serialport"
	"espflash/internal/stub"
	"espflash/internal/transport"
)

const defaultROMBaud = 115200

func main() {
	defer glog.Flush()
	// glog's flags (-v and friends) go before the subcommand.
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch cmd {
	case "chip_id":
		err = runChipID(args)
	case "flash_id":
		err = runFlashID(args)
	case "read_flash":
		err = runReadFlash(args)
	case "write_flash":
		err = runWriteFlash(args)
	case "write_bundle":
		err = runWriteBundle(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		glog.Errorf("%s: %v", cmd, err)
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: espflash [-v N] <chip_id|flash_id|read_flash|write_flash|write_bundle> [flags]")
}

// openSynced opens port, enters the bootloader, and syncs the ROM
// protocol — the common prefix of every subcommand.
func openSynced(port string, baud int) (*transport.Transport, *romproto.RomProtocol, error) {
	p, err := serialport.Open(port, baud)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "open %s", port)
	}
	tr := transport.New(p)
	if err := tr.EnterBootloader(); err != nil {
		tr.Close()
		return nil, nil, errors.Annotate(err, "enter bootloader")
	}
	rom := romproto.New(tr)
	if err := rom.Sync(); err != nil {
		tr.Close()
		return nil, nil, errors.Annotate(err, "sync")
	}
	return tr, rom, nil
}

func runChipID(args []string) error {
	fs := flag.NewFlagSet("chip_id", flag.ExitOnError)
	port := fs.String("port", "", "serial port device")
	baud := fs.Int("baud", defaultROMBaud, "ROM bootloader baud rate")
	fs.Parse(args)
	if *port == "" {
		return errors.New("-port is required")
	}

	tr, rom, err := openSynced(*port, *baud)
	if err != nil {
		return err
	}
	defer tr.Close()

	chipID, err := rom.ChipID()
	if err != nil {
		return errors.Annotate(err, "read chip id")
	}
	mac, err := rom.MACAddress()
	if err != nil {
		return errors.Annotate(err, "read MAC address")
	}
	fmt.Printf("chip_id: %#08x\n", chipID)
	fmt.Printf("mac: %02x:%02x:%02x:%02x:%02x:%02x\n", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
	return nil
}

func runFlashID(args []string) error {
	fs := flag.NewFlagSet("flash_id", flag.ExitOnError)
	port := fs.String("port", "", "serial port device")
	baud := fs.Int("baud", defaultROMBaud, "ROM bootloader baud rate")
	fs.Parse(args)
	if *port == "" {
		return errors.New("-port is required")
	}

	tr, rom, err := openSynced(*port, *baud)
	if err != nil {
		return err
	}
	defer tr.Close()

	id, err := rom.FlashID()
	if err != nil {
		return errors.Annotate(err, "read flash id")
	}
	fmt.Printf("flash_id: %#08x\n", id)
	return nil
}

func runReadFlash(args []string) error {
	fs := flag.NewFlagSet("read_flash", flag.ExitOnError)
	port := fs.String("port", "", "serial port device")
	baud := fs.Int("baud", defaultROMBaud, "ROM bootloader baud rate")
	stubBaud := fs.Int("stub_baud", 460800, "baud rate after stub handoff")
	addr := fs.String("addr", "0x0", "flash address to start reading, hex")
	size := fs.Int("size", 0, "number of bytes to read")
	out := fs.String("out", "", "output file path")
	fs.Parse(args)
	if *port == "" || *size == 0 || *out == "" {
		return errors.New("-port, -size, and -out are required")
	}
	address, err := parseHex(*addr)
	if err != nil {
		return err
	}

	tr, rom, err := openSynced(*port, *baud)
	if err != nil {
		return err
	}
	defer tr.Close()

	desc, err := stub.LoadDefaultDescriptor()
	if err != nil {
		return errors.Annotate(err, "load stub descriptor")
	}
	loader := stub.NewLoader(rom)
	stubParam := uint32(0)
	if *stubBaud != *baud {
		stubParam = uint32(*stubBaud)
	}
	if err := loader.Upload(desc, []uint32{stubParam}); err != nil {
		return errors.Annotate(err, "upload stub")
	}
	if err := stub.WaitForGreeting(tr.Port()); err != nil {
		return errors.Annotate(err, "wait for stub greeting")
	}
	if *stubBaud != *baud {
		if err := tr.SetBaudRate(*stubBaud); err != nil {
			return errors.Annotate(err, "upgrade baud rate")
		}
	}

	proto := stub.NewProtocol(tr.Port())
	data, err := proto.Read(address, uint32(*size), func(n int) {
		glog.V(1).Infof("read_flash: %d/%d bytes", n, *size)
	})
	if err != nil {
		return errors.Annotate(err, "read flash")
	}
	return os.WriteFile(*out, data, 0o644)
}

func runWriteFlash(args []string) error {
	fs := flag.NewFlagSet("write_flash", flag.ExitOnError)
	port := fs.String("port", "", "serial port device")
	baud := fs.Int("baud", defaultROMBaud, "ROM bootloader baud rate")
	stubBaud := fs.Int("stub_baud", 460800, "baud rate after stub handoff")
	addr := fs.String("addr", "0x0", "flash address to write to, hex")
	path := fs.String("file", "", "image file to write")
	reboot := fs.Bool("reboot", true, "boot the new firmware after writing")
	fs.Parse(args)
	if *port == "" || *path == "" {
		return errors.New("-port and -file are required")
	}
	address, err := parseHex(*addr)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		return errors.Annotatef(err, "read %s", *path)
	}

	f := flasher.New(flasher.Options{
		PortName:      *port,
		BaudRate:      *baud,
		StubBaudRate:  *stubBaud,
		FlashMode:     segment.FlashModeDIO,
		FlashSizeFreq: segment.FlashSizeFreq(segment.FlashSize32Mbit, segment.FlashFreq40MHz),
		Reboot:        *reboot,
		Callback:      &cliCallback{},
	})
	if err := f.Open(); err != nil {
		return err
	}
	defer f.Close()

	desc, err := stub.LoadDefaultDescriptor()
	if err != nil {
		return errors.Annotate(err, "load stub descriptor")
	}
	seg := segment.New(address, data)
	return f.Run(context.Background(), desc, []segment.Segment{seg})
}

func runWriteBundle(args []string) error {
	fs := flag.NewFlagSet("write_bundle", flag.ExitOnError)
	port := fs.String("port", "", "serial port device")
	baud := fs.Int("baud", defaultROMBaud, "ROM bootloader baud rate")
	stubBaud := fs.Int("stub_baud", 460800, "baud rate after stub handoff")
	path := fs.String("bundle", "", "bundle zip archive path")
	firmwareOnly := fs.Bool("firmware_only", false, "write only the firmware images, skipping bootloader/system partitions")
	reboot := fs.Bool("reboot", true, "boot the new firmware after writing")
	fs.Parse(args)
	if *port == "" || *path == "" {
		return errors.New("-port and -bundle are required")
	}

	zr, err := zip.OpenReader(*path)
	if err != nil {
		return errors.Annotatef(err, "open bundle %s", *path)
	}
	defer zr.Close()

	b, err := bundle.Load(zr)
	if err != nil {
		return errors.Annotate(err, "load bundle")
	}
	segments, err := b.Segments(*firmwareOnly)
	if err != nil {
		return errors.Annotate(err, "read bundle segments")
	}
	if len(segments) == 0 {
		return errors.New("bundle contains no images to write")
	}

	f := flasher.New(flasher.Options{
		PortName:      *port,
		BaudRate:      *baud,
		StubBaudRate:  *stubBaud,
		FlashMode:     segment.FlashModeDIO,
		FlashSizeFreq: segment.FlashSizeFreq(segment.FlashSize32Mbit, segment.FlashFreq40MHz),
		Reboot:        *reboot,
		Callback:      &cliCallback{},
	})
	if err := f.Open(); err != nil {
		return err
	}
	defer f.Close()

	desc, err := stub.LoadDefaultDescriptor()
	if err != nil {
		return errors.Annotate(err, "load stub descriptor")
	}
	return f.Run(context.Background(), desc, segments)
}

func parseHex(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Annotatef(err, "parse hex address %q", s)
	}
	return uint32(v), nil
}

// cliCallback reports flashing progress to glog, the way mos's CLI flasher
// logs write progress per segment.
type cliCallback struct{}

func (cliCallback) OnState(s flasher.State) { glog.V(1).Infof("state: %s", s) }
func (cliCallback) OnProgress(segIdx int, addr uint32, written, total int) {
	glog.V(2).Infof("segment %d @ %#x: %d/%d bytes", segIdx, addr, written, total)
}
func (cliCallback) OnLog(format string, args ...interface{}) { glog.V(1).Infof(format, args...) }
