// Package stub implements the RAM-resident stub flasher: uploading its
// code/data image via the ROM protocol, handing off execution, and the
// higher-throughput streaming flash protocol it exposes once running.
package stub

import (
	"embed"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/juju/errors"

	"espflash/internal/esperr"
	"espflash/internal/geometry"
	"espflash/internal/romproto"
)

//go:embed assets/stub_flasher.json
var defaultAssets embed.FS

// descriptorJSON mirrors the stub descriptor format EspQtLib/esprom.cpp
// runStub() parses: base64 code/data blobs plus their RAM load addresses,
// a parameter count, and the jump-in entry point.
type descriptorJSON struct {
	CodeStart   uint32 `json:"code_start"`
	Code        string `json:"code"`
	DataStart   uint32 `json:"data_start"`
	Data        string `json:"data"`
	NumParams   int    `json:"num_params"`
	ParamsStart uint32 `json:"params_start"`
	Entry       uint32 `json:"entry"`
}

// Descriptor is a decoded, ready-to-upload stub image.
type Descriptor struct {
	Code        []byte
	CodeStart   uint32
	Data        []byte
	DataStart   uint32
	NumParams   int
	ParamsStart uint32
	Entry       uint32
}

// LoadDefaultDescriptor decodes the descriptor embedded in the binary.
func LoadDefaultDescriptor() (*Descriptor, error) {
	raw, err := defaultAssets.ReadFile("assets/stub_flasher.json")
	if err != nil {
		return nil, errors.Annotate(err, "read embedded stub descriptor")
	}
	return ParseDescriptor(raw)
}

// ParseDescriptor decodes a stub descriptor from its JSON representation.
func ParseDescriptor(raw []byte) (*Descriptor, error) {
	var dj descriptorJSON
	if err := json.Unmarshal(raw, &dj); err != nil {
		return nil, errors.Annotate(err, "parse stub descriptor")
	}
	code, err := base64.StdEncoding.DecodeString(dj.Code)
	if err != nil {
		return nil, errors.Annotate(err, "decode stub code")
	}
	data, err := base64.StdEncoding.DecodeString(dj.Data)
	if err != nil {
		return nil, errors.Annotate(err, "decode stub data")
	}
	return &Descriptor{
		Code:        code,
		CodeStart:   dj.CodeStart,
		Data:        data,
		DataStart:   dj.DataStart,
		NumParams:   dj.NumParams,
		ParamsStart: dj.ParamsStart,
		Entry:       dj.Entry,
	}, nil
}

// Loader uploads a Descriptor into RAM via the ROM protocol and confirms
// the stub is alive.
type Loader struct {
	rom *romproto.RomProtocol
}

// NewLoader binds a Loader to an already-synced RomProtocol.
func NewLoader(rom *romproto.RomProtocol) *Loader {
	return &Loader{rom: rom}
}

// Upload sends a Descriptor's params+code and, if present, data sections
// into RAM and jumps to its entry point, handing control to the stub
// (EspQtLib/esprom.cpp runStub(), spec.md §4.4).
//
// params must have exactly d.NumParams entries, or esperr.StubParamMismatch
// is returned — a mismatch means the embedded descriptor doesn't match the
// protocol version this build expects. Per runStub(), the parameter words
// are packed little-endian and prepended to the code image, and the whole
// params||code block is uploaded as one region at ParamsStart — CodeStart
// is not a separate upload address, it only documents where the code
// itself begins once loaded. No MEM_END is issued between regions; only
// the final MEM_END (after any data section) carries the real entry point
// and triggers the jump.
func (l *Loader) Upload(d *Descriptor, params []uint32) error {
	if len(params) != d.NumParams {
		return esperr.New(esperr.StubParamMismatch, "stub descriptor wants %d params, caller supplied %d", d.NumParams, len(params))
	}

	if err := uploadSection(l.rom, paramsCodeRegion(params, d.Code), d.ParamsStart); err != nil {
		return errors.Annotate(err, "upload stub params+code")
	}
	if len(d.Data) > 0 {
		if err := uploadSection(l.rom, d.Data, d.DataStart); err != nil {
			return errors.Annotate(err, "upload stub data")
		}
	}
	if err := l.rom.MemEnd(true, d.Entry); err != nil {
		return errors.Annotate(err, "jump to stub entry")
	}
	return nil
}

// paramsCodeRegion packs params little-endian and prepends them to code,
// the exact byte layout runStub() builds before its single MEM_BEGIN for
// the params+code region.
func paramsCodeRegion(params []uint32, code []byte) []byte {
	region := make([]byte, 4*len(params)+len(code))
	for i, p := range params {
		binary.LittleEndian.PutUint32(region[4*i:], p)
	}
	copy(region[4*len(params):], code)
	return region
}

func uploadSection(rom *romproto.RomProtocol, payload []byte, addr uint32) error {
	blocks := (len(payload) + geometry.RAMBlockSize - 1) / geometry.RAMBlockSize
	if blocks == 0 {
		blocks = 1
	}
	if err := rom.MemBegin(uint32(len(payload)), uint32(blocks), geometry.RAMBlockSize, addr); err != nil {
		return errors.Annotate(err, "mem_begin")
	}
	for seq := 0; seq < blocks; seq++ {
		start := seq * geometry.RAMBlockSize
		end := start + geometry.RAMBlockSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := rom.MemData(payload[start:end], uint32(seq)); err != nil {
			return errors.Annotatef(err, "mem_data block %d/%d", seq, blocks)
		}
	}
	return nil
}

// greetingScanAttempts and greetingScanInterval bound the stub's OHAI
// greeting poll (EspQtLib/espflasher.cpp, spec.md §4.4, §9): the stub
// needs a moment to boot after the ROM jumps to its entry point.
const (
	greetingScanAttempts = 20
	greetingScanInterval = 10 * time.Millisecond
)

// ohaiGreeting is the fixed greeting byte sequence the stub sends once
// booted (EspQtLib/espflasher.cpp).
var ohaiGreeting = []byte("OHAI")

// rawReader is the minimal byte-stream interface WaitForGreeting needs,
// satisfied by serialport.Port.
type rawReader interface {
	Read(p []byte) (int, error)
}

// WaitForGreeting polls the raw (unframed) serial stream for the stub's
// "OHAI" greeting, confirming it booted successfully after the RAM jump.
func WaitForGreeting(r rawReader) error {
	var seen []byte
	buf := make([]byte, 64)
	for i := 0; i < greetingScanAttempts; i++ {
		n, err := r.Read(buf)
		if n > 0 {
			seen = append(seen, buf[:n]...)
			if containsGreeting(seen) {
				return nil
			}
			if len(seen) > 256 {
				seen = seen[len(seen)-256:]
			}
		}
		if err != nil {
			time.Sleep(greetingScanInterval)
			continue
		}
		time.Sleep(greetingScanInterval)
	}
	return esperr.New(esperr.StubNotReady, "stub did not greet within %d attempts", greetingScanAttempts)
}

func containsGreeting(buf []byte) bool {
	if len(buf) < len(ohaiGreeting) {
		return false
	}
	for i := 0; i+len(ohaiGreeting) <= len(buf); i++ {
		match := true
		for j := range ohaiGreeting {
			if buf[i+j] != ohaiGreeting[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
