// Package segment models one contiguous flash payload to be written:
// a target address plus its bytes, with the image-header patching and
// sector-padding rules flash writes require.
package segment

import "espflash/internal/geometry"

// Segment is one piece of a flash image bound for a specific address.
type Segment struct {
	Address uint32
	Data    []byte
}

// New returns a Segment, copying data so later mutation of the caller's
// slice can't affect it.
func New(address uint32, data []byte) Segment {
	cp := make([]byte, len(data))
	copy(cp, data)
	return Segment{Address: address, Data: cp}
}

// PadToSector returns a copy of s padded with 0xFF up to the next flash
// sector boundary, matching erased-flash's idle state (spec.md §3).
func (s Segment) PadToSector() Segment {
	padded := geometry.PadToSector(len(s.Data))
	if padded == len(s.Data) {
		return s
	}
	out := make([]byte, padded)
	copy(out, s.Data)
	for i := len(s.Data); i < padded; i++ {
		out[i] = 0xFF
	}
	return Segment{Address: s.Address, Data: out}
}

// IsImageHeader reports whether this segment begins an ESP image
// (address 0, magic byte 0xE9) and is therefore a candidate for flash
// mode/size/frequency header patching (spec.md §3, §9).
func (s Segment) IsImageHeader() bool {
	return s.Address == 0 && len(s.Data) > 3 && s.Data[0] == geometry.ImageMagicByte
}

// PatchHeader returns a copy of s with byte 2 set to mode and byte 3 set to
// sizeFreq, the flash mode/size/frequency encoding ESP images carry in
// their first 4 bytes. It is a no-op (returns s unchanged) when s is not
// an image header segment.
func (s Segment) PatchHeader(mode, sizeFreq byte) Segment {
	if !s.IsImageHeader() {
		return s
	}
	out := make([]byte, len(s.Data))
	copy(out, s.Data)
	out[2] = mode
	out[3] = sizeFreq
	return Segment{Address: s.Address, Data: out}
}

// FlashMode encodes the ESP image header's flash mode byte (esprom.h
// FlashMode, spec.md §3).
type FlashMode byte

const (
	FlashModeQIO  FlashMode = 0
	FlashModeQOUT FlashMode = 1
	FlashModeDIO  FlashMode = 2
	FlashModeDOUT FlashMode = 3
)

// FlashSizeFreq packs the flash size (high nibble) and frequency (low
// nibble) into the ESP image header's 4th byte (esprom.h FlashSize /
// FlashSizeFreq, spec.md §3).
func FlashSizeFreq(size, freq byte) byte {
	return (size << 4) | freq
}

// Flash size nibbles (esprom.h FlashSize).
const (
	FlashSize4Mbit    byte = 0x00
	FlashSize2Mbit    byte = 0x01
	FlashSize8Mbit    byte = 0x02
	FlashSize16Mbit   byte = 0x03
	FlashSize32Mbit   byte = 0x04
	FlashSize16MbitC1 byte = 0x05
	FlashSize32MbitC1 byte = 0x06
	FlashSize32MbitC2 byte = 0x07
)

// Flash frequency nibbles (esprom.h FlashFreq).
const (
	FlashFreq40MHz byte = 0x00
	FlashFreq26MHz byte = 0x01
	FlashFreq20MHz byte = 0x02
	FlashFreq80MHz byte = 0x0F
)
