package romproto

import (
	"testing"
	"time"

	"espflash/internal/slip"
	"espflash/internal/transport"
)

func TestChecksumSeed(t *testing.T) {
	// Checksum of an empty payload is just the seed (spec.md §8 invariant 2).
	if got := Checksum(nil); got != geometrySeed() {
		t.Fatalf("Checksum(nil) = %#x, want seed %#x", got, geometrySeed())
	}
}

func TestChecksumKnownVector(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	want := uint32(0xEF ^ 0x01 ^ 0x02 ^ 0x03)
	if got := Checksum(data); got != want {
		t.Fatalf("Checksum(%x) = %#x, want %#x", data, got, want)
	}
}

func TestEraseSizeSmallWriteRoundsToHalfSectors(t *testing.T) {
	// A write smaller than one erase block, aligned to sector 0: numSectors
	// < 2*headSectors, so erase_size is ceil(numSectors/2) sectors.
	got := EraseSize(0, 0x1000) // exactly one sector
	want := uint32(0x1000)      // ceil(1/2) = 1 sector
	if got != want {
		t.Fatalf("EraseSize(0, 0x1000) = %#x, want %#x", got, want)
	}
}

func TestEraseSizeLargeWriteSubtractsHeadSectors(t *testing.T) {
	// 32 sectors (two full blocks) starting sector-aligned at 0: headSectors
	// = 16, numSectors = 32 >= 2*16, so erase_size = (32-16)*sectorSize.
	got := EraseSize(0, 32*0x1000)
	want := uint32(16 * 0x1000)
	if got != want {
		t.Fatalf("EraseSize(0, 32 sectors) = %#x, want %#x", got, want)
	}
}

func TestEraseSizeUnalignedOffset(t *testing.T) {
	// Starting mid-block (sector 4 of 16), headSectors = 16-4 = 12.
	offset := uint32(4 * 0x1000)
	got := EraseSize(offset, 20*0x1000)
	// numSectors=20 >= 2*12=24? no, 20 < 24, so ceil(20/2)=10 sectors.
	want := uint32(10 * 0x1000)
	if got != want {
		t.Fatalf("EraseSize(unaligned) = %#x, want %#x", got, want)
	}
}

func geometrySeed() uint32 { return 0xEF }

// TestChecksumSelfXorCancels verifies the spec.md §8 invariant 2 identity
// xor_checksum(B||B) == 0xEF: XORing any byte string with itself cancels
// to zero, leaving just the seed.
func TestChecksumSelfXorCancels(t *testing.T) {
	b := []byte{0x11, 0x22, 0x33, 0x44, 0x55}
	doubled := append(append([]byte{}, b...), b...)
	if got := Checksum(doubled); got != 0xEF {
		t.Fatalf("Checksum(B||B) = %#x, want 0xEF", got)
	}
}

// TestEraseSizeSpecVectors checks the two worked examples spec.md §8
// invariant 5 gives verbatim.
func TestEraseSizeSpecVectors(t *testing.T) {
	if got := EraseSize(0, 0x4000); got != 0x2000 {
		t.Fatalf("EraseSize(0, 0x4000) = %#x, want 0x2000", got)
	}
	if got := EraseSize(0x10000, 0x40000); got != 0x30000 {
		t.Fatalf("EraseSize(0x10000, 0x40000) = %#x, want 0x30000", got)
	}
}

type fakeRegPort struct {
	toHost   []byte
	fromHost []byte
}

func (p *fakeRegPort) Read(buf []byte) (int, error) {
	if len(p.toHost) == 0 {
		return 0, errTimeout{}
	}
	n := copy(buf, p.toHost)
	p.toHost = p.toHost[n:]
	return n, nil
}
func (p *fakeRegPort) Write(buf []byte) (int, error) {
	p.fromHost = append(p.fromHost, buf...)
	return len(buf), nil
}
func (p *fakeRegPort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakeRegPort) SetDTR(bool) error                  { return nil }
func (p *fakeRegPort) SetRTS(bool) error                  { return nil }
func (p *fakeRegPort) ResetInputBuffer() error            { return nil }
func (p *fakeRegPort) SetBaudRate(int) error              { return nil }
func (p *fakeRegPort) Close() error                       { return nil }

type errTimeout struct{}

func (errTimeout) Error() string { return "timeout" }
func (errTimeout) Timeout() bool { return true }

func regReply(val uint32) []byte {
	f := make([]byte, 10)
	f[0] = 0x01
	f[1] = opReadReg
	f[2] = 2
	f[4] = byte(val)
	f[5] = byte(val >> 8)
	f[6] = byte(val >> 16)
	f[7] = byte(val >> 24)
	f[8] = 0x00
	f[9] = 0x00
	return f
}

func TestChipIDFormulaOverWire(t *testing.T) {
	mac0 := uint32(0xAABBCCDD)
	mac1 := uint32(0xFF112233)

	port := &fakeRegPort{}
	port.toHost = append(port.toHost, slip.Encode(regReply(mac0))...)
	port.toHost = append(port.toHost, slip.Encode(regReply(mac1))...)

	rom := New(transport.New(port))
	got, err := rom.ChipID()
	if err != nil {
		t.Fatalf("ChipID: %v", err)
	}
	want := (mac0 >> 24) | ((mac1 & 0x00FFFFFF) << 8)
	if got != want {
		t.Fatalf("ChipID() = %#x, want %#x", got, want)
	}
}

func TestMACAddressUsesMAC3WhenNonZero(t *testing.T) {
	mac0 := uint32(0xAABBCCDD)
	mac1 := uint32(0x11223344)
	mac3 := uint32(0x00A0B0C0)

	port := &fakeRegPort{}
	port.toHost = append(port.toHost, slip.Encode(regReply(mac0))...)
	port.toHost = append(port.toHost, slip.Encode(regReply(mac1))...)
	port.toHost = append(port.toHost, slip.Encode(regReply(mac3))...)

	rom := New(transport.New(port))
	got, err := rom.MACAddress()
	if err != nil {
		t.Fatalf("MACAddress: %v", err)
	}
	want := [6]byte{0xA0, 0xB0, 0xC0, 0x33, 0x44, 0xAA}
	if got != want {
		t.Fatalf("MACAddress() = %#x, want %#x", got, want)
	}
}

func TestMACAddressFallsBackToOUITableWhenMAC3Zero(t *testing.T) {
	mac0 := uint32(0xAABBCCDD)
	mac1 := uint32(0x00003344)
	mac3 := uint32(0)

	port := &fakeRegPort{}
	port.toHost = append(port.toHost, slip.Encode(regReply(mac0))...)
	port.toHost = append(port.toHost, slip.Encode(regReply(mac1))...)
	port.toHost = append(port.toHost, slip.Encode(regReply(mac3))...)

	rom := New(transport.New(port))
	got, err := rom.MACAddress()
	if err != nil {
		t.Fatalf("MACAddress: %v", err)
	}
	want := [6]byte{0x18, 0xFE, 0x34, 0x33, 0x44, 0xAA}
	if got != want {
		t.Fatalf("MACAddress() = %#x, want %#x", got, want)
	}
}
