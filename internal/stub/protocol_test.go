package stub

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"espflash/internal/esperr"
)

type fakeStubPort struct {
	toHost   [][]byte // one slice per simulated Read() call
	idx      int
	fromHost []byte
}

func (p *fakeStubPort) Read(buf []byte) (int, error) {
	if p.idx >= len(p.toHost) {
		return 0, errors.New("no more scripted data")
	}
	chunk := p.toHost[p.idx]
	p.idx++
	n := copy(buf, chunk)
	return n, nil
}

func (p *fakeStubPort) Write(buf []byte) (int, error) {
	p.fromHost = append(p.fromHost, buf...)
	return len(buf), nil
}

func (p *fakeStubPort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakeStubPort) SetDTR(bool) error                  { return nil }
func (p *fakeStubPort) SetRTS(bool) error                  { return nil }
func (p *fakeStubPort) ResetInputBuffer() error            { return nil }
func (p *fakeStubPort) SetBaudRate(int) error              { return nil }
func (p *fakeStubPort) Close() error                       { return nil }

func le32(n int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(n))
	return b
}

// TestProtocolWriteCreditLoopAndDigest exercises a write of exactly one
// 0x1000-byte sector, twice the 2048-byte credit window: the host stops
// after 2048 bytes for one credit counter, sends the rest, then drains the
// final counter before the digest and the closing status byte.
func TestProtocolWriteCreditLoopAndDigest(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, sectorSize)
	digest := md5.Sum(data)

	port := &fakeStubPort{toHost: [][]byte{
		le32(windowSize), // mid-stream credit once the window is full
		le32(len(data)),  // final drain credit, all bytes acked
		digest[:],
		{0x00}, // closing status
	}}

	var lastProgress int
	proto := NewProtocol(port)
	err := proto.Write(0x1000, data, func(n int) { lastProgress = n })
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if lastProgress != len(data) {
		t.Fatalf("progress = %d, want %d", lastProgress, len(data))
	}
	// Header (1 + 3*4 = 13 bytes) + all data should have been written.
	if len(port.fromHost) != 13+len(data) {
		t.Fatalf("wrote %d bytes to port, want %d", len(port.fromHost), 13+len(data))
	}
}

func TestProtocolWriteRejectsUnalignedArguments(t *testing.T) {
	proto := NewProtocol(&fakeStubPort{})
	err := proto.Write(0x1001, make([]byte, sectorSize), nil)
	if !esperr.Is(err, esperr.WrongArguments) {
		t.Fatalf("got %v, want WrongArguments", err)
	}
	err = proto.Write(0x1000, make([]byte, sectorSize-1), nil)
	if !esperr.Is(err, esperr.WrongArguments) {
		t.Fatalf("got %v, want WrongArguments for unaligned length", err)
	}
}

func TestProtocolWriteStatusByteDuringCreditLoopIsFailure(t *testing.T) {
	data := make([]byte, sectorSize)
	port := &fakeStubPort{toHost: [][]byte{
		{0x07}, // a single status byte instead of a 4-byte counter
	}}
	proto := NewProtocol(port)
	err := proto.Write(0, data, nil)
	if !esperr.Is(err, esperr.WriteFailure) {
		t.Fatalf("got %v, want WriteFailure", err)
	}
}

func TestProtocolWriteDigestMismatch(t *testing.T) {
	data := make([]byte, sectorSize)
	port := &fakeStubPort{}
	var wrongDigest [16]byte
	port.toHost = [][]byte{le32(len(data)), wrongDigest[:]}

	proto := NewProtocol(port)
	err := proto.Write(0, data, nil)
	if !esperr.Is(err, esperr.DigestMismatch) {
		t.Fatalf("got %v, want DigestMismatch", err)
	}
}

func TestProtocolReadAccumulatesAndVerifies(t *testing.T) {
	want := bytes.Repeat([]byte{0x7A}, 500)
	digest := md5.Sum(want)

	port := &fakeStubPort{toHost: [][]byte{
		want,
		digest[:],
		{0x00},
	}}

	proto := NewProtocol(port)
	got, err := proto.Read(0x2000, uint32(len(want)), nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read data mismatch")
	}
}

func TestProtocolDigestReturnsStubHash(t *testing.T) {
	var digest [16]byte
	for i := range digest {
		digest[i] = byte(i)
	}
	port := &fakeStubPort{toHost: [][]byte{digest[:], {0x00}}}
	proto := NewProtocol(port)
	got, err := proto.Digest(0, 0x1000, 0x1000)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if len(got) != 1 || got[0] != digest {
		t.Fatalf("got %x want single frame %x", got, digest)
	}
}

// TestProtocolDigestLoopsOverMultipleBlocks pins down spec.md §4.5's
// block_size parameter: a size that spans several blocks yields one MD5
// frame per block, all read before the closing status byte
// (EspQtLib/espflasher.cpp flashDigest()).
func TestProtocolDigestLoopsOverMultipleBlocks(t *testing.T) {
	var d0, d1, d2 [16]byte
	d0[0], d1[0], d2[0] = 0xA0, 0xA1, 0xA2

	port := &fakeStubPort{toHost: [][]byte{d0[:], d1[:], d2[:], {0x00}}}
	proto := NewProtocol(port)
	got, err := proto.Digest(0, 0x3000, 0x1000)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	want := [][16]byte{d0, d1, d2}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("block %d = %x, want %x", i, got[i], want[i])
		}
	}
}

func TestProtocolDigestRejectsZeroBlockSize(t *testing.T) {
	proto := NewProtocol(&fakeStubPort{})
	_, err := proto.Digest(0, 0x1000, 0)
	if !esperr.Is(err, esperr.WrongArguments) {
		t.Fatalf("got %v, want WrongArguments", err)
	}
}
