// Package transport owns the serial link on behalf of the ROM and stub
// protocols: it bootstraps the ESP8266 into bootloader mode, frames
// outgoing commands, and polls for a matching framed reply within a
// timeout.
package transport

import (
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"espflash/internal/esperr"
	"espflash/internal/geometry"
	"espflash/internal/serialport"
	"espflash/internal/slip"
)

// pollInterval is how long a single exchange poll waits for more bytes
// before checking the overall timeout again.
const pollInterval = 10 * time.Millisecond

// Reply is the parsed 8-byte ROM reply header plus any trailing bytes.
type Reply struct {
	OpRet uint8
	Val   uint32
	Tail  []byte
}

// Transport frames requests, exchanges them for replies, and manages the
// already-open link's lifecycle (baud change, bootloader-entry bootstrap,
// close).
type Transport struct {
	port    serialport.Port
	decoder *slip.Decoder
	pending [][]byte
}

// New wraps an already-open serial port.
func New(port serialport.Port) *Transport {
	return &Transport{port: port, decoder: slip.NewDecoder()}
}

// Port exposes the underlying serial port, e.g. for the stub protocol's
// raw byte streams which aren't framed with the ROM's 8-byte header.
func (t *Transport) Port() serialport.Port { return t.port }

// Close releases the serial port.
func (t *Transport) Close() error { return t.port.Close() }

// EnterBootloader pulses DTR/RTS to assert the ESP8266's reset and
// boot-mode pins, then flushes the port. The exact transitions and their
// 50ms spacing are load-bearing hardware timing — preserve them verbatim
// (spec.md §4.2, §9).
func (t *Transport) EnterBootloader() error {
	steps := []struct {
		dtr, rts bool
	}{
		{false, true},
		{true, false},
		{false, false},
	}
	for i, s := range steps {
		if err := t.port.SetDTR(s.dtr); err != nil {
			return errors.Annotatef(err, "set DTR (step %d)", i)
		}
		if err := t.port.SetRTS(s.rts); err != nil {
			return errors.Annotatef(err, "set RTS (step %d)", i)
		}
		time.Sleep(geometry.DTRRTSPulseDelay)
	}
	return t.port.ResetInputBuffer()
}

// SetBaudRate changes the link speed in place.
func (t *Transport) SetBaudRate(baud int) error {
	if err := t.port.SetBaudRate(baud); err != nil {
		return errors.Annotatef(err, "set baud rate %d", baud)
	}
	time.Sleep(geometry.PostBaudChangeSettleDelay)
	return nil
}

// Exchange writes one encoded ROM command frame and polls for decoded
// frames until one whose op_ret matches op (or any frame, if op is 0)
// arrives, or timeout elapses. Mismatched or malformed replies — echoes
// and debug noise the ROM emits — are silently skipped so they don't
// poison the exchange.
func (t *Transport) Exchange(op byte, payload []byte, checksum uint32, timeout time.Duration) (*Reply, error) {
	frame := buildFrame(op, payload, checksum)
	if err := t.port.SetReadTimeout(pollInterval); err != nil {
		return nil, errors.Annotatef(err, "set read timeout")
	}
	if _, err := t.port.Write(slip.Encode(frame)); err != nil {
		return nil, errors.Annotatef(err, "write frame op=%#x", op)
	}
	return t.awaitReply(op, timeout)
}

// awaitReply polls for frames already buffered or newly arriving until a
// match for op is found or the deadline passes.
func (t *Transport) awaitReply(op byte, timeout time.Duration) (*Reply, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)
	for {
		for len(t.pending) > 0 {
			f := t.pending[0]
			t.pending = t.pending[1:]
			if reply, ok := parseReply(f, op); ok {
				return reply, nil
			}
			glog.V(2).Infof("transport: skipping unmatched frame %x", f)
		}
		if time.Now().After(deadline) {
			return nil, esperr.New(esperr.ReadError, "no matching reply for op=%#x within %s", op, timeout)
		}
		n, err := t.port.Read(buf)
		if err != nil {
			// Treat read timeouts as "no data yet"; anything else is fatal
			// only after the overall deadline elapses (checked above).
			continue
		}
		if n == 0 {
			continue
		}
		frames, ferr := t.decoder.Feed(buf[:n])
		if ferr != nil {
			glog.V(2).Infof("transport: frame error ignored: %v", ferr)
			continue
		}
		t.pending = append(t.pending, frames...)
	}
}

// DrainPending discards any buffered frames, then reads and discards
// whatever keeps arriving (up to 20 reads, each bounded by pollInterval,
// stopping at the first empty or failed read). Used after SYNC succeeds to
// flush the ROM's extra acknowledgments.
func (t *Transport) DrainPending() {
	t.pending = nil
	if err := t.port.SetReadTimeout(pollInterval); err != nil {
		return
	}
	buf := make([]byte, 256)
	for i := 0; i < 20; i++ {
		n, err := t.port.Read(buf)
		if err != nil || n == 0 {
			return
		}
		t.decoder.Feed(buf[:n])
	}
}

func buildFrame(op byte, payload []byte, checksum uint32) []byte {
	frame := make([]byte, 8+len(payload))
	frame[0] = 0x00
	frame[1] = op
	frame[2] = byte(len(payload))
	frame[3] = byte(len(payload) >> 8)
	frame[4] = byte(checksum)
	frame[5] = byte(checksum >> 8)
	frame[6] = byte(checksum >> 16)
	frame[7] = byte(checksum >> 24)
	copy(frame[8:], payload)
	return frame
}

func parseReply(frame []byte, op byte) (*Reply, bool) {
	if len(frame) < 8 || frame[0] != 0x01 {
		return nil, false
	}
	opRet := frame[1]
	if op != 0 && opRet != op {
		return nil, false
	}
	lenRet := uint16(frame[2]) | uint16(frame[3])<<8
	val := uint32(frame[4]) | uint32(frame[5])<<8 | uint32(frame[6])<<16 | uint32(frame[7])<<24
	tail := frame[8:]
	if int(lenRet) != len(tail) {
		// Length mismatch — not necessarily fatal, take what's there.
		if int(lenRet) < len(tail) {
			tail = tail[:lenRet]
		}
	}
	return &Reply{OpRet: opRet, Val: val, Tail: tail}, true
}
