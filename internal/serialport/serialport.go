// Package serialport defines the narrow interface the Transport needs from
// a serial link, and the go.bug.st/serial adapter that implements it
// against a real UART. The serial-port driver itself — opening, baud-rate
// change, DTR/RTS control, byte I/O with timeouts — is an external
// collaborator: the protocol core only ever depends on the interface below.
package serialport

import (
	"time"

	"github.com/juju/errors"
	"go.bug.st/serial"
)

// Port is everything Transport needs from a serial link.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
	// SetBaudRate changes the link's speed in place, used when upgrading
	// to the stub's elevated rate.
	SetBaudRate(baud int) error
	Close() error
}

type bugstPort struct {
	serial.Port
	name string
	mode *serial.Mode
}

// Open opens the named port at the given baud rate using go.bug.st/serial,
// 8N1, no flow control — the ROM bootloader's framing assumption.
func Open(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, errors.Annotatef(err, "open %s", name)
	}
	return &bugstPort{Port: p, name: name, mode: mode}, nil
}

func (p *bugstPort) SetReadTimeout(t time.Duration) error {
	return p.Port.SetReadTimeout(t)
}

// SetBaudRate closes and reopens the underlying port at a new baud rate.
// go.bug.st/serial does not support changing the baud rate of an open
// handle on all platforms, so the port is cycled — matching the teacher's
// SetBaudRate behavior in esp32_flasher.go.
func (p *bugstPort) SetBaudRate(baud int) error {
	if err := p.Port.Close(); err != nil {
		return errors.Annotatef(err, "close before baud change")
	}
	p.mode.BaudRate = baud
	np, err := serial.Open(p.name, p.mode)
	if err != nil {
		return errors.Annotatef(err, "reopen %s at %d baud", p.name, baud)
	}
	p.Port = np
	return nil
}
