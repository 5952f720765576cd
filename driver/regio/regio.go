// Package regio provides typed register access to I2C devices. A
// register is described by its address, wire size and byte order;
// reads and writes are single bus transactions against a fixed-size
// scratch buffer. Bus errors propagate unchanged; retry policy belongs
// to the caller.
package regio

import (
	"encoding/binary"
	"fmt"
)

// Bus is a point-to-point bus transaction: write w, then read into r
// without releasing the bus in between. periph.io's i2c.Bus implements
// it.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

// MaxTransaction is the largest supported transfer, register address
// byte included.
const MaxTransaction = 9

// Register describes one device register. Its wire size never changes
// at runtime.
type Register struct {
	addr  byte
	size  int
	order binary.ByteOrder
}

func newRegister(addr byte, size int, order binary.ByteOrder) Register {
	if 1+size > MaxTransaction {
		panic("regio: register exceeds transaction size")
	}
	switch size {
	case 1, 2, 4:
	default:
		panic("regio: unsupported register size")
	}
	return Register{addr: addr, size: size, order: order}
}

// R8 describes an 8-bit register.
func R8(addr byte) Register {
	return newRegister(addr, 1, nil)
}

// R16LE describes a 16-bit little-endian register.
func R16LE(addr byte) Register {
	return newRegister(addr, 2, binary.LittleEndian)
}

// R32LE describes a 32-bit little-endian register.
func R32LE(addr byte) Register {
	return newRegister(addr, 4, binary.LittleEndian)
}

// Device binds a bus to a device address.
type Device struct {
	bus     Bus
	addr    uint16
	scratch [MaxTransaction]byte
}

func NewDevice(bus Bus, addr uint16) *Device {
	return &Device{bus: bus, addr: addr}
}

// Read selects the register address and reads its value in a single
// transaction.
func (d *Device) Read(r Register) (uint64, error) {
	req, resp := d.scratch[:1], d.scratch[1:1+r.size]
	req[0] = r.addr
	if err := d.bus.Tx(d.addr, req, resp); err != nil {
		return 0, err
	}
	switch r.size {
	case 1:
		return uint64(resp[0]), nil
	case 2:
		return uint64(r.order.Uint16(resp)), nil
	default:
		return uint64(r.order.Uint32(resp)), nil
	}
}

// Write writes the register in a single combined address+payload
// transaction.
func (d *Device) Write(r Register, v uint64) error {
	buf := d.scratch[:1+r.size]
	buf[0] = r.addr
	switch r.size {
	case 1:
		buf[1] = byte(v)
	case 2:
		r.order.PutUint16(buf[1:], uint16(v))
	default:
		r.order.PutUint32(buf[1:], uint32(v))
	}
	return d.bus.Tx(d.addr, buf, nil)
}

// Stream returns a byte-stream endpoint for a buffer register.
func (d *Device) Stream(addr byte) *Stream {
	return &Stream{dev: d, addr: addr}
}

// Stream addresses a register as a byte-stream endpoint, used for bulk
// buffers such as NVM read/write windows. Transfers never truncate: an
// over-capacity request is an error.
type Stream struct {
	dev  *Device
	addr byte
}

func (s *Stream) Write(p []byte) (int, error) {
	if 1+len(p) > MaxTransaction {
		return 0, fmt.Errorf("regio: write of %d bytes exceeds transaction size", len(p))
	}
	buf := s.dev.scratch[:1+len(p)]
	buf[0] = s.addr
	copy(buf[1:], p)
	if err := s.dev.bus.Tx(s.dev.addr, buf, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Stream) Read(p []byte) (int, error) {
	if 1+len(p) > MaxTransaction {
		return 0, fmt.Errorf("regio: read of %d bytes exceeds transaction size", len(p))
	}
	req := s.dev.scratch[:1]
	req[0] = s.addr
	if err := s.dev.bus.Tx(s.dev.addr, req, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
