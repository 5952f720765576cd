package stusb4500

import (
	"fmt"
	"io"
	"time"
)

// NumSectors is the number of addressable NVM sectors. Their 5x8 bytes
// fully define the controller's behavioral configuration.
const NumSectors = 5

// Sector is one NVM sector.
type Sector [8]byte

// Sectors is the full NVM content.
type Sectors [NumSectors]Sector

const (
	nvmPassword = 0x47

	ctrl0SectorMask = 0x0f
	ctrl0Request    = 1 << 4
	ctrl0Enable     = 1 << 6
	ctrl0Power      = 1 << 7

	ctrl1EraseAll = 0xf8 // erase bits for all five sectors
)

type opcode uint8

const (
	opReadSector   opcode = 0x00
	opLoadPLR      opcode = 0x01
	opLoadSER      opcode = 0x02
	opDumpPLR      opcode = 0x03
	opDumpSER      opcode = 0x04
	opEraseSectors opcode = 0x05
	opWriteSector  opcode = 0x06
)

const (
	requestTimeout = 100 * time.Millisecond
	requestPoll    = time.Millisecond
)

// NVM provides access to the controller's non-volatile configuration
// memory. Obtain it with UnlockNVM and release it with Lock; no PD
// command traffic may be issued in between.
type NVM struct {
	d *Device
}

// UnlockNVM writes the NVM password and powers the NVM controller.
func (d *Device) UnlockNVM() (*NVM, error) {
	if err := d.d.Write(regNVMPassword, nvmPassword); err != nil {
		return nil, fmt.Errorf("stusb4500: nvm unlock: %w", err)
	}
	if err := d.d.Write(regNVMCtrl0, 0x00); err != nil {
		return nil, fmt.Errorf("stusb4500: nvm unlock: %w", err)
	}
	if err := d.d.Write(regNVMCtrl0, ctrl0Power|ctrl0Enable); err != nil {
		return nil, fmt.Errorf("stusb4500: nvm unlock: %w", err)
	}
	return &NVM{d: d}, nil
}

// Lock releases the NVM controller and clears the password.
func (n *NVM) Lock() error {
	if err := n.d.d.Write(regNVMCtrl0, ctrl0Enable); err != nil {
		return fmt.Errorf("stusb4500: nvm lock: %w", err)
	}
	if err := n.d.d.Write(regNVMCtrl1, 0x00); err != nil {
		return fmt.Errorf("stusb4500: nvm lock: %w", err)
	}
	if err := n.d.d.Write(regNVMPassword, 0x00); err != nil {
		return fmt.Errorf("stusb4500: nvm lock: %w", err)
	}
	return nil
}

// request triggers the operation selected in NVMCtrl1 and waits for
// the request bit to clear, the hardware's operation-complete signal.
func (n *NVM) request(sector int) error {
	v := uint64(sector)&ctrl0SectorMask | ctrl0Request | ctrl0Enable | ctrl0Power
	if err := n.d.d.Write(regNVMCtrl0, v); err != nil {
		return fmt.Errorf("stusb4500: nvm request: %w", err)
	}
	start := time.Now()
	for {
		v, err := n.d.d.Read(regNVMCtrl0)
		if err != nil {
			return fmt.Errorf("stusb4500: nvm request: %w", err)
		}
		if v&ctrl0Request == 0 {
			return nil
		}
		if time.Since(start) > requestTimeout {
			return fmt.Errorf("stusb4500: nvm request: %w", ErrTimeout)
		}
		time.Sleep(requestPoll)
	}
}

func (n *NVM) setOpcode(op opcode, extra uint64) error {
	if err := n.d.d.Write(regNVMCtrl1, uint64(op)|extra); err != nil {
		return fmt.Errorf("stusb4500: nvm opcode: %w", err)
	}
	return nil
}

// EraseSectors erases all five sectors as one unit. It must complete
// before any sector is programmed.
func (n *NVM) EraseSectors() error {
	if err := n.setOpcode(opLoadSER, ctrl1EraseAll); err != nil {
		return err
	}
	if err := n.request(0); err != nil {
		return err
	}
	if err := n.setOpcode(opEraseSectors, 0); err != nil {
		return err
	}
	return n.request(0)
}

// ReadSector reads one 8-byte sector.
func (n *NVM) ReadSector(sector int) (Sector, error) {
	var s Sector
	if sector < 0 || sector >= NumSectors {
		return s, fmt.Errorf("stusb4500: invalid sector %d", sector)
	}
	if err := n.setOpcode(opReadSector, 0); err != nil {
		return s, err
	}
	if err := n.request(sector); err != nil {
		return s, err
	}
	if _, err := io.ReadFull(n.d.buf, s[:]); err != nil {
		return s, fmt.Errorf("stusb4500: nvm read: %w", err)
	}
	return s, nil
}

// WriteSector programs one 8-byte sector. The data is staged through
// the program load register before the commit; the order is
// load-then-write, reversing it loses data.
func (n *NVM) WriteSector(sector int, data Sector) error {
	if sector < 0 || sector >= NumSectors {
		return fmt.Errorf("stusb4500: invalid sector %d", sector)
	}
	if _, err := n.d.buf.Write(data[:]); err != nil {
		return fmt.Errorf("stusb4500: nvm write: %w", err)
	}
	if err := n.setOpcode(opLoadPLR, 0); err != nil {
		return err
	}
	if err := n.request(0); err != nil {
		return err
	}
	if err := n.setOpcode(opWriteSector, 0); err != nil {
		return err
	}
	return n.request(sector)
}

// ReadSectors reads the full NVM content.
func (n *NVM) ReadSectors() (Sectors, error) {
	var res Sectors
	for i := range res {
		s, err := n.ReadSector(i)
		if err != nil {
			return res, err
		}
		res[i] = s
	}
	return res, nil
}

// WriteSectors erases the NVM and programs the full content.
func (n *NVM) WriteSectors(data Sectors) error {
	if err := n.EraseSectors(); err != nil {
		return err
	}
	for i, s := range data {
		if err := n.WriteSector(i, s); err != nil {
			return err
		}
	}
	return nil
}
