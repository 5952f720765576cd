package stusb4500

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeChip models the register and NVM behavior of the controller.
type fakeChip struct {
	mem     [256]byte
	sectors [NumSectors]Sector
	plr     Sector
	rwWrite Sector // last write to the RW buffer
	rwRead  Sector // data presented at the RW buffer
	ops     []string
	writes  []byte // register addresses, in write order
	stuck   bool   // never complete NVM requests
	ser     byte   // loaded sector erase register
}

func (c *fakeChip) Tx(addr uint16, w, r []byte) error {
	if addr != Addr {
		return fmt.Errorf("unexpected address %#x", addr)
	}
	reg := w[0]
	if len(r) > 0 {
		if reg == rwBufferAddr {
			copy(r, c.rwRead[:])
			return nil
		}
		for i := range r {
			r[i] = c.mem[int(reg)+i]
		}
		return nil
	}
	payload := w[1:]
	c.writes = append(c.writes, reg)
	if reg == rwBufferAddr {
		copy(c.rwWrite[:], payload)
		return nil
	}
	for i, b := range payload {
		c.mem[int(reg)+i] = b
	}
	if reg == 0x96 && payload[0]&ctrl0Request != 0 && !c.stuck {
		c.exec(payload[0])
		c.mem[0x96] &^= ctrl0Request
	}
	return nil
}

func (c *fakeChip) exec(ctrl0 byte) {
	sector := int(ctrl0 & ctrl0SectorMask)
	switch opcode(c.mem[0x97] & 0x07) {
	case opLoadSER:
		c.ser = c.mem[0x97] & ctrl1EraseAll
		c.ops = append(c.ops, "loadSER")
	case opEraseSectors:
		if c.ser == ctrl1EraseAll {
			for i := range c.sectors {
				c.sectors[i] = Sector{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
			}
		}
		c.ops = append(c.ops, "erase")
	case opReadSector:
		c.rwRead = c.sectors[sector]
		c.ops = append(c.ops, fmt.Sprintf("read%d", sector))
	case opLoadPLR:
		c.plr = c.rwWrite
		c.ops = append(c.ops, "loadPLR")
	case opWriteSector:
		c.sectors[sector] = c.plr
		c.ops = append(c.ops, fmt.Sprintf("write%d", sector))
	}
}

func TestWaitReady(t *testing.T) {
	chip := &fakeChip{}
	chip.mem[0x2f] = deviceID
	d := New(chip)
	if err := d.WaitReady(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	chip := &fakeChip{} // ID register reads zero
	d := New(chip)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := d.WaitReady(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

func TestIssuePDResetOrder(t *testing.T) {
	chip := &fakeChip{}
	d := New(chip)
	if err := d.IssuePDReset(); err != nil {
		t.Fatal(err)
	}
	if len(chip.writes) != 2 || chip.writes[0] != 0x51 || chip.writes[1] != 0x1a {
		t.Errorf("writes %#v, want header then command", chip.writes)
	}
	if chip.mem[0x51] != txHeaderSOP || chip.mem[0x1a] != cmdSoftReset {
		t.Errorf("header %#x command %#x", chip.mem[0x51], chip.mem[0x1a])
	}
}

func TestSetPinInverts(t *testing.T) {
	chip := &fakeChip{}
	d := New(chip)
	if err := d.SetPin(true); err != nil {
		t.Fatal(err)
	}
	if chip.mem[0x2d] != 0 {
		t.Errorf("on wrote %#x, want 0 (active low)", chip.mem[0x2d])
	}
	if err := d.SetPin(false); err != nil {
		t.Fatal(err)
	}
	if chip.mem[0x2d] != 1 {
		t.Errorf("off wrote %#x, want 1", chip.mem[0x2d])
	}
}

func TestFSMState(t *testing.T) {
	chip := &fakeChip{}
	d := New(chip)

	chip.mem[0x29] = byte(FSMSnkReady)
	s, err := d.FSMState()
	if err != nil {
		t.Fatal(err)
	}
	if s != FSMSnkReady {
		t.Errorf("got %v, want SnkReady", s)
	}

	chip.mem[0x29] = 0x7f
	_, err = d.FSMState()
	var inv InvalidValueError
	if !errors.As(err, &inv) {
		t.Fatalf("got %v, want InvalidValueError", err)
	}
	if inv.Value != 0x7f {
		t.Errorf("invalid value %#x, want 0x7f", inv.Value)
	}
}

func TestFixedPDO(t *testing.T) {
	pdo := NewFixedPDO(20000, 1000)
	if got := uint32(pdo); got != 400<<10|100 {
		t.Errorf("packed %#x, want %#x", got, uint32(400<<10|100))
	}
	if pdo.VoltageMV() != 20000 || pdo.CurrentMA() != 1000 {
		t.Errorf("round-trip %d mV %d mA", pdo.VoltageMV(), pdo.CurrentMA())
	}
}

func TestSetPDO(t *testing.T) {
	chip := &fakeChip{}
	d := New(chip)
	if err := d.SetPDO(PDO2, NewFixedPDO(20000, 1000)); err != nil {
		t.Fatal(err)
	}
	// LE32 at 0x89.
	v := uint32(chip.mem[0x89]) | uint32(chip.mem[0x8a])<<8 |
		uint32(chip.mem[0x8b])<<16 | uint32(chip.mem[0x8c])<<24
	if FixedPDO(v).VoltageMV() != 20000 {
		t.Errorf("slot 2 holds %#x", v)
	}
	if err := d.SetPDO(PDOChannel(5), 0); err == nil {
		t.Error("invalid channel accepted")
	}
}

func TestRDODecode(t *testing.T) {
	chip := &fakeChip{}
	// object position 2, operating 1500 mA, max 3000 mA
	raw := uint32(2)<<28 | uint32(150)<<10 | 300
	chip.mem[0x91] = byte(raw)
	chip.mem[0x92] = byte(raw >> 8)
	chip.mem[0x93] = byte(raw >> 16)
	chip.mem[0x94] = byte(raw >> 24)
	d := New(chip)
	rdo, err := d.RDO()
	if err != nil {
		t.Fatal(err)
	}
	if rdo.ObjectPosition != 2 || rdo.OperatingCurrentMA != 1500 || rdo.MaxCurrentMA != 3000 {
		t.Errorf("decoded %+v", rdo)
	}
}

func TestNVMSectorRoundTrip(t *testing.T) {
	chip := &fakeChip{}
	d := New(chip)
	nvm, err := d.UnlockNVM()
	if err != nil {
		t.Fatal(err)
	}
	for sector := 0; sector < NumSectors; sector++ {
		var data Sector
		for i := range data {
			data[i] = byte(sector*8 + i + 1)
		}
		if err := nvm.WriteSector(sector, data); err != nil {
			t.Fatal(err)
		}
		got, err := nvm.ReadSector(sector)
		if err != nil {
			t.Fatal(err)
		}
		if got != data {
			t.Errorf("sector %d: got %v, want %v", sector, got, data)
		}
	}
}

func TestNVMWriteSectorsErasesFirst(t *testing.T) {
	chip := &fakeChip{}
	d := New(chip)
	nvm, err := d.UnlockNVM()
	if err != nil {
		t.Fatal(err)
	}
	var data Sectors
	for i := range data {
		for j := range data[i] {
			data[i][j] = byte(i ^ j)
		}
	}
	if err := nvm.WriteSectors(data); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"loadSER", "erase",
		"loadPLR", "write0",
		"loadPLR", "write1",
		"loadPLR", "write2",
		"loadPLR", "write3",
		"loadPLR", "write4",
	}
	if len(chip.ops) != len(want) {
		t.Fatalf("ops %v, want %v", chip.ops, want)
	}
	for i := range want {
		if chip.ops[i] != want[i] {
			t.Fatalf("op %d: got %q, want %q", i, chip.ops[i], want[i])
		}
	}
	got, err := nvm.ReadSectors()
	if err != nil {
		t.Fatal(err)
	}
	if got != data {
		t.Error("read back differs from programmed data")
	}
}

func TestNVMRequestTimeout(t *testing.T) {
	chip := &fakeChip{stuck: true}
	d := New(chip)
	nvm, err := d.UnlockNVM()
	if err != nil {
		t.Fatal(err)
	}
	err = nvm.EraseSectors()
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
	if !strings.HasPrefix(err.Error(), "stusb4500: ") {
		t.Errorf("error %q lacks the package prefix", err)
	}
}

func TestNVMUnlockLockSequence(t *testing.T) {
	chip := &fakeChip{}
	d := New(chip)
	nvm, err := d.UnlockNVM()
	if err != nil {
		t.Fatal(err)
	}
	if chip.mem[0x95] != nvmPassword {
		t.Errorf("password register %#x after unlock", chip.mem[0x95])
	}
	if chip.mem[0x96] != ctrl0Power|ctrl0Enable {
		t.Errorf("ctrl0 %#x after unlock", chip.mem[0x96])
	}
	if err := nvm.Lock(); err != nil {
		t.Fatal(err)
	}
	if chip.mem[0x95] != 0 || chip.mem[0x97] != 0 {
		t.Errorf("password %#x ctrl1 %#x after lock", chip.mem[0x95], chip.mem[0x97])
	}
}
