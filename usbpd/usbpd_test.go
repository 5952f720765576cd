package usbpd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"slakkotron.dev/driver/stusb4500"
)

// fakeChip models the controller registers and NVM state machine.
type fakeChip struct {
	mu      sync.Mutex
	mem     [256]byte
	sectors stusb4500.Sectors
	plr     stusb4500.Sector
	rwWrite stusb4500.Sector
	rwRead  stusb4500.Sector
	ser     byte
	ops     []string
}

func newFakeChip() *fakeChip {
	c := &fakeChip{}
	c.mem[0x2f] = 0x25 // device ID
	return c
}

func (c *fakeChip) setReg(reg, v byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem[reg] = v
}

func (c *fakeChip) Tx(addr uint16, w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if addr != stusb4500.Addr {
		return fmt.Errorf("unexpected address %#x", addr)
	}
	reg := w[0]
	if len(r) > 0 {
		if reg == 0x53 {
			copy(r, c.rwRead[:])
			return nil
		}
		for i := range r {
			r[i] = c.mem[int(reg)+i]
		}
		return nil
	}
	payload := w[1:]
	if reg == 0x53 {
		copy(c.rwWrite[:], payload)
		return nil
	}
	for i, b := range payload {
		c.mem[int(reg)+i] = b
	}
	// A set request bit in NVMCtrl0 executes the staged opcode.
	if reg == 0x96 && payload[0]&0x10 != 0 {
		c.exec(payload[0])
		c.mem[0x96] &^= 0x10
	}
	return nil
}

func (c *fakeChip) exec(ctrl0 byte) {
	sector := int(ctrl0 & 0x0f)
	switch c.mem[0x97] & 0x07 {
	case 0x02: // load sector erase register
		c.ser = c.mem[0x97] & 0xf8
		c.ops = append(c.ops, "loadSER")
	case 0x05: // erase
		if c.ser == 0xf8 {
			for i := range c.sectors {
				c.sectors[i] = stusb4500.Sector{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
			}
		}
		c.ops = append(c.ops, "erase")
	case 0x00: // read sector
		c.rwRead = c.sectors[sector]
		c.ops = append(c.ops, fmt.Sprintf("read%d", sector))
	case 0x01: // load program load register
		c.plr = c.rwWrite
		c.ops = append(c.ops, "loadPLR")
	case 0x06: // write sector
		c.sectors[sector] = c.plr
		c.ops = append(c.ops, fmt.Sprintf("write%d", sector))
	}
}

func (c *fakeChip) wearOps() int {
	n := 0
	for _, op := range c.ops {
		if op == "erase" || strings.HasPrefix(op, "write") {
			n++
		}
	}
	return n
}

func TestInitProgramsBlankNVM(t *testing.T) {
	chip := newFakeChip()
	ctrl := New(stusb4500.New(chip), clock.New(), zap.NewNop().Sugar())
	if err := ctrl.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if chip.sectors != goldenNVM {
		t.Errorf("NVM after init: %v", chip.sectors)
	}
	if chip.wearOps() == 0 {
		t.Error("blank NVM was not programmed")
	}

	// Operating profile in slot 2, two active profiles, soft reset sent.
	v := uint32(chip.mem[0x89]) | uint32(chip.mem[0x8a])<<8 |
		uint32(chip.mem[0x8b])<<16 | uint32(chip.mem[0x8c])<<24
	if stusb4500.FixedPDO(v) != operatingPDO {
		t.Errorf("slot 2 holds %#x", v)
	}
	if chip.mem[0x70]&0x07 != 2 {
		t.Errorf("profile count %d, want 2", chip.mem[0x70]&0x07)
	}
	if chip.mem[0x1a] != 0x26 {
		t.Errorf("no soft reset issued, command register %#x", chip.mem[0x1a])
	}
	// NVM locked again: password cleared.
	if chip.mem[0x95] != 0 {
		t.Errorf("password register %#x after init", chip.mem[0x95])
	}
}

func TestInitSkipsMatchingNVM(t *testing.T) {
	chip := newFakeChip()
	ctrl := New(stusb4500.New(chip), clock.New(), zap.NewNop().Sugar())
	if err := ctrl.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	chip.ops = nil
	if err := ctrl.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := chip.wearOps(); n != 0 {
		t.Errorf("%d erase/program operations on a matching NVM: %v", n, chip.ops)
	}
}

func TestInitTimesOutOnDeadChip(t *testing.T) {
	chip := newFakeChip()
	chip.mem[0x2f] = 0 // never identifies
	ctrl := New(stusb4500.New(chip), clock.New(), zap.NewNop().Sugar())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ctrl.Init(ctx); err == nil {
		t.Fatal("init succeeded against a dead chip")
	}
}

func TestWatchLogsTransitions(t *testing.T) {
	chip := newFakeChip()
	chip.mem[0x29] = byte(stusb4500.FSMSnkDiscovery)
	core, logs := observer.New(zap.InfoLevel)
	ctrl := New(stusb4500.New(chip), clock.New(), zap.New(core).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ctrl.Watch(ctx)
		close(done)
	}()

	stateLogs := func() []observer.LoggedEntry {
		return logs.FilterMessage("policy engine state").All()
	}
	waitFor(t, func() bool { return len(stateLogs()) == 1 })
	chip.setReg(0x29, byte(stusb4500.FSMSnkReady))
	waitFor(t, func() bool { return len(stateLogs()) == 2 })

	// An unchanged state is not re-logged.
	time.Sleep(3 * pollInterval)
	if n := len(stateLogs()); n != 2 {
		t.Errorf("%d state logs for 2 transitions", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop on cancellation")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}
