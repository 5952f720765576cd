package regio

import (
	"errors"
	"testing"
)

type transaction struct {
	w []byte
	r int
}

type fakeBus struct {
	txs  []transaction
	resp []byte
	err  error
}

func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	if addr != 0x42 {
		return errors.New("wrong address")
	}
	b.txs = append(b.txs, transaction{w: append([]byte(nil), w...), r: len(r)})
	if b.err != nil {
		return b.err
	}
	copy(r, b.resp)
	return nil
}

func TestReadLayout(t *testing.T) {
	bus := &fakeBus{resp: []byte{0x34, 0x12}}
	d := NewDevice(bus, 0x42)
	v, err := d.Read(R16LE(0x07))
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x1234 {
		t.Errorf("got %#x, want 0x1234", v)
	}
	if len(bus.txs) != 1 {
		t.Fatalf("got %d transactions, want 1", len(bus.txs))
	}
	tx := bus.txs[0]
	if len(tx.w) != 1 || tx.w[0] != 0x07 || tx.r != 2 {
		t.Errorf("unexpected transaction %v", tx)
	}
}

func TestWriteLayout(t *testing.T) {
	bus := &fakeBus{}
	d := NewDevice(bus, 0x42)
	if err := d.Write(R32LE(0x85), 0x11223344); err != nil {
		t.Fatal(err)
	}
	tx := bus.txs[0]
	want := []byte{0x85, 0x44, 0x33, 0x22, 0x11}
	if len(tx.w) != len(want) || tx.r != 0 {
		t.Fatalf("unexpected transaction %v", tx)
	}
	for i := range want {
		if tx.w[i] != want[i] {
			t.Errorf("byte %d: got %#x, want %#x", i, tx.w[i], want[i])
		}
	}
}

func TestBusErrorPropagates(t *testing.T) {
	busErr := errors.New("nack")
	bus := &fakeBus{err: busErr}
	d := NewDevice(bus, 0x42)
	if _, err := d.Read(R8(0x01)); !errors.Is(err, busErr) {
		t.Errorf("got %v, want bus error unchanged", err)
	}
	if err := d.Write(R8(0x01), 0); !errors.Is(err, busErr) {
		t.Errorf("got %v, want bus error unchanged", err)
	}
}

func TestOversizedRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("no panic for oversized register")
		}
	}()
	newRegister(0x00, MaxTransaction, nil)
}

func TestStream(t *testing.T) {
	bus := &fakeBus{resp: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	d := NewDevice(bus, 0x42)
	s := d.Stream(0x53)

	var buf [8]byte
	n, err := s.Read(buf[:])
	if err != nil || n != 8 {
		t.Fatalf("Read: %d, %v", n, err)
	}
	if buf != [8]byte{1, 2, 3, 4, 5, 6, 7, 8} {
		t.Errorf("unexpected read data %v", buf)
	}

	n, err = s.Write(buf[:])
	if err != nil || n != 8 {
		t.Fatalf("Write: %d, %v", n, err)
	}
	tx := bus.txs[len(bus.txs)-1]
	if len(tx.w) != 9 || tx.w[0] != 0x53 {
		t.Errorf("unexpected write transaction %v", tx)
	}

	var big [MaxTransaction]byte
	if _, err := s.Write(big[:]); err == nil {
		t.Error("over-capacity write did not fail")
	}
	if _, err := s.Read(big[:]); err == nil {
		t.Error("over-capacity read did not fail")
	}
}
