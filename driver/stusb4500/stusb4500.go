// Package stusb4500 implements a driver for the STMicroelectronics
// STUSB4500 standalone USB-PD sink controller.
package stusb4500

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slakkotron.dev/driver/regio"
)

// Addr is the 7-bit I2C address of the controller.
const Addr = 0x28

const deviceID = 0x25

var (
	regPDCommandCtrl = regio.R8(0x1a)
	regPEFSM         = regio.R8(0x29)
	regGPIOSwGPIO    = regio.R8(0x2d)
	regDeviceID      = regio.R8(0x2f)
	regTXHeader      = regio.R8(0x51)
	regDPMPDONumb    = regio.R8(0x70)
	regRDOStatus     = regio.R32LE(0x91)
	regNVMPassword   = regio.R8(0x95)
	regNVMCtrl0      = regio.R8(0x96)
	regNVMCtrl1      = regio.R8(0x97)
)

var regDPMSnkPDO = [3]regio.Register{
	regio.R32LE(0x85),
	regio.R32LE(0x89),
	regio.R32LE(0x8d),
}

const rwBufferAddr = 0x53

const (
	// Soft reset header and opcode, sent before any other PD traffic.
	txHeaderSOP  = 0x0d
	cmdSoftReset = 0x26

	pdoNumbMask = 0b111
)

// ErrTimeout reports a hardware readiness wait that did not complete
// within its deadline.
var ErrTimeout = errors.New("timeout")

// InvalidValueError reports a register field that decoded to a value
// outside its documented range. It is distinct from a bus error: the
// device was reachable but returned garbage.
type InvalidValueError struct {
	Field string
	Value uint8
}

func (e InvalidValueError) Error() string {
	return fmt.Sprintf("stusb4500: invalid %s value %#02x", e.Field, e.Value)
}

type Device struct {
	d   *regio.Device
	buf *regio.Stream
}

func New(bus regio.Bus) *Device {
	d := regio.NewDevice(bus, Addr)
	return &Device{d: d, buf: d.Stream(rwBufferAddr)}
}

// WaitReady polls the device identification register until the
// controller responds with its expected ID, or ctx expires. The chip
// needs a few milliseconds after VBUS before it answers.
func (d *Device) WaitReady(ctx context.Context) error {
	for {
		id, err := d.d.Read(regDeviceID)
		if err != nil {
			return fmt.Errorf("stusb4500: %w", err)
		}
		if uint8(id) == deviceID {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("stusb4500: wait ready: %w", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

// IssuePDReset sends a USB-PD soft reset. The protocol requires it
// before any other PD traffic.
func (d *Device) IssuePDReset() error {
	if err := d.d.Write(regTXHeader, txHeaderSOP); err != nil {
		return fmt.Errorf("stusb4500: %w", err)
	}
	if err := d.d.Write(regPDCommandCtrl, cmdSoftReset); err != nil {
		return fmt.Errorf("stusb4500: %w", err)
	}
	return nil
}

// SetPin drives the GPIO pin. The pin is active low at the register
// level; callers reason active high.
func (d *Device) SetPin(on bool) error {
	var v uint64 = 1
	if on {
		v = 0
	}
	if err := d.d.Write(regGPIOSwGPIO, v); err != nil {
		return fmt.Errorf("stusb4500: %w", err)
	}
	return nil
}

// FSMState reads the policy engine state.
func (d *Device) FSMState() (FSMState, error) {
	v, err := d.d.Read(regPEFSM)
	if err != nil {
		return 0, fmt.Errorf("stusb4500: %w", err)
	}
	s := FSMState(v)
	if !s.valid() {
		return 0, InvalidValueError{Field: "policy engine state", Value: uint8(v)}
	}
	return s, nil
}

// RDO reads back the negotiated request data object.
func (d *Device) RDO() (RDO, error) {
	v, err := d.d.Read(regRDOStatus)
	if err != nil {
		return RDO{}, fmt.Errorf("stusb4500: %w", err)
	}
	return decodeRDO(uint32(v)), nil
}

// SetPDO programs one of the three sink PDO slots.
func (d *Device) SetPDO(ch PDOChannel, pdo FixedPDO) error {
	if ch < PDO1 || ch > PDO3 {
		return fmt.Errorf("stusb4500: invalid PDO channel %d", ch)
	}
	if err := d.d.Write(regDPMSnkPDO[ch], uint64(pdo)); err != nil {
		return fmt.Errorf("stusb4500: %w", err)
	}
	return nil
}

// SetPDOCount programs the number of active sink PDOs.
func (d *Device) SetPDOCount(n int) error {
	cur, err := d.d.Read(regDPMPDONumb)
	if err != nil {
		return fmt.Errorf("stusb4500: %w", err)
	}
	v := cur&^uint64(pdoNumbMask) | uint64(n)&pdoNumbMask
	if err := d.d.Write(regDPMPDONumb, v); err != nil {
		return fmt.Errorf("stusb4500: %w", err)
	}
	return nil
}

// FSMState is the controller's policy engine state, observed read-only.
type FSMState uint8

const (
	FSMInit                    FSMState = 0x00
	FSMSoftReset               FSMState = 0x01
	FSMHardReset               FSMState = 0x02
	FSMSendSoftReset           FSMState = 0x03
	FSMCBist                   FSMState = 0x04
	FSMSnkStartup              FSMState = 0x12
	FSMSnkDiscovery            FSMState = 0x13
	FSMSnkWaitForCapabilities  FSMState = 0x14
	FSMSnkEvaluateCapabilities FSMState = 0x15
	FSMSnkSelectCapabilities   FSMState = 0x16
	FSMSnkTransitionSink       FSMState = 0x17
	FSMSnkReady                FSMState = 0x18
	FSMSnkReadySending         FSMState = 0x19
	FSMHardResetShutdown       FSMState = 0x3a
	FSMHardResetRecovery       FSMState = 0x3b
	FSMErrorRecovery           FSMState = 0x40
)

func (s FSMState) valid() bool {
	switch s {
	case FSMInit, FSMSoftReset, FSMHardReset, FSMSendSoftReset, FSMCBist,
		FSMSnkStartup, FSMSnkDiscovery, FSMSnkWaitForCapabilities,
		FSMSnkEvaluateCapabilities, FSMSnkSelectCapabilities,
		FSMSnkTransitionSink, FSMSnkReady, FSMSnkReadySending,
		FSMHardResetShutdown, FSMHardResetRecovery, FSMErrorRecovery:
		return true
	}
	return false
}

func (s FSMState) String() string {
	switch s {
	case FSMInit:
		return "Init"
	case FSMSoftReset:
		return "SoftReset"
	case FSMHardReset:
		return "HardReset"
	case FSMSendSoftReset:
		return "SendSoftReset"
	case FSMCBist:
		return "CBist"
	case FSMSnkStartup:
		return "SnkStartup"
	case FSMSnkDiscovery:
		return "SnkDiscovery"
	case FSMSnkWaitForCapabilities:
		return "SnkWaitForCapabilities"
	case FSMSnkEvaluateCapabilities:
		return "SnkEvaluateCapabilities"
	case FSMSnkSelectCapabilities:
		return "SnkSelectCapabilities"
	case FSMSnkTransitionSink:
		return "SnkTransitionSink"
	case FSMSnkReady:
		return "SnkReady"
	case FSMSnkReadySending:
		return "SnkReadySending"
	case FSMHardResetShutdown:
		return "HardResetShutdown"
	case FSMHardResetRecovery:
		return "HardResetRecovery"
	case FSMErrorRecovery:
		return "ErrorRecovery"
	default:
		return fmt.Sprintf("FSMState(%#02x)", uint8(s))
	}
}

// PDOChannel selects one of the three sink PDO slots.
type PDOChannel int

const (
	PDO1 PDOChannel = iota
	PDO2
	PDO3
)

// FixedPDO is a 32-bit packed fixed-supply power data object: voltage
// in 50 mV units at bits 10-19, current in 10 mA units at bits 0-9.
type FixedPDO uint32

// NewFixedPDO packs a fixed-supply PDO for the given profile.
func NewFixedPDO(voltageMV, currentMA int) FixedPDO {
	v := uint32(voltageMV/50) & 0x3ff
	c := uint32(currentMA/10) & 0x3ff
	return FixedPDO(v<<10 | c)
}

// VoltageMV returns the profile voltage in millivolts.
func (p FixedPDO) VoltageMV() int {
	return int(p>>10&0x3ff) * 50
}

// CurrentMA returns the profile current in milliamperes.
func (p FixedPDO) CurrentMA() int {
	return int(p&0x3ff) * 10
}

// RDO is the decoded request data object status.
type RDO struct {
	MaxCurrentMA       int
	OperatingCurrentMA int
	ExtendedSupported  bool
	NoUSBSuspend       bool
	USBCommsCapable    bool
	CapabilityMismatch bool
	GiveBack           bool
	ObjectPosition     uint8
}

func decodeRDO(v uint32) RDO {
	return RDO{
		MaxCurrentMA:       int(v&0x3ff) * 10,
		OperatingCurrentMA: int(v>>10&0x3ff) * 10,
		ExtendedSupported:  v&(1<<23) != 0,
		NoUSBSuspend:       v&(1<<24) != 0,
		USBCommsCapable:    v&(1<<25) != 0,
		CapabilityMismatch: v&(1<<26) != 0,
		GiveBack:           v&(1<<27) != 0,
		ObjectPosition:     uint8(v >> 28 & 0xf),
	}
}
