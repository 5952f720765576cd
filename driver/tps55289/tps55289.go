// Package tps55289 implements a driver for the Texas Instruments
// TPS55289 buck-boost converter.
package tps55289

import (
	"fmt"

	"slakkotron.dev/driver/regio"
)

// Addr is the 7-bit I2C address of the converter.
const Addr = 0x75

var (
	regVRef      = regio.R16LE(0x00)
	regIOutLimit = regio.R8(0x02)
	regVOutFS    = regio.R8(0x04)
	regMode      = regio.R8(0x06)
	regStatus    = regio.R8(0x07)
)

const (
	limitSettingMask = 0x7f
	limitEnable      = 1 << 7

	voutFSRatioMask = 0b11

	modeFPWM   = 1 << 1
	modeDischg = 1 << 4
	modeHiccup = 1 << 5
	modeFSWDbl = 1 << 6
	modeOE     = 1 << 7

	statusOpMask = 0b11
	statusOVP    = 1 << 5
	statusOCP    = 1 << 6
	statusSCP    = 1 << 7
)

// FeedbackRatio selects the internal feedback divider. The ratio
// written here must match the one used for voltage conversion; set
// both through the same driver instance.
type FeedbackRatio uint8

const (
	Ratio0_2256 FeedbackRatio = 0b00
	Ratio0_1128 FeedbackRatio = 0b01
	Ratio0_0752 FeedbackRatio = 0b10
	Ratio0_0564 FeedbackRatio = 0b11
)

// numerator returns the divider ratio as parts per 10000.
func (r FeedbackRatio) numerator() uint64 {
	switch r {
	case Ratio0_2256:
		return 2256
	case Ratio0_1128:
		return 1128
	case Ratio0_0752:
		return 752
	default:
		return 564
	}
}

func (r FeedbackRatio) String() string {
	return fmt.Sprintf("0.%04d", r.numerator())
}

// VRef is the 11-bit internal reference voltage code. The reference
// spans 45 mV to 1200 mV in 564.5 µV steps.
type VRef uint16

const (
	VRefMax VRef = 0x7ff

	vrefOffsetNV = 45_000_000
	vrefStepNV   = 564_500
)

// Nanovolts returns the reference voltage encoded by the code.
func (v VRef) Nanovolts() uint64 {
	return vrefOffsetNV + vrefStepNV*uint64(v)
}

// VRefFromNanovolts converts a target reference voltage to the nearest
// code at or below it, saturating at the code range.
func VRefFromNanovolts(nv uint64) VRef {
	if nv < vrefOffsetNV {
		return 0
	}
	code := (nv - vrefOffsetNV) / vrefStepNV
	if code > uint64(VRefMax) {
		return VRefMax
	}
	return VRef(code)
}

// VRefFromFeedback computes the reference code for a target output
// voltage under the given feedback ratio. All arithmetic is integer;
// repeated round-trips through the same settings yield the same code.
func VRefFromFeedback(targetMV uint32, fb FeedbackRatio) VRef {
	// mV * ratio/10000 * 1e6 nV/mV, without intermediate truncation.
	nv := uint64(targetMV) * fb.numerator() * 100
	return VRefFromNanovolts(nv)
}

// OperatingStatus is the converter's operating mode as reported in the
// status register.
type OperatingStatus uint8

const (
	Boost     OperatingStatus = 0b00
	Buck      OperatingStatus = 0b01
	BuckBoost OperatingStatus = 0b10
)

func (s OperatingStatus) String() string {
	switch s {
	case Boost:
		return "boost"
	case Buck:
		return "buck"
	case BuckBoost:
		return "buck-boost"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Status is the decoded fault status register.
type Status struct {
	Op  OperatingStatus
	OVP bool
	OCP bool
	SCP bool
}

// Fault reports whether a protection event requires shutting the
// output down, regardless of the operating status code.
func (s Status) Fault() bool {
	return s.OCP || s.SCP
}

type Device struct {
	d *regio.Device
}

func New(bus regio.Bus) *Device {
	return &Device{d: regio.NewDevice(bus, Addr)}
}

// SetVRef programs the reference voltage code.
func (d *Device) SetVRef(v VRef) error {
	if err := d.d.Write(regVRef, uint64(v&VRefMax)); err != nil {
		return fmt.Errorf("tps55289: %w", err)
	}
	return nil
}

// CurrentSenseMilliohm is the external current sense resistance wired
// on this board.
const CurrentSenseMilliohm = 20

// SetCurrentLimit programs the output current limit in milliamperes.
// Targets above the representable maximum saturate at the register
// ceiling. The limit-enable bit is preserved.
func (d *Device) SetCurrentLimit(limitMA int) error {
	if limitMA < 0 {
		limitMA = 0
	}
	// The register counts in 500 µV steps across the sense resistor.
	uv := uint64(limitMA) * CurrentSenseMilliohm
	code := uv / 500
	if code > limitSettingMask {
		code = limitSettingMask
	}
	cur, err := d.d.Read(regIOutLimit)
	if err != nil {
		return fmt.Errorf("tps55289: %w", err)
	}
	v := cur&limitEnable | code
	if err := d.d.Write(regIOutLimit, v); err != nil {
		return fmt.Errorf("tps55289: %w", err)
	}
	return nil
}

// SetFeedback selects the internal feedback divider ratio.
func (d *Device) SetFeedback(r FeedbackRatio) error {
	cur, err := d.d.Read(regVOutFS)
	if err != nil {
		return fmt.Errorf("tps55289: %w", err)
	}
	v := cur&^uint64(voutFSRatioMask) | uint64(r)
	if err := d.d.Write(regVOutFS, v); err != nil {
		return fmt.Errorf("tps55289: %w", err)
	}
	return nil
}

// Enable turns the output on. Discharge and output-enable are never
// asserted together: the only mode pairs written are discharge+off and
// enable+no-discharge.
func (d *Device) Enable() error {
	return d.setMode(true)
}

// Disable turns the output off and actively discharges it.
func (d *Device) Disable() error {
	return d.setMode(false)
}

func (d *Device) setMode(enable bool) error {
	cur, err := d.d.Read(regMode)
	if err != nil {
		return fmt.Errorf("tps55289: %w", err)
	}
	var v uint64
	if enable {
		v = cur&^uint64(modeDischg) | modeOE
	} else {
		v = cur&^uint64(modeOE) | modeDischg
	}
	if err := d.d.Write(regMode, v); err != nil {
		return fmt.Errorf("tps55289: %w", err)
	}
	return nil
}

// Status reads the fault status register.
func (d *Device) Status() (Status, error) {
	v, err := d.d.Read(regStatus)
	if err != nil {
		return Status{}, fmt.Errorf("tps55289: %w", err)
	}
	return Status{
		Op:  OperatingStatus(v & statusOpMask),
		OVP: v&statusOVP != 0,
		OCP: v&statusOCP != 0,
		SCP: v&statusSCP != 0,
	}, nil
}
