// Package power supervises the output power stage: it arbitrates the
// buck-boost converter between fault and recovery, drives the PD
// controller's fault indicator, and applies hot-reloaded settings.
package power

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"

	"slakkotron.dev/config"
	"slakkotron.dev/driver/tps55289"
	"slakkotron.dev/watchdog"
)

// State is the supervisor state.
type State int

const (
	Disabled State = iota
	Enabling
	Enabled
	Ocp
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabling:
		return "enabling"
	case Enabled:
		return "enabled"
	case Ocp:
		return "ocp"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Feedback is the converter feedback divider wired on this board. The
// ratio programmed into the feedback-select register and the one used
// for voltage conversion must match; both go through this constant.
const Feedback = tps55289.Ratio0_0564

const (
	// stabilization is how long the output must hold after an enable
	// before it is trusted.
	stabilization = 100 * time.Millisecond

	// maxWake caps the loop's sleep so its watchdog ticket is fed even
	// when no timer or interrupt fires.
	maxWake = watchdog.Deadline
)

// Recorder receives completed overcurrent episode durations.
type Recorder interface {
	LogOvercurrent(d time.Duration)
}

// Indicator is the fault indicator capability on the PD controller; on
// means the output is live.
type Indicator interface {
	SetPin(on bool) error
}

type Supervisor struct {
	log       *zap.SugaredLogger
	clk       clock.Clock
	indicator Indicator
	recorder  Recorder
	ticket    *watchdog.Ticket
	intr      chan struct{}

	// mu guards the converter and supervisor state for whole
	// decide-and-act sequences, not individual register accesses.
	mu        sync.Mutex
	dev       *tps55289.Device
	state     State
	backoff   time.Duration
	applied   config.Settings
	appliedOK bool
}

// New places the converter in safe idle with the board feedback ratio
// and returns a supervisor in the Disabled state.
func New(dev *tps55289.Device, indicator Indicator, recorder Recorder, ticket *watchdog.Ticket, clk clock.Clock, log *zap.SugaredLogger) (*Supervisor, error) {
	if err := dev.Disable(); err != nil {
		return nil, fmt.Errorf("power: %w", err)
	}
	if err := dev.SetFeedback(Feedback); err != nil {
		return nil, fmt.Errorf("power: %w", err)
	}
	return &Supervisor{
		log:       log,
		clk:       clk,
		indicator: indicator,
		recorder:  recorder,
		ticket:    ticket,
		intr:      make(chan struct{}, 1),
		dev:       dev,
		state:     Disabled,
	}, nil
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Apply installs new settings, atomically with respect to the control
// loop. Register writes are skipped when the settings are unchanged.
func (s *Supervisor) Apply(set config.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff = time.Duration(set.BackoffMS) * time.Millisecond
	if s.appliedOK && s.applied == set {
		return nil
	}
	vref := tps55289.VRefFromFeedback(uint32(set.VoutMV), Feedback)
	if err := s.dev.SetVRef(vref); err != nil {
		return fmt.Errorf("power: %w", err)
	}
	if err := s.dev.SetCurrentLimit(int(set.IoutMA)); err != nil {
		return fmt.Errorf("power: %w", err)
	}
	s.applied = set
	s.appliedOK = true
	s.log.Infow("settings applied",
		"vout_mv", set.VoutMV,
		"iout_ma", set.IoutMA,
		"vref", uint16(vref),
		"backoff_ms", set.BackoffMS)
	return nil
}

// Interrupt wakes the control loop, typically from the converter's
// fault interrupt pin.
func (s *Supervisor) Interrupt() {
	select {
	case s.intr <- struct{}{}:
	default:
	}
}

// WatchPin forwards falling edges of the fault interrupt pin to the
// control loop.
func (s *Supervisor) WatchPin(pin gpio.PinIn) error {
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return fmt.Errorf("power: interrupt pin: %w", err)
	}
	go func() {
		for {
			if pin.WaitForEdge(-1) {
				s.Interrupt()
			}
		}
	}()
	return nil
}

// loopState is the per-episode bookkeeping owned by the control loop.
type loopState struct {
	enabled      bool
	backoffUntil time.Time // zero when no backoff is pending
	stableAt     time.Time // zero when no enable is stabilizing
	ocpSince     time.Time // zero when no fault episode is open
}

// Run drives the supervisor until ctx is cancelled. The loop wakes on
// the earliest of interrupt, backoff expiry, stabilization expiry and
// the watchdog-feed ceiling; every wake re-reads the fault status.
func (s *Supervisor) Run(ctx context.Context) {
	var ls loopState
	for {
		now := s.clk.Now()
		s.step(now, &ls)

		// Only future deadlines shorten the sleep. An elapsed backoff
		// stays recorded while a fault persists; scheduling on it would
		// spin the loop at the minimum sleep until the fault clears.
		wake := now.Add(maxWake)
		for _, d := range []time.Time{ls.backoffUntil, ls.stableAt} {
			if d.After(now) && d.Before(wake) {
				wake = d
			}
		}
		d := wake.Sub(now)
		if d < time.Millisecond {
			d = time.Millisecond
		}
		t := s.clk.Timer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.intr:
			t.Stop()
		case <-t.C:
		}
	}
}

// step runs one decide-and-act iteration under the guard.
func (s *Supervisor) step(now time.Time, ls *loopState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticket.Feed()

	st, err := s.dev.Status()
	if err != nil {
		// An unreachable regulator is a protection condition, not a
		// programming error: force safe idle and back off.
		s.log.Errorw("regulator status read failed", "error", err)
		s.faultLocked(now, ls)
		return
	}
	switch {
	case st.Fault():
		s.log.Errorw("protection fault",
			"ocp", st.OCP, "scp", st.SCP, "ovp", st.OVP, "op", st.Op)
		s.faultLocked(now, ls)
	case !ls.enabled:
		if ls.backoffUntil.IsZero() || now.After(ls.backoffUntil) {
			s.enableLocked(now, ls)
		}
	case !ls.stableAt.IsZero() && now.After(ls.stableAt):
		s.stabilizeLocked(now, ls)
	}
}

func (s *Supervisor) faultLocked(now time.Time, ls *loopState) {
	s.state = Ocp
	if err := s.dev.Disable(); err != nil {
		s.log.Errorw("safe idle write failed", "error", err)
	}
	ls.enabled = false
	ls.stableAt = time.Time{}
	// The backoff deadline is set once per episode, not refreshed on
	// repeated fault reads.
	if ls.backoffUntil.IsZero() {
		ls.backoffUntil = now.Add(s.backoff)
	}
	if ls.ocpSince.IsZero() {
		ls.ocpSince = now
	}
	if err := s.indicator.SetPin(false); err != nil {
		s.log.Errorw("indicator deassert failed", "error", err)
	}
}

func (s *Supervisor) enableLocked(now time.Time, ls *loopState) {
	s.state = Enabling
	if err := s.dev.Enable(); err != nil {
		// The converter state is uncertain; treat it like a fault.
		s.log.Errorw("enable failed", "error", err)
		s.faultLocked(now, ls)
		return
	}
	ls.enabled = true
	ls.backoffUntil = time.Time{}
	ls.stableAt = now.Add(stabilization)
	if err := s.indicator.SetPin(true); err != nil {
		s.log.Errorw("indicator assert failed", "error", err)
	}
	s.log.Infow("enabling output")
}

func (s *Supervisor) stabilizeLocked(now time.Time, ls *loopState) {
	s.state = Enabled
	ls.stableAt = time.Time{}
	s.log.Infow("output stabilized")
	if !ls.ocpSince.IsZero() {
		s.recorder.LogOvercurrent(now.Sub(ls.ocpSince))
		ls.ocpSince = time.Time{}
	}
}
