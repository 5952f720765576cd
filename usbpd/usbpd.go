// Package usbpd manages the USB-PD sink controller. At boot it verifies
// the controller's non-volatile configuration against the board's golden
// image, programs the runtime sink profiles and renegotiates the supply
// contract. It also owns the controller's GPIO pin, which the board
// wires as the output-live indicator.
package usbpd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"slakkotron.dev/driver/stusb4500"
)

// goldenNVM is the board's reference configuration image: flex cable
// current limits, discharge behavior and the three sink profile slots
// the controller negotiates with before the host processor is up.
var goldenNVM = stusb4500.Sectors{
	{0x00, 0x00, 0xb0, 0xab, 0x00, 0x45, 0x00, 0x00},
	{0x00, 0x40, 0x9c, 0x1c, 0xff, 0x01, 0x3c, 0xdf},
	{0x02, 0x40, 0x0f, 0x00, 0x32, 0x00, 0xfc, 0xf1},
	{0x00, 0x19, 0x50, 0xaf, 0xf5, 0x35, 0x5f, 0x00},
	{0x00, 0x4b, 0x90, 0x21, 0x43, 0x00, 0x40, 0xfb},
}

// operatingPDO is the runtime supply profile requested from the source.
// Slot 1 stays at the mandatory 5 V profile from the NVM image; slot 2
// carries the operating profile and is marked highest priority by the
// profile count.
var operatingPDO = stusb4500.NewFixedPDO(20000, 1000)

const (
	readyTimeout = time.Second
	pollInterval = 50 * time.Millisecond
)

type Controller struct {
	log *zap.SugaredLogger
	clk clock.Clock

	// mu serializes register traffic between Init, the watcher and
	// SetPin callers.
	mu  sync.Mutex
	dev *stusb4500.Device
}

func New(dev *stusb4500.Device, clk clock.Clock, log *zap.SugaredLogger) *Controller {
	return &Controller{log: log, clk: clk, dev: dev}
}

// Init brings the controller to its operating configuration: wait for
// the chip to answer, reconcile the NVM with the golden image, program
// the runtime profiles and issue a soft reset so the source re-offers
// its capabilities.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := c.dev.WaitReady(ctx); err != nil {
		return fmt.Errorf("usbpd: %w", err)
	}
	if err := c.ensureNVM(); err != nil {
		return fmt.Errorf("usbpd: %w", err)
	}
	if err := c.dev.SetPDO(stusb4500.PDO2, operatingPDO); err != nil {
		return fmt.Errorf("usbpd: %w", err)
	}
	if err := c.dev.SetPDOCount(2); err != nil {
		return fmt.Errorf("usbpd: %w", err)
	}
	if err := c.dev.IssuePDReset(); err != nil {
		return fmt.Errorf("usbpd: %w", err)
	}
	c.log.Infow("controller initialized",
		"profile_mv", operatingPDO.VoltageMV(),
		"profile_ma", operatingPDO.CurrentMA())
	return nil
}

// ensureNVM compares the NVM content with the golden image and
// reprograms it on mismatch. NVM writes are wearing; the common boot
// leaves the flash untouched.
func (c *Controller) ensureNVM() error {
	nvm, err := c.dev.UnlockNVM()
	if err != nil {
		return err
	}
	cur, err := nvm.ReadSectors()
	if err != nil {
		nvm.Lock()
		return err
	}
	if cur == goldenNVM {
		c.log.Debugw("NVM matches golden image")
		return nvm.Lock()
	}
	c.log.Warnw("NVM differs from golden image, reprogramming")
	if err := nvm.WriteSectors(goldenNVM); err != nil {
		nvm.Lock()
		return err
	}
	got, err := nvm.ReadSectors()
	if err != nil {
		nvm.Lock()
		return err
	}
	if got != goldenNVM {
		nvm.Lock()
		return fmt.Errorf("NVM verify failed after programming")
	}
	return nvm.Lock()
}

// SetPin drives the controller GPIO.
func (c *Controller) SetPin(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev.SetPin(on)
}

// Watch polls the policy engine state and the negotiated contract until
// ctx is cancelled, logging transitions.
func (c *Controller) Watch(ctx context.Context) {
	var (
		lastState stusb4500.FSMState
		haveState bool
		lastRDO   stusb4500.RDO
		haveRDO   bool
	)
	t := c.clk.Ticker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		c.mu.Lock()
		st, stErr := c.dev.FSMState()
		rdo, rdoErr := c.dev.RDO()
		c.mu.Unlock()

		if stErr != nil {
			// Transient garbage reads happen around hard resets.
			c.log.Debugw("policy engine state read failed", "error", stErr)
		} else if !haveState || st != lastState {
			c.log.Infow("policy engine state", "state", st)
			lastState, haveState = st, true
		}
		if rdoErr != nil {
			c.log.Debugw("contract read failed", "error", rdoErr)
		} else if !haveRDO || rdo != lastRDO {
			c.log.Infow("negotiated contract",
				"object_position", rdo.ObjectPosition,
				"operating_ma", rdo.OperatingCurrentMA,
				"max_ma", rdo.MaxCurrentMA,
				"mismatch", rdo.CapabilityMismatch)
			lastRDO, haveRDO = rdo, true
		}
	}
}
