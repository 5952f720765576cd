// command slakkotrond supervises the USB-PD sourced output power stage.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"slakkotron.dev/config"
	"slakkotron.dev/driver/stusb4500"
	"slakkotron.dev/driver/tps55289"
	"slakkotron.dev/power"
	"slakkotron.dev/record"
	"slakkotron.dev/stats"
	"slakkotron.dev/storage"
	"slakkotron.dev/usbpd"
	"slakkotron.dev/watchdog"
)

// Version is set by the Go linker with -ldflags='-X main.Version=...'.
var Version string

var (
	i2cBus       = flag.String("i2c", "", "I2C bus name, empty for the first available")
	intPin       = flag.String("int-pin", "GPIO24", "converter fault interrupt pin, empty to poll only")
	watchdogPath = flag.String("watchdog", "/dev/watchdog", "watchdog device, empty to disable")
	dataPath     = flag.String("data", "/var/lib/slakkotrond/state.cbor", "persistent state file")
	settingsPath = flag.String("settings", "/etc/slakkotrond/settings.json", "settings overrides file, empty to disable")
	debug        = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "slakkotrond: %v\n", err)
		os.Exit(2)
	}
}

// noopFeeder stands in for the hardware watchdog when it is disabled.
type noopFeeder struct{}

func (noopFeeder) Feed() error { return nil }

func run() error {
	zcfg := zap.NewProductionConfig()
	if *debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()
	log.Infow("starting", "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(*i2cBus)
	if err != nil {
		return fmt.Errorf("i2c: %w", err)
	}
	defer bus.Close()

	store, err := storage.Open(*dataPath, log)
	if err != nil {
		return err
	}
	cfg, err := config.Open(store, log)
	if err != nil {
		return err
	}
	clk := clock.New()
	rec, err := record.Open(store, clk, log)
	if err != nil {
		return err
	}

	var feeder watchdog.Feeder = noopFeeder{}
	if *watchdogPath != "" {
		hw, err := watchdog.OpenLinux(*watchdogPath)
		if err != nil {
			return err
		}
		defer hw.Close()
		feeder = hw
	} else {
		log.Warnw("hardware watchdog disabled")
	}
	wd := watchdog.New(feeder, log)

	pd := usbpd.New(stusb4500.New(bus), clk, log)
	if err := pd.Init(ctx); err != nil {
		return err
	}
	sup, err := power.New(tps55289.New(bus), pd, rec, wd.Ticket(), clk, log)
	if err != nil {
		return err
	}
	if err := sup.Apply(cfg.Fetch()); err != nil {
		return err
	}
	if *intPin != "" {
		pin := gpioreg.ByName(*intPin)
		if pin == nil {
			return fmt.Errorf("no such pin %q", *intPin)
		}
		if err := sup.WatchPin(pin); err != nil {
			return err
		}
	}

	go sup.Run(ctx)
	go pd.Watch(ctx)

	st := stats.New(sup, clk)
	go st.Run(ctx)

	// The settings task owns its own ticket: a wedged apply path must
	// reset the device like any other hung task.
	settingsTicket := wd.Ticket()
	settingsSub := cfg.Subscribe()
	cfg.PublishCurrent()
	go func() {
		t := clk.Ticker(watchdog.Deadline / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case set := <-settingsSub:
				if err := sup.Apply(set); err != nil {
					log.Errorw("settings apply failed", "error", err)
				}
			case <-t.C:
			}
			settingsTicket.Feed()
		}
	}()
	if *settingsPath != "" {
		go func() {
			if err := cfg.Watch(ctx, *settingsPath); err != nil {
				log.Errorw("settings watch failed", "error", err)
			}
		}()
	}

	// Telemetry to the log; the record package persists on its own.
	// Metrics are re-announced periodically so the log carries them even
	// across quiet stretches.
	recSub := rec.Subscribe()
	statsSub := st.Subscribe()
	rec.PublishCurrent()
	go func() {
		t := clk.Ticker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rec.PublishCurrent()
			case d := <-recSub:
				log.Infow("metrics",
					"overcurrent_count", d.OvercurrentCount,
					"overcurrent_secs", d.OvercurrentSecs)
			case d := <-statsSub:
				log.Debugw("status",
					"uptime_secs", d.UptimeSecs,
					"vout_state", d.VoutState)
			}
		}
	}()

	<-ctx.Done()
	last := st.Latest()
	log.Infow("shutting down",
		"uptime_secs", last.UptimeSecs,
		"vout_state", last.VoutState)
	return nil
}
