//go:build linux

package watchdog

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Linux feeds the kernel watchdog device.
type Linux struct {
	f *os.File
}

// OpenLinux opens the watchdog device, typically /dev/watchdog, and
// programs the hardware timeout. Opening the device starts the
// countdown; close with Close to disarm cleanly.
func OpenLinux(path string) (*Linux, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("watchdog: %w", err)
	}
	secs := int(Timeout.Seconds())
	if err := unix.IoctlSetPointerInt(int(f.Fd()), unix.WDIOC_SETTIMEOUT, secs); err != nil {
		f.Close()
		return nil, fmt.Errorf("watchdog: set timeout: %w", err)
	}
	return &Linux{f: f}, nil
}

func (l *Linux) Feed() error {
	if _, err := unix.IoctlGetInt(int(l.f.Fd()), unix.WDIOC_KEEPALIVE); err != nil {
		return fmt.Errorf("watchdog: keepalive: %w", err)
	}
	return nil
}

// Close disarms the watchdog with the magic close byte and releases
// the device.
func (l *Linux) Close() error {
	if _, err := l.f.Write([]byte{'V'}); err != nil {
		l.f.Close()
		return fmt.Errorf("watchdog: %w", err)
	}
	return l.f.Close()
}
