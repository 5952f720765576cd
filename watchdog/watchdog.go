// Package watchdog aggregates per-task liveness tickets over a single
// hardware watchdog. The hardware is re-armed only once every issued
// ticket has reported since the last re-arm, so one hung task is
// enough to let the device reset.
package watchdog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// Timeout is the hardware watchdog timeout.
	Timeout = 30 * time.Second
	wiggle  = time.Second

	// Deadline is the longest a task may wait between feeds of its
	// ticket. Feed at least this often and the watchdog stays quiet.
	Deadline = Timeout - wiggle

	maxTickets = 64
)

// Feeder re-arms a hardware watchdog.
type Feeder interface {
	Feed() error
}

type Aggregator struct {
	log    *zap.SugaredLogger
	feeder Feeder

	mu    sync.Mutex
	mask  uint64
	count int
}

func New(feeder Feeder, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{log: log, feeder: feeder}
}

// Ticket allocates a liveness ticket. All tickets must be issued
// during bring-up, before steady-state feeding begins; indices are
// never reused. The new ticket is immediately marked fed so that its
// creation cannot starve an aggregate check already in flight.
func (a *Aggregator) Ticket() *Ticket {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == maxTickets {
		panic("watchdog: ticket capacity exceeded")
	}
	t := &Ticket{parent: a, index: a.count}
	a.count++
	a.feed(t.index)
	return t
}

// feed marks index fed and re-arms hardware when every issued ticket
// has reported. Callers hold the lock.
func (a *Aggregator) feed(index int) {
	a.mask |= 1 << index
	all := uint64(1)<<a.count - 1
	if a.mask&all != all {
		return
	}
	a.mask = 0
	if err := a.feeder.Feed(); err != nil {
		a.log.Errorw("hardware feed failed", "error", err)
		return
	}
	a.log.Debugw("all tickets fed, hardware fed")
}

// Ticket is one task's liveness token.
type Ticket struct {
	parent *Aggregator
	index  int
}

// Feed reports the owning task alive.
func (t *Ticket) Feed() {
	a := t.parent
	a.mu.Lock()
	a.feed(t.index)
	a.mu.Unlock()
}
