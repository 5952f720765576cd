// Package stats publishes periodic device status snapshots.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"slakkotron.dev/internal/pubsub"
	"slakkotron.dev/power"
)

const interval = 10 * time.Second

// Data is one status snapshot.
type Data struct {
	UptimeSecs uint64 `cbor:"uptime_secs" json:"uptime_secs"`
	VoutState  string `cbor:"vout_state" json:"vout_state"`
}

// StateSource reports the output power state.
type StateSource interface {
	State() power.State
}

type Stats struct {
	clk    clock.Clock
	source StateSource
	boot   time.Time

	mu     sync.Mutex
	latest Data

	topic pubsub.Topic[Data]
}

func New(source StateSource, clk clock.Clock) *Stats {
	return &Stats{clk: clk, source: source, boot: clk.Now()}
}

// Run publishes a snapshot every interval until ctx is cancelled.
func (s *Stats) Run(ctx context.Context) {
	t := s.clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.publish(s.clk.Now())
	}
}

func (s *Stats) publish(now time.Time) {
	d := Data{
		UptimeSecs: uint64(now.Sub(s.boot) / time.Second),
		VoutState:  s.source.State().String(),
	}
	s.mu.Lock()
	s.latest = d
	s.mu.Unlock()
	s.topic.Publish(d)
}

// Latest returns the most recent snapshot.
func (s *Stats) Latest() Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Subscribe returns a single-slot snapshot subscription.
func (s *Stats) Subscribe() <-chan Data {
	return s.topic.Subscribe()
}
