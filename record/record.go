// Package record accumulates persistent device metrics. Writes to the
// backing store are debounced to limit wear.
package record

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"slakkotron.dev/internal/pubsub"
	"slakkotron.dev/storage"
)

const syncDelay = 10 * time.Second

// Data is the persisted metrics record.
type Data struct {
	OvercurrentCount uint64 `cbor:"overcurrent_count" json:"overcurrent_count"`
	OvercurrentSecs  uint64 `cbor:"overcurrent_secs" json:"overcurrent_secs"`
}

type Record struct {
	log   *zap.SugaredLogger
	store *storage.Store
	clk   clock.Clock

	mu        sync.Mutex
	data      Data
	syncTimer *clock.Timer

	topic pubsub.Topic[Data]
}

// Open loads the persisted metrics.
func Open(store *storage.Store, clk clock.Clock, log *zap.SugaredLogger) (*Record, error) {
	r := &Record{log: log, store: store, clk: clk}
	if _, err := store.Fetch(storage.KeyRecord, &r.data); err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	return r, nil
}

// LogOvercurrent records one completed overcurrent episode.
func (r *Record) LogOvercurrent(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.OvercurrentCount++
	r.data.OvercurrentSecs += uint64(d / time.Second)
	r.log.Infow("overcurrent episode recorded",
		"duration", d,
		"count", r.data.OvercurrentCount)
	r.topic.Publish(r.data)
	// Debounce the flash write; the timer is armed once per burst.
	if r.syncTimer == nil {
		r.syncTimer = r.clk.AfterFunc(syncDelay, r.sync)
	}
}

func (r *Record) sync() {
	r.mu.Lock()
	r.syncTimer = nil
	data := r.data
	r.mu.Unlock()
	if err := r.store.Store(storage.KeyRecord, data); err != nil {
		r.log.Errorw("metrics sync failed", "error", err)
		return
	}
	r.log.Debugw("metrics synced")
}

// Data returns the current metrics.
func (r *Record) Data() Data {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// Subscribe returns a single-slot metrics subscription.
func (r *Record) Subscribe() <-chan Data {
	return r.topic.Subscribe()
}

// PublishCurrent re-announces the current metrics to all subscribers.
func (r *Record) PublishCurrent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topic.Publish(r.data)
}
