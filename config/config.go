// Package config owns the device settings: persistence, hot-reload
// publication, and integration of partial updates.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"slakkotron.dev/internal/pubsub"
	"slakkotron.dev/storage"
)

// Settings is the device configuration applied to the output stage.
type Settings struct {
	VoutMV    uint16 `cbor:"vout_mv" json:"vout_mv"`
	IoutMA    uint16 `cbor:"iout_ma" json:"iout_ma"`
	BackoffMS uint16 `cbor:"backoff_ms" json:"backoff_ms"`
}

// DefaultSettings is the factory configuration.
func DefaultSettings() Settings {
	return Settings{
		VoutMV:    9000,
		IoutMA:    500,
		BackoffMS: 500,
	}
}

// Patch is a partial settings document; nil fields are left unchanged.
type Patch struct {
	VoutMV    *uint16 `json:"vout_mv"`
	IoutMA    *uint16 `json:"iout_ma"`
	BackoffMS *uint16 `json:"backoff_ms"`
}

func (s Settings) integrate(p Patch) Settings {
	if p.VoutMV != nil {
		s.VoutMV = *p.VoutMV
	}
	if p.IoutMA != nil {
		s.IoutMA = *p.IoutMA
	}
	if p.BackoffMS != nil {
		s.BackoffMS = *p.BackoffMS
	}
	return s
}

type Config struct {
	log   *zap.SugaredLogger
	store *storage.Store

	mu       sync.Mutex
	settings Settings

	topic pubsub.Topic[Settings]
}

// Open loads the persisted settings, falling back to defaults.
func Open(store *storage.Store, log *zap.SugaredLogger) (*Config, error) {
	c := &Config{log: log, store: store, settings: DefaultSettings()}
	var s Settings
	ok, err := store.Fetch(storage.KeySettings, &s)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if ok {
		c.settings = s
	}
	return c, nil
}

// Fetch returns the current settings.
func (c *Config) Fetch() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Update applies f to the current settings, persists the result and
// publishes it to all subscribers.
func (c *Config) Update(f func(Settings) Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = f(c.settings)
	if err := c.store.Store(storage.KeySettings, c.settings); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.topic.Publish(c.settings)
	c.log.Infow("settings updated",
		"vout_mv", c.settings.VoutMV,
		"iout_ma", c.settings.IoutMA,
		"backoff_ms", c.settings.BackoffMS)
	return nil
}

// Subscribe returns a single-slot subscription; a new publication
// supersedes an unread one.
func (c *Config) Subscribe() <-chan Settings {
	return c.topic.Subscribe()
}

// PublishCurrent re-announces the current settings to all subscribers.
func (c *Config) PublishCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic.Publish(c.settings)
}

// Watch applies the overrides file at path whenever it changes, until
// ctx is cancelled. The file holds a JSON Patch document; absent
// fields keep their current value. An existing file is applied once on
// startup.
func (c *Config) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer w.Close()
	// Watch the directory: editors and scp replace the file by rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		c.applyFile(path)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c.applyFile(path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warnw("settings watch error", "error", err)
		}
	}
}

func (c *Config) applyFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Warnw("settings file unreadable", "path", path, "error", err)
		return
	}
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Warnw("settings file malformed", "path", path, "error", err)
		return
	}
	if err := c.Update(func(s Settings) Settings { return s.integrate(p) }); err != nil {
		c.log.Errorw("settings apply failed", "error", err)
	}
}
