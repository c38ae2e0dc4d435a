package config

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Settings is the runtime-mutable subset of configuration. Values are
// immutable once published; readers take one snapshot per cycle.
type Settings struct {
	Threshold     decimal.Decimal `json:"feedInThreshold"`
	Cooldown      time.Duration   `json:"-"`
	Channels      []string        `json:"notificationChannels"`
	CheckInterval string          `json:"checkInterval"`
}

// HasChannel reports whether the named channel is enabled in this snapshot.
func (s Settings) HasChannel(name string) bool {
	for _, ch := range s.Channels {
		if ch == name {
			return true
		}
	}
	return false
}

func (s Settings) clone() Settings {
	channels := make([]string, len(s.Channels))
	copy(channels, s.Channels)
	s.Channels = channels
	return s
}

// Runtime publishes Settings snapshots to concurrent readers.
type Runtime struct {
	current atomic.Pointer[Settings]
}

// NewRuntime seeds a Runtime with an initial snapshot.
func NewRuntime(initial Settings) *Runtime {
	r := &Runtime{}
	r.Store(initial)
	return r
}

// Load returns the current snapshot.
func (r *Runtime) Load() Settings {
	s := r.current.Load()
	if s == nil {
		return Settings{}
	}
	return s.clone()
}

// Store publishes a new snapshot.
func (r *Runtime) Store(s Settings) {
	c := s.clone()
	r.current.Store(&c)
}

// Swap publishes a new snapshot and returns the previous one.
func (r *Runtime) Swap(s Settings) Settings {
	c := s.clone()
	prev := r.current.Swap(&c)
	if prev == nil {
		return Settings{}
	}
	return prev.clone()
}
