// Package history holds the bounded, deduplicated rolling price history.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"feedin-alerts/internal/storage"
)

// Store is an append-at-head sequence capped at a fixed capacity.
// Readers always see a fully applied sequence: mutations build a new slice
// and swap it in, and the durable rewrite happens after the swap.
type Store struct {
	capacity  int
	persister storage.HistoryPersister
	logger    zerolog.Logger

	mu      sync.RWMutex
	records []storage.HistoryRecord

	// serialises append+persist so durable writes land in order
	writeMu sync.Mutex
}

// New constructs a Store. A nil persister keeps history in memory only.
func New(capacity int, persister storage.HistoryPersister, logger zerolog.Logger) *Store {
	if capacity <= 0 {
		capacity = 288
	}
	return &Store{
		capacity:  capacity,
		persister: persister,
		logger:    logger.With().Str("component", "history").Logger(),
	}
}

// Capacity returns the configured maximum length.
func (s *Store) Capacity() int { return s.capacity }

// Load replaces the in-memory sequence with the durable one. Read failures
// are logged and leave an empty history.
func (s *Store) Load(ctx context.Context) []storage.HistoryRecord {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var loaded []storage.HistoryRecord
	if s.persister != nil {
		records, err := s.persister.Load(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to load history, starting empty")
		} else {
			loaded = records
		}
	}
	if len(loaded) > s.capacity {
		loaded = loaded[:s.capacity]
	}

	next := make([]storage.HistoryRecord, len(loaded))
	copy(next, loaded)

	s.mu.Lock()
	s.records = next
	s.mu.Unlock()

	s.logger.Info().Int("records", len(next)).Msg("history loaded")
	return s.Records()
}

// Append inserts rec at the head unless its feed time matches the current
// head. It reports whether the record was kept. Persist failures are logged
// and the in-memory sequence stays authoritative.
func (s *Store) Append(ctx context.Context, rec storage.HistoryRecord) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	current := s.records
	s.mu.RUnlock()

	if len(current) > 0 && current[0].ObservedAt.Equal(rec.ObservedAt) {
		return false
	}

	size := len(current) + 1
	if size > s.capacity {
		size = s.capacity
	}
	next := make([]storage.HistoryRecord, size)
	next[0] = rec
	copy(next[1:], current)

	s.mu.Lock()
	s.records = next
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Save(ctx, next); err != nil {
			s.logger.Error().Err(err).Int("records", len(next)).Msg("failed to persist history")
		}
	}
	return true
}

// Records returns a copy of the whole sequence, newest first.
func (s *Store) Records() []storage.HistoryRecord {
	return s.Recent(0)
}

// Recent returns up to n newest records; n <= 0 returns all.
func (s *Store) Recent(n int) []storage.HistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.records) {
		n = len(s.records)
	}
	out := make([]storage.HistoryRecord, n)
	copy(out, s.records[:n])
	return out
}

// Head returns the most recent record.
func (s *Store) Head() (storage.HistoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return storage.HistoryRecord{}, false
	}
	return s.records[0], true
}

// Len returns the current sequence length.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Range returns records captured within [start, end], newest first.
// A zero bound is open.
func (s *Store) Range(start, end time.Time) []storage.HistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.HistoryRecord, 0)
	for _, rec := range s.records {
		if !start.IsZero() && rec.CapturedAt.Before(start) {
			continue
		}
		if !end.IsZero() && rec.CapturedAt.After(end) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
