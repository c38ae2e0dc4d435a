package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedin-alerts/internal/storage"
)

var base = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func record(i int) storage.HistoryRecord {
	ts := base.Add(time.Duration(i) * 5 * time.Minute)
	return storage.HistoryRecord{
		Price:      decimal.NewFromInt(int64(i)),
		ObservedAt: ts,
		Descriptor: "neutral",
		Renewables: 50,
		CapturedAt: ts.Add(3 * time.Second),
	}
}

type memPersister struct {
	mu      sync.Mutex
	saved   []storage.HistoryRecord
	saves   int
	loadErr error
	saveErr error
}

func (m *memPersister) Load(context.Context) ([]storage.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved, m.loadErr
}

func (m *memPersister) Save(_ context.Context, records []storage.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append([]storage.HistoryRecord(nil), records...)
	return nil
}

func TestAppendDeduplicatesHead(t *testing.T) {
	persister := &memPersister{}
	store := New(10, persister, zerolog.Nop())
	ctx := context.Background()

	require.True(t, store.Append(ctx, record(1)))
	dup := record(1)
	dup.Price = decimal.NewFromInt(99)
	assert.False(t, store.Append(ctx, dup))

	assert.Equal(t, 1, store.Len())
	head, ok := store.Head()
	require.True(t, ok)
	assert.True(t, head.Price.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 1, persister.saves, "a discarded record is not persisted")
}

func TestAppendRespectsCapacity(t *testing.T) {
	store := New(288, nil, zerolog.Nop())
	for i := 0; i < 500; i++ {
		store.Append(context.Background(), record(i))
	}

	records := store.Records()
	require.Len(t, records, 288)
	for i, rec := range records {
		assert.True(t, rec.ObservedAt.Equal(record(499-i).ObservedAt), "index %d", i)
	}
}

func TestRoundTripThroughFreshStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "price-history.json")
	ctx := context.Background()

	first := New(50, storage.NewFileStore(path, 50), zerolog.Nop())
	first.Load(ctx)
	for i := 0; i < 20; i++ {
		first.Append(ctx, record(i))
	}

	second := New(50, storage.NewFileStore(path, 50), zerolog.Nop())
	reloaded := second.Load(ctx)

	want := first.Records()
	require.Len(t, reloaded, len(want))
	for i := range want {
		assert.True(t, want[i].ObservedAt.Equal(reloaded[i].ObservedAt))
		assert.True(t, want[i].CapturedAt.Equal(reloaded[i].CapturedAt))
		assert.True(t, want[i].Price.Equal(reloaded[i].Price))
	}
}

func TestPersistFailureKeepsMemory(t *testing.T) {
	persister := &memPersister{saveErr: errors.New("disk full")}
	store := New(5, persister, zerolog.Nop())

	assert.True(t, store.Append(context.Background(), record(1)))
	assert.True(t, store.Append(context.Background(), record(2)))
	assert.Equal(t, 2, store.Len())
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	store := New(5, &memPersister{loadErr: errors.New("permission denied")}, zerolog.Nop())
	assert.Empty(t, store.Load(context.Background()))
}

func TestLoadTrimsToCapacity(t *testing.T) {
	persister := &memPersister{}
	for i := 9; i >= 0; i-- {
		persister.saved = append(persister.saved, record(i))
	}
	store := New(4, persister, zerolog.Nop())

	loaded := store.Load(context.Background())
	require.Len(t, loaded, 4)
	assert.True(t, loaded[0].ObservedAt.Equal(record(9).ObservedAt))
}

func TestRangeAndRecent(t *testing.T) {
	store := New(100, nil, zerolog.Nop())
	for i := 0; i < 10; i++ {
		store.Append(context.Background(), record(i))
	}

	got := store.Range(record(3).CapturedAt, record(6).CapturedAt)
	require.Len(t, got, 4)
	assert.True(t, got[0].ObservedAt.Equal(record(6).ObservedAt))
	assert.True(t, got[3].ObservedAt.Equal(record(3).ObservedAt))

	assert.Len(t, store.Range(time.Time{}, time.Time{}), 10)
	assert.Len(t, store.Recent(3), 3)
	assert.Len(t, store.Recent(50), 10)
}

func TestRecordsAreCopies(t *testing.T) {
	store := New(10, nil, zerolog.Nop())
	store.Append(context.Background(), record(1))

	out := store.Records()
	out[0].Descriptor = "mutated"

	head, _ := store.Head()
	assert.Equal(t, "neutral", head.Descriptor)
}

func TestConcurrentAppendsAndReads(t *testing.T) {
	store := New(50, &memPersister{}, zerolog.Nop())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				store.Append(context.Background(), record(w*1000+i))
				_ = store.Recent(10)
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, store.Len(), 50)
}
