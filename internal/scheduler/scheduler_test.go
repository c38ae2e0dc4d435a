package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustInterval(t *testing.T, d time.Duration) Spec {
	t.Helper()
	spec, err := IntervalSpec(d)
	require.NoError(t, err)
	return spec
}

func TestNewRejectsZeroSpec(t *testing.T) {
	_, err := New(Spec{}, func(context.Context, time.Time) error { return nil }, Options{}, zerolog.Nop())
	var invalid *InvalidScheduleError
	assert.True(t, errors.As(err, &invalid))
}

func TestIntervalTicksAndStops(t *testing.T) {
	var ticks atomic.Int32
	s, err := New(mustInterval(t, 10*time.Millisecond), func(context.Context, time.Time) error {
		ticks.Add(1)
		return nil
	}, Options{}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())

	// allow a tick that was already firing to finish
	time.Sleep(20 * time.Millisecond)
	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no ticks expected after Stop")
}

func TestCycleErrorsDoNotStopScheduler(t *testing.T) {
	var ticks atomic.Int32
	s, err := New(mustInterval(t, 5*time.Millisecond), func(context.Context, time.Time) error {
		n := ticks.Add(1)
		if n == 1 {
			panic("first cycle explodes")
		}
		return errors.New("upstream down")
	}, Options{}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.IsRunning())
}

func TestRunOnceReturnsCycleError(t *testing.T) {
	boom := errors.New("boom")
	s, err := New(mustInterval(t, time.Hour), func(context.Context, time.Time) error { return boom }, Options{}, zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, s.RunOnce(context.Background()), boom)
	assert.False(t, s.IsRunning(), "RunOnce must not start the schedule")
}

func TestRunOnceSkipsWhileCycleInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	s, err := New(mustInterval(t, time.Hour), func(context.Context, time.Time) error {
		close(entered)
		<-release
		return nil
	}, Options{}, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.RunOnce(context.Background()) }()
	<-entered

	assert.ErrorIs(t, s.RunOnce(context.Background()), ErrCycleInProgress)

	close(release)
	assert.NoError(t, <-done)
}

func TestStopDoesNotCancelInFlightCycle(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	result := make(chan error, 1)
	var once atomic.Bool

	s, err := New(mustInterval(t, 5*time.Millisecond), func(ctx context.Context, _ time.Time) error {
		if !once.CompareAndSwap(false, true) {
			return nil
		}
		close(entered)
		<-release
		result <- ctx.Err()
		return nil
	}, Options{}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	<-entered
	s.Stop()
	close(release)

	select {
	case ctxErr := <-result:
		assert.NoError(t, ctxErr, "in-flight cycle context must survive Stop")
	case <-time.After(time.Second):
		t.Fatal("cycle did not complete")
	}
}

func TestCalendarScheduleFires(t *testing.T) {
	spec, err := CalendarSpec("* * * * * *", "UTC")
	require.NoError(t, err)

	var ticks atomic.Int32
	s, err := New(spec, func(context.Context, time.Time) error {
		ticks.Add(1)
		return nil
	}, Options{}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return ticks.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestAlignedNextTick(t *testing.T) {
	s, err := New(mustInterval(t, 5*time.Minute), func(context.Context, time.Time) error { return nil }, Options{AlignToStart: true}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 10, 2, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC), s.bucketStart(time.Date(2025, 1, 1, 10, 5, 0, 10, time.UTC)))
}
