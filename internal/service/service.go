package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"feedin-alerts/internal/alerting"
	"feedin-alerts/internal/fetcher"
	"feedin-alerts/internal/storage"
)

// Evaluator decides whether the current price warrants an alert.
type Evaluator interface {
	Evaluate(ctx context.Context) (*alerting.Alert, error)
}

// Notifier delivers an alert to the enabled channels.
type Notifier interface {
	Notify(ctx context.Context, alert alerting.Alert) alerting.DeliveryReport
}

// Result summarises one alert cycle.
type Result struct {
	Tick    time.Time
	Skipped bool
	Alert   *alerting.Alert
	Report  alerting.DeliveryReport
}

// Monitor runs the fetch, detect and notify cycle.
type Monitor struct {
	detector Evaluator
	notifier Notifier
	locker   storage.AdvisoryLocker
	lockKey  int64
	logger   zerolog.Logger
}

// New constructs the monitor. locker may be nil; lockKey 0 disables locking.
func New(detector Evaluator, notifier Notifier, locker storage.AdvisoryLocker, lockKey int64, logger zerolog.Logger) *Monitor {
	return &Monitor{
		detector: detector,
		notifier: notifier,
		locker:   locker,
		lockKey:  lockKey,
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// Tick adapts CheckPrices to the scheduler callback.
func (m *Monitor) Tick(ctx context.Context, tick time.Time) error {
	_, err := m.CheckPrices(ctx, tick)
	return err
}

// CheckPrices executes one cycle. A missing active site is logged and reported
// as nothing to do; other fetch errors are returned to the scheduler.
func (m *Monitor) CheckPrices(ctx context.Context, tick time.Time) (Result, error) {
	result := Result{Tick: tick}

	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return result, err
	}
	if !proceed {
		m.logger.Debug().Time("tick", tick).Msg("skip cycle because advisory lock held elsewhere")
		result.Skipped = true
		return result, nil
	}
	if unlock != nil {
		defer unlock()
	}

	alert, err := m.detector.Evaluate(ctx)
	if errors.Is(err, fetcher.ErrNoActiveSite) {
		m.logger.Warn().Time("tick", tick).Msg("no active site on account, nothing to check")
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("evaluate prices: %w", err)
	}
	if alert == nil {
		m.logger.Debug().Time("tick", tick).Msg("no alert this cycle")
		return result, nil
	}

	result.Alert = alert
	result.Report = m.notifier.Notify(ctx, *alert)
	m.logger.Info().Time("tick", tick).
		Str("alert_id", alert.ID).
		Int("delivered", len(result.Report.Succeeded)).
		Int("failed", len(result.Report.Failed)).
		Msg("alert dispatched")
	return result, nil
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.lockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
