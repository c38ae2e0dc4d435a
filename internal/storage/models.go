package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// HistoryRecord is one retained price observation. The JSON names match the
// history file written by earlier releases.
type HistoryRecord struct {
	Price       decimal.Decimal `json:"price"`
	ObservedAt  time.Time       `json:"nemTime"`
	Descriptor  string          `json:"descriptor"`
	Renewables  float64         `json:"renewables"`
	CapturedAt  time.Time       `json:"timestamp"`
	ChannelType string          `json:"channelType,omitempty"`
}

// HistoryPersister loads and fully rewrites the durable history, newest first.
type HistoryPersister interface {
	Load(ctx context.Context) ([]HistoryRecord, error)
	Save(ctx context.Context, records []HistoryRecord) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

func capRecords(records []HistoryRecord, max int) []HistoryRecord {
	if max > 0 && len(records) > max {
		return records[:max]
	}
	return records
}
