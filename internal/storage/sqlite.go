package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS price_history (
	position     INTEGER PRIMARY KEY,
	price        TEXT NOT NULL,
	nem_time     TEXT NOT NULL,
	descriptor   TEXT NOT NULL DEFAULT '',
	renewables   REAL NOT NULL DEFAULT 0,
	captured_at  TEXT NOT NULL,
	channel_type TEXT NOT NULL DEFAULT ''
);`

// SQLiteStore keeps the history in a local SQLite database.
type SQLiteStore struct {
	db         *sql.DB
	maxRecords int
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string, maxRecords int) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, maxRecords: maxRecords}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns all records newest first.
func (s *SQLiteStore) Load(ctx context.Context) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT price, nem_time, descriptor, renewables, captured_at, channel_type
		 FROM price_history ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var (
			rec                     HistoryRecord
			price, nemTime, capture string
		)
		if err := rows.Scan(&price, &nemTime, &rec.Descriptor, &rec.Renewables, &capture, &rec.ChannelType); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if rec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if rec.ObservedAt, err = time.Parse(time.RFC3339Nano, nemTime); err != nil {
			return nil, fmt.Errorf("parse nem time: %w", err)
		}
		if rec.CapturedAt, err = time.Parse(time.RFC3339Nano, capture); err != nil {
			return nil, fmt.Errorf("parse captured at: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return capRecords(records, s.maxRecords), nil
}

// Save replaces the table contents in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, records []HistoryRecord) error {
	records = capRecords(records, s.maxRecords)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM price_history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO price_history (position, price, nem_time, descriptor, renewables, captured_at, channel_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		if _, err := stmt.ExecContext(ctx, i, rec.Price.String(),
			rec.ObservedAt.Format(time.RFC3339Nano), rec.Descriptor, rec.Renewables,
			rec.CapturedAt.Format(time.RFC3339Nano), rec.ChannelType); err != nil {
			return fmt.Errorf("insert history row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

var _ HistoryPersister = (*SQLiteStore)(nil)
