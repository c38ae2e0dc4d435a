package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createHistorySQL = `CREATE TABLE IF NOT EXISTS price_history (
        position     INTEGER PRIMARY KEY,
        price        NUMERIC NOT NULL,
        nem_time     TIMESTAMPTZ NOT NULL,
        descriptor   TEXT NOT NULL DEFAULT '',
        renewables   DOUBLE PRECISION NOT NULL DEFAULT 0,
        captured_at  TIMESTAMPTZ NOT NULL,
        channel_type TEXT NOT NULL DEFAULT ''
    );`

	listHistorySQL = `SELECT
        price::text,
        nem_time,
        descriptor,
        renewables,
        captured_at,
        channel_type
    FROM price_history
    ORDER BY position
    LIMIT $1;`

	clearHistorySQL = `DELETE FROM price_history;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

var historyColumns = []string{"position", "price", "nem_time", "descriptor", "renewables", "captured_at", "channel_type"}

// PostgresStore keeps the history in PostgreSQL and provides the advisory
// lock used to keep alert cycles single-flight across instances.
type PostgresStore struct {
	pool       *pgxpool.Pool
	maxRecords int
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, maxRecords int) *PostgresStore {
	return &PostgresStore{pool: pool, maxRecords: maxRecords}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the history table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createHistorySQL); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	return nil
}

// Load lists the retained history newest first.
func (s *PostgresStore) Load(ctx context.Context) ([]HistoryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	limit := s.maxRecords
	if limit <= 0 {
		limit = 1 << 20
	}
	rows, queryErr := pool.Query(ctx, listHistorySQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list history: %w", queryErr)
	}
	defer rows.Close()

	records := make([]HistoryRecord, 0)
	for rows.Next() {
		rec, scanErr := scanHistoryRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// Save rewrites the table inside one transaction using COPY.
func (s *PostgresStore) Save(ctx context.Context, records []HistoryRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	records = capRecords(records, s.maxRecords)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, clearHistorySQL); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}

	source := pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
		rec := records[i]
		var price pgtype.Numeric
		if err := price.Scan(rec.Price.String()); err != nil {
			return nil, fmt.Errorf("encode price: %w", err)
		}
		return []any{
			int32(i),
			price,
			rec.ObservedAt,
			rec.Descriptor,
			rec.Renewables,
			rec.CapturedAt,
			rec.ChannelType,
		}, nil
	})
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"price_history"}, historyColumns, source); err != nil {
		return fmt.Errorf("copy history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func scanHistoryRecord(rows pgx.Rows) (HistoryRecord, error) {
	var (
		rec      HistoryRecord
		priceStr string
	)
	if err := rows.Scan(
		&priceStr,
		&rec.ObservedAt,
		&rec.Descriptor,
		&rec.Renewables,
		&rec.CapturedAt,
		&rec.ChannelType,
	); err != nil {
		return HistoryRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("parse price: %w", err)
	}
	rec.Price = price
	return rec, nil
}

var (
	_ HistoryPersister = (*PostgresStore)(nil)
	_ AdvisoryLocker   = (*PostgresStore)(nil)
)
