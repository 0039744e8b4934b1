package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"meridian/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a durable Store backed by SQLite. Reservation atomicity
// comes from the primary-key constraint: the INSERT that lands first owns
// the key, everyone else reads the existing row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and bootstraps
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers; SQLite handles one writer at
	// a time anyway.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS idempotency (
	key           TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL,
	in_flight     INTEGER NOT NULL,
	state         TEXT NOT NULL DEFAULT '',
	reason_code   TEXT NOT NULL DEFAULT '',
	reason_detail TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping idempotency schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Reserve inserts an in-flight row for key, or returns the existing row.
func (s *SQLiteStore) Reserve(ctx context.Context, key, orderID string) (Record, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO idempotency (key, order_id, in_flight, created_at, updated_at)
VALUES (?, ?, 1, ?, ?)`,
		key, orderID, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Record{}, false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, false, err
	}

	rec, ok, err := s.Get(ctx, key)
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		return Record{}, false, fmt.Errorf("idempotency: record for %q vanished after insert", key)
	}
	return rec, n == 1, nil
}

// Complete records the terminal outcome for key.
func (s *SQLiteStore) Complete(ctx context.Context, key string, outcome Outcome) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE idempotency
SET in_flight = 0, order_id = ?, state = ?, reason_code = ?, reason_detail = ?, updated_at = ?
WHERE key = ?`,
		outcome.OrderID, string(outcome.State), outcome.ReasonCode, outcome.ReasonDetail,
		now.UnixMilli(), key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = s.db.ExecContext(ctx, `
INSERT INTO idempotency (key, order_id, in_flight, state, reason_code, reason_detail, created_at, updated_at)
VALUES (?, ?, 0, ?, ?, ?, ?, ?)`,
			key, outcome.OrderID, string(outcome.State), outcome.ReasonCode, outcome.ReasonDetail,
			now.UnixMilli(), now.UnixMilli())
	}
	return err
}

// Get returns the record for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT key, order_id, in_flight, state, reason_code, reason_detail, created_at, updated_at
FROM idempotency WHERE key = ?`, key)

	var rec Record
	var inFlight int
	var state string
	var createdAt, updatedAt int64
	err := row.Scan(&rec.Key, &rec.OrderID, &inFlight, &state,
		&rec.Outcome.ReasonCode, &rec.Outcome.ReasonDetail, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	rec.InFlight = inFlight == 1
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if !rec.InFlight {
		rec.Outcome.OrderID = rec.OrderID
		rec.Outcome.State = domain.OrderState(state)
	}
	return rec, true, nil
}
