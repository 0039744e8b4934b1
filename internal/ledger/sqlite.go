package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"meridian/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Ledger = (*SQLiteLedger)(nil)

// SQLiteLedger is a durable append-only Ledger. The sequence number is the
// rowid, so ordering survives restarts.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (or creates) the database at dbPath and bootstraps
// the schema.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS ledger (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type       TEXT NOT NULL,
	order_id         TEXT NOT NULL,
	before_state     TEXT NOT NULL DEFAULT '',
	after_state      TEXT NOT NULL DEFAULT '',
	triggering_event TEXT NOT NULL DEFAULT '',
	risk_decision    TEXT NOT NULL DEFAULT '',
	reason_code      TEXT NOT NULL DEFAULT '',
	detail           TEXT NOT NULL DEFAULT '',
	attempt          INTEGER NOT NULL DEFAULT 0,
	ts_utc           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_order ON ledger(order_id);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Append inserts the event and returns it with the assigned sequence.
func (l *SQLiteLedger) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.TSUTC.IsZero() {
		ev.TSUTC = time.Now().UTC()
	}

	var riskJSON string
	if ev.RiskDecision != nil {
		b, err := json.Marshal(ev.RiskDecision)
		if err != nil {
			return Event{}, fmt.Errorf("encoding risk decision: %w", err)
		}
		riskJSON = string(b)
	}

	res, err := l.db.ExecContext(ctx, `
INSERT INTO ledger (event_type, order_id, before_state, after_state, triggering_event,
	risk_decision, reason_code, detail, attempt, ts_utc)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Type), ev.OrderID, string(ev.Before), string(ev.After),
		string(ev.TriggeringEvent), riskJSON, ev.ReasonCode, ev.Detail, ev.Attempt,
		ev.TSUTC.UnixMilli())
	if err != nil {
		return Event{}, err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return Event{}, err
	}
	ev.Seq = seq
	return ev, nil
}

// Replay visits events in sequence order.
func (l *SQLiteLedger) Replay(ctx context.Context, fn func(Event) error) error {
	rows, err := l.db.QueryContext(ctx, `
SELECT seq, event_type, order_id, before_state, after_state, triggering_event,
	risk_decision, reason_code, detail, attempt, ts_utc
FROM ledger ORDER BY seq`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ev Event
		var evType, before, after, trigger, riskJSON string
		var ts int64
		if err := rows.Scan(&ev.Seq, &evType, &ev.OrderID, &before, &after, &trigger,
			&riskJSON, &ev.ReasonCode, &ev.Detail, &ev.Attempt, &ts); err != nil {
			return err
		}
		ev.Type = EventType(evType)
		ev.Before = domain.OrderState(before)
		ev.After = domain.OrderState(after)
		ev.TriggeringEvent = domain.OrderEvent(trigger)
		ev.TSUTC = time.UnixMilli(ts).UTC()
		if riskJSON != "" {
			var rd domain.RiskDecision
			if err := json.Unmarshal([]byte(riskJSON), &rd); err != nil {
				return fmt.Errorf("decoding risk decision at seq %d: %w", ev.Seq, err)
			}
			ev.RiskDecision = &rd
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}
