// Package ledger provides the append-only audit trail of every state
// transition and risk decision. Events carry a monotone sequence number and
// the stream is replayable to reconstruct order history exactly.
package ledger

import (
	"context"
	"sync"
	"time"

	"meridian/internal/domain"
)

// EventType classifies a ledger entry.
type EventType string

const (
	TypeStateTransition EventType = "state_transition"
	TypeRiskDecision    EventType = "risk_decision"
	TypeDispatchAttempt EventType = "dispatch_attempt"
)

// Event is one immutable ledger record. Seq is assigned by the ledger on
// append and is strictly increasing within a stream.
type Event struct {
	Seq             int64                `json:"seq"`
	Type            EventType            `json:"event_type"`
	OrderID         string               `json:"order_id"`
	Before          domain.OrderState    `json:"before_state,omitempty"`
	After           domain.OrderState    `json:"after_state,omitempty"`
	TriggeringEvent domain.OrderEvent    `json:"triggering_event,omitempty"`
	RiskDecision    *domain.RiskDecision `json:"risk_decision,omitempty"`
	ReasonCode      string               `json:"reason_code,omitempty"`
	Detail          string               `json:"detail,omitempty"`
	Attempt         int                  `json:"attempt,omitempty"`
	TSUTC           time.Time            `json:"ts_utc"`
}

// Ledger is the append-only contract. Append is safe for concurrent
// writers; Replay visits events in sequence order.
type Ledger interface {
	// Append stores the event, assigning its sequence number and
	// timestamping it if TSUTC is zero. The stored event is returned.
	Append(ctx context.Context, ev Event) (Event, error)

	// Replay calls fn for every event in sequence order, stopping on the
	// first error.
	Replay(ctx context.Context, fn func(Event) error) error
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger is a mutex-guarded Ledger for tests and ephemeral runs.
type MemoryLedger struct {
	mu     sync.Mutex
	events []Event
	seq    int64
}

// NewMemoryLedger returns an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Append stores the event under the next sequence number.
func (l *MemoryLedger) Append(_ context.Context, ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev.Seq = l.seq
	if ev.TSUTC.IsZero() {
		ev.TSUTC = time.Now().UTC()
	}
	l.events = append(l.events, ev)
	return ev, nil
}

// Replay visits every event in order.
func (l *MemoryLedger) Replay(_ context.Context, fn func(Event) error) error {
	l.mu.Lock()
	snapshot := make([]Event, len(l.events))
	copy(snapshot, l.events)
	l.mu.Unlock()

	for _, ev := range snapshot {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// Events returns a copy of the stream. Test helper.
func (l *MemoryLedger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
