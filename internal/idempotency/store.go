// Package idempotency guarantees at-most-one effective submission per
// client order key. A reservation wins the right to dispatch; every other
// caller with the same key observes the reservation or its terminal outcome,
// never a second dispatch.
package idempotency

import (
	"context"
	"sync"
	"time"

	"meridian/internal/domain"
)

// Key builds the store key for a client order id, scoped per venue and mode
// so the same client id may be reused across venues or modes.
func Key(venue string, mode domain.Mode, clientOrderID string) string {
	return venue + "/" + string(mode) + "/" + clientOrderID
}

// Outcome is the terminal result recorded for a key.
type Outcome struct {
	OrderID      string           `json:"order_id"`
	State        domain.OrderState `json:"state"`
	ReasonCode   string           `json:"reason_code,omitempty"`
	ReasonDetail string           `json:"reason_detail,omitempty"`
}

// Record is the stored mapping for one key. While InFlight is true the
// owning submission has not completed; Outcome is meaningful only once
// InFlight is false.
type Record struct {
	Key       string
	OrderID   string
	InFlight  bool
	Outcome   Outcome
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the reservation contract. Reserve must be atomic under
// concurrent callers presenting the same key.
type Store interface {
	// Reserve atomically creates an in-flight record owning orderID, or
	// returns the existing record. reserved reports whether this caller
	// won the reservation.
	Reserve(ctx context.Context, key, orderID string) (rec Record, reserved bool, err error)

	// Complete records the terminal outcome for a reserved key. Later
	// Reserve calls short-circuit to this outcome.
	Complete(ctx context.Context, key string, outcome Outcome) error

	// Get returns the record for a key if one exists.
	Get(ctx context.Context, key string) (Record, bool, error)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a mutex-guarded Store for tests and single-process runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Reserve creates an in-flight record or returns the existing one.
func (s *MemoryStore) Reserve(_ context.Context, key, orderID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		return rec, false, nil
	}

	now := time.Now().UTC()
	rec := Record{
		Key:       key,
		OrderID:   orderID,
		InFlight:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[key] = rec
	return rec, true, nil
}

// Complete records the terminal outcome for key.
func (s *MemoryStore) Complete(_ context.Context, key string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		// Completing an unreserved key records the outcome anyway so a
		// crash-recovery path can backfill.
		rec = Record{Key: key, CreatedAt: time.Now().UTC()}
	}
	rec.InFlight = false
	rec.OrderID = outcome.OrderID
	rec.Outcome = outcome
	rec.UpdatedAt = time.Now().UTC()
	s.records[key] = rec
	return nil
}

// Get returns the record for key.
func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}
