package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"meridian/internal/domain"
	"meridian/internal/ledger"
)

// ErrInvalidTransition is returned when an event is not legal in the
// order's current state. The order is left unchanged.
type ErrInvalidTransition struct {
	OrderID string
	From    domain.OrderState
	Event   domain.OrderEvent
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("order %s: event %q not legal in state %q", e.OrderID, e.Event, e.From)
}

// transitions is the full set of legal state changes. Self-loops mark
// events whose redelivery is a no-op rather than an error: adapter
// responses and fill reports may be duplicated by the network layer.
var transitions = map[domain.OrderState]map[domain.OrderEvent]domain.OrderState{
	domain.StateCreated: {
		domain.EventSubmit: domain.StateSubmitted,
		domain.EventReject: domain.StateRejected,
		domain.EventCancel: domain.StateCancelled,
		domain.EventFail:   domain.StateFailed,
	},
	domain.StateSubmitted: {
		domain.EventSubmit:      domain.StateSubmitted,
		domain.EventAcknowledge: domain.StateAcknowledged,
		domain.EventReject:      domain.StateRejected,
		domain.EventCancel:      domain.StateCancelled,
		domain.EventFail:        domain.StateFailed,
	},
	domain.StateAcknowledged: {
		domain.EventAcknowledge: domain.StateAcknowledged,
		domain.EventPartialFill: domain.StatePartiallyFilled,
		domain.EventFill:        domain.StateFilled,
		domain.EventCancel:      domain.StateCancelled,
		domain.EventFail:        domain.StateFailed,
	},
	domain.StatePartiallyFilled: {
		domain.EventPartialFill: domain.StatePartiallyFilled,
		domain.EventFill:        domain.StateFilled,
		domain.EventCancel:      domain.StateCancelled,
		domain.EventFail:        domain.StateFailed,
	},
	// Terminal states admit only redelivery of the event that got
	// them there.
	domain.StateFilled: {
		domain.EventFill: domain.StateFilled,
	},
	domain.StateRejected: {
		domain.EventReject: domain.StateRejected,
	},
	domain.StateCancelled: {
		domain.EventCancel: domain.StateCancelled,
	},
	domain.StateFailed: {
		domain.EventFail: domain.StateFailed,
	},
}

// StateMachine applies lifecycle events to orders and records every
// real transition in the ledger. Callers serialize per order_id.
type StateMachine struct {
	ledger ledger.Ledger
	now    func() time.Time
}

func NewStateMachine(l ledger.Ledger) *StateMachine {
	return &StateMachine{ledger: l, now: func() time.Time { return time.Now().UTC() }}
}

// Transition applies exactly one legal transition in place. Redelivery
// of the event that produced the current state is a no-op: the order is
// untouched and nothing is appended to the ledger. An illegal event
// returns *ErrInvalidTransition with no partial mutation.
func (m *StateMachine) Transition(ctx context.Context, ord *domain.Order, event domain.OrderEvent) error {
	next, ok := transitions[ord.State][event]
	if !ok {
		return &ErrInvalidTransition{OrderID: ord.ID, From: ord.State, Event: event}
	}
	if next == ord.State && event != domain.EventPartialFill {
		// Duplicate delivery.
		return nil
	}

	before := ord.State
	ord.State = next
	ord.UpdatedAt = m.now()

	_, err := m.ledger.Append(ctx, ledger.Event{
		Type:            ledger.TypeStateTransition,
		OrderID:         ord.ID,
		Before:          before,
		After:           next,
		TriggeringEvent: event,
		ReasonCode:      ord.ReasonCode,
		TSUTC:           ord.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("recording transition %s -> %s for order %s: %w", before, next, ord.ID, err)
	}
	return nil
}

// ApplyFill folds an execution report into the order and drives the
// partial_fill / fill event depending on the remaining quantity.
func (m *StateMachine) ApplyFill(ctx context.Context, ord *domain.Order, fill domain.Fill) error {
	if ord.State.Terminal() && ord.State != domain.StateFilled {
		return &ErrInvalidTransition{OrderID: ord.ID, From: ord.State, Event: domain.EventFill}
	}
	if ord.State == domain.StateFilled {
		// Duplicate terminal fill report.
		return nil
	}

	ord.FilledQty = ord.FilledQty.Add(fill.Qty)
	event := domain.EventPartialFill
	if ord.RemainingQty().LessThanOrEqual(decimal.Zero) {
		event = domain.EventFill
	}
	return m.Transition(ctx, ord, event)
}
