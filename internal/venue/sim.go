package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"meridian/internal/domain"
)

// Compile-time interface check.
var _ Adapter = (*SimAdapter)(nil)

// SimAdapter is an in-memory simulated venue for shadow and paper trading.
// It acknowledges immediately and emits synthetic fills through the OnFill
// callback without making external calls.
type SimAdapter struct {
	// OnFill receives synthetic execution reports. Set before first use.
	OnFill func(domain.Fill)
	// FillParts splits each order into this many equal fills (default 1).
	FillParts int
	// FillDelay postpones fill emission after the ack.
	FillDelay time.Duration

	mu   sync.Mutex
	open map[string]simOrder // orderRef → order
}

type simOrder struct {
	ord domain.Order
}

// NewSimAdapter creates a SimAdapter with empty order state.
func NewSimAdapter() *SimAdapter {
	return &SimAdapter{
		FillParts: 1,
		open:      make(map[string]simOrder),
	}
}

// Name returns "sim".
func (s *SimAdapter) Name() string { return "sim" }

// Capability declares every operation for shadow and paper. The simulator
// never supports live.
func (s *SimAdapter) Capability() Capability {
	return Capability{
		SupportsLive: false,
		Ops: map[Op]bool{
			OpPlaceOrder:  true,
			OpCancelOrder: true,
			OpCancelAll:   true,
			OpBatchCancel: true,
		},
		Modes: []domain.Mode{domain.ModeShadow, domain.ModePaper},
	}
}

// PlaceOrder records the order, acknowledges it, and schedules synthetic
// fills for the full quantity.
func (s *SimAdapter) PlaceOrder(ctx context.Context, ord domain.Order) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, &AdapterError{Venue: s.Name(), Code: CodeTimeout, Retryable: true, Err: err}
	}

	ref := "sim-" + ord.ClientOrderID

	s.mu.Lock()
	s.open[ref] = simOrder{ord: ord}
	s.mu.Unlock()

	if s.OnFill != nil {
		go s.emitFills(ref)
	}

	return Ack{OrderRef: ref, AckTS: time.Now().UTC()}, nil
}

// emitFills produces FillParts equal fills for the order unless it was
// cancelled first.
func (s *SimAdapter) emitFills(ref string) {
	if s.FillDelay > 0 {
		time.Sleep(s.FillDelay)
	}

	s.mu.Lock()
	ord, ok := s.open[ref]
	if ok {
		delete(s.open, ref)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	parts := s.FillParts
	if parts < 1 {
		parts = 1
	}
	per := ord.ord.Qty.Div(decimal.NewFromInt(int64(parts)))
	remaining := ord.ord.Qty
	price := ord.ord.LimitPrice
	if price.IsZero() {
		price = ord.ord.MarkPrice
	}

	for i := 0; i < parts; i++ {
		qty := per
		if i == parts-1 {
			qty = remaining // last fill absorbs division remainder
		}
		remaining = remaining.Sub(qty)
		s.OnFill(domain.Fill{
			ID:          uuid.New().String(),
			OrderID:     ord.ord.ID,
			Side:        ord.ord.Side,
			Qty:         qty,
			Price:       price,
			Fee:         decimal.Zero,
			FeeCurrency: "USD",
			TSUTC:       time.Now().UTC(),
		})
	}
}

// CancelOrder removes an open order. Cancelling an unknown or already-filled
// reference is a non-retryable error.
func (s *SimAdapter) CancelOrder(_ context.Context, orderRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[orderRef]; !ok {
		return &AdapterError{
			Venue: s.Name(), Code: CodeUnsupported, Retryable: false,
			Err: fmt.Errorf("unknown order ref %q", orderRef),
		}
	}
	delete(s.open, orderRef)
	return nil
}

// CancelAll removes every open order in scope and returns the count.
func (s *SimAdapter) CancelAll(_ context.Context, scope CancelScope) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for ref, ord := range s.open {
		if scope.Symbol != "" && ord.ord.Symbol != scope.Symbol {
			continue
		}
		if scope.Mode != "" && ord.ord.Mode != scope.Mode {
			continue
		}
		delete(s.open, ref)
		n++
	}
	return n, nil
}

// BatchCancel cancels each reference, reporting per-ref outcomes.
func (s *SimAdapter) BatchCancel(ctx context.Context, orderRefs []string) []CancelResult {
	results := make([]CancelResult, 0, len(orderRefs))
	for _, ref := range orderRefs {
		results = append(results, CancelResult{OrderRef: ref, Err: s.CancelOrder(ctx, ref)})
	}
	return results
}

// OpenOrders returns the number of orders awaiting fills.
func (s *SimAdapter) OpenOrders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}
