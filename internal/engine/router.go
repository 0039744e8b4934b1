package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/domain"
	"meridian/internal/idempotency"
	"meridian/internal/ledger"
	"meridian/internal/metrics"
	"meridian/internal/util"
	"meridian/internal/venue"
)

var (
	ErrModeNotAllowed = errors.New("mode not allowed for this deployment")
	ErrUnknownOrder   = errors.New("unknown order")
	ErrShuttingDown   = errors.New("router is shutting down")
)

const (
	reasonRiskBlock           = "risk_block"
	reasonCancelledByShutdown = "cancelled_by_shutdown"
	reasonCancelledByCaller   = "cancelled_by_caller"
	reasonVenueUnavailable    = "venue_unavailable"
	reasonRetriesExhausted    = "retries_exhausted"
)

// SnapshotFunc supplies the current portfolio state. The snapshot is
// owned by an external collaborator; the router only reads it.
type SnapshotFunc func() domain.PortfolioSnapshot

// OrderResult is what a submission returns, whether it ran the full
// pipeline or short-circuited on a prior outcome for the same key.
type OrderResult struct {
	OrderID      string               `json:"order_id"`
	State        domain.OrderState    `json:"state"`
	ReasonCode   string               `json:"reason_code,omitempty"`
	ReasonDetail string               `json:"reason_detail,omitempty"`
	Decision     *domain.RiskDecision `json:"risk_decision,omitempty"`
	// Replayed is set when the result was served from a completed
	// idempotency record without touching risk or the adapter.
	Replayed bool `json:"replayed,omitempty"`
	// InFlight is set when another caller holds the reservation and
	// the outcome is not yet known.
	InFlight bool `json:"in_flight,omitempty"`
}

// RouterConfig carries the knobs the daemon wires from its config file.
type RouterConfig struct {
	AllowedModes    []domain.Mode
	AdapterTimeout  time.Duration
	VenueRatePerMin int
}

// Router orchestrates admission and dispatch: mode guard, idempotency
// reservation, risk evaluation, adapter dispatch with bounded retries,
// state transitions, and ledger/metrics bookkeeping.
type Router struct {
	log      *slog.Logger
	registry *venue.Registry
	idem     idempotency.Store
	gate     *RiskGate
	retry    *RetryPolicy
	machine  *StateMachine
	ledger   ledger.Ledger
	metrics  *metrics.Metrics
	snapshot SnapshotFunc
	limiter  *util.KeyedRateLimiter

	allowed        map[domain.Mode]bool
	adapterTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	orders    map[string]*domain.Order
	locks     map[string]*sync.Mutex
	seenFills map[string]map[string]struct{}
}

func NewRouter(
	log *slog.Logger,
	cfg RouterConfig,
	registry *venue.Registry,
	idem idempotency.Store,
	gate *RiskGate,
	retry *RetryPolicy,
	l ledger.Ledger,
	m *metrics.Metrics,
	snapshot SnapshotFunc,
) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	allowed := make(map[domain.Mode]bool, len(cfg.AllowedModes))
	for _, mode := range cfg.AllowedModes {
		allowed[mode] = true
	}
	timeout := cfg.AdapterTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Router{
		log:            log,
		registry:       registry,
		idem:           idem,
		gate:           gate,
		retry:          retry,
		machine:        NewStateMachine(l),
		ledger:         l,
		metrics:        m,
		snapshot:       snapshot,
		limiter:        util.NewKeyedRateLimiter(cfg.VenueRatePerMin),
		allowed:        allowed,
		adapterTimeout: timeout,
		ctx:            ctx,
		cancel:         cancel,
		orders:         make(map[string]*domain.Order),
		locks:          make(map[string]*sync.Mutex),
		seenFills:      make(map[string]map[string]struct{}),
	}
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// Preview runs validation, the mode guard, and the risk gate against
// the intent without reserving the idempotency key or contacting any
// adapter. Used for dry-run submissions; it applies the same checks a
// real submission would, so its verdict predicts the real outcome.
func (r *Router) Preview(ctx context.Context, intent domain.OrderIntent) (domain.RiskDecision, error) {
	if err := validateIntent(intent); err != nil {
		return domain.RiskDecision{}, err
	}
	if err := r.modeGuard(intent); err != nil {
		return domain.RiskDecision{}, err
	}
	dec := r.gate.Evaluate("", intent, r.snapshot())
	r.metrics.ObserveDecision(nil, dec.Utilization)
	return dec, nil
}

// Submit runs the full pipeline. Per client_order_id (scoped by venue
// and mode), concurrent calls are serialized by the idempotency
// reservation: exactly one caller dispatches to the adapter, and a
// completed outcome is replayed verbatim to later callers.
func (r *Router) Submit(ctx context.Context, intent domain.OrderIntent) (OrderResult, error) {
	select {
	case <-r.ctx.Done():
		return OrderResult{}, ErrShuttingDown
	default:
	}

	if err := validateIntent(intent); err != nil {
		return OrderResult{}, err
	}
	if err := r.modeGuard(intent); err != nil {
		return OrderResult{}, err
	}

	key := idempotency.Key(intent.Venue, intent.Mode, intent.ClientOrderID)
	orderID := uuid.NewString()
	rec, reserved, err := r.idem.Reserve(ctx, key, orderID)
	if err != nil {
		return OrderResult{}, fmt.Errorf("reserving %s: %w", key, err)
	}
	if !reserved {
		if rec.InFlight {
			return OrderResult{OrderID: rec.OrderID, InFlight: true}, nil
		}
		return OrderResult{
			OrderID:      rec.Outcome.OrderID,
			State:        rec.Outcome.State,
			ReasonCode:   rec.Outcome.ReasonCode,
			ReasonDetail: rec.Outcome.ReasonDetail,
			Replayed:     true,
		}, nil
	}

	r.wg.Add(1)
	defer r.wg.Done()

	ord := r.createOrder(orderID, intent)
	lock := r.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	res, err := r.admit(ctx, ord, intent, key)
	if err != nil {
		return res, err
	}
	return res, nil
}

// admit runs risk evaluation and dispatch for a freshly reserved order.
// The idempotency record for key is completed on every path out.
func (r *Router) admit(ctx context.Context, ord *domain.Order, intent domain.OrderIntent, key string) (OrderResult, error) {
	if err := r.machine.Transition(ctx, ord, domain.EventSubmit); err != nil {
		return r.failOrder(ctx, ord, key, "internal", err.Error()), err
	}
	r.metrics.OrdersSubmitted.Inc()

	dec := r.gate.Evaluate(ord.ID, intent, r.snapshot())
	r.recordDecision(ctx, &dec)
	if dec.Blocked() {
		ord.ReasonCode = reasonRiskBlock
		ord.ReasonDetail = strings.Join(dec.BlockedBy, ",")
		if err := r.machine.Transition(ctx, ord, domain.EventReject); err != nil {
			r.log.Error("reject transition failed", "order_id", ord.ID, "error", err)
		}
		r.metrics.OrdersRejected.Inc()
		r.complete(ctx, key, ord)
		r.log.Warn("order blocked by risk gate",
			"order_id", ord.ID, "symbol", ord.Symbol, "blocked_by", dec.BlockedBy)
		res := r.result(ord)
		res.Decision = &dec
		return res, nil
	}

	adapter, err := r.registry.Resolve(intent.Venue, intent.Mode)
	if err != nil {
		res := r.failOrder(ctx, ord, key, reasonVenueUnavailable, err.Error())
		return res, err
	}

	res, err := r.dispatch(ctx, adapter, ord, key)
	if err != nil {
		return res, err
	}
	res.Decision = &dec
	return res, nil
}

// dispatch drives place_order with bounded retries. Risk is not
// re-evaluated on retry: the reservation pinned the admission decision.
func (r *Router) dispatch(ctx context.Context, adapter venue.Adapter, ord *domain.Order, key string) (OrderResult, error) {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		if err := r.limiter.Wait(ctx, ord.Venue); err != nil {
			return r.failOrder(ctx, ord, key, reasonCancelledByCaller, err.Error()), err
		}

		callCtx, cancel := context.WithTimeout(ctx, r.adapterTimeout)
		ack, err := adapter.PlaceOrder(callCtx, *ord)
		cancel()

		r.recordAttempt(ctx, ord.ID, attempt, err)

		if err == nil {
			ord.VenueOrderRef = ack.OrderRef
			if terr := r.machine.Transition(ctx, ord, domain.EventAcknowledge); terr != nil {
				return r.failOrder(ctx, ord, key, "internal", terr.Error()), terr
			}
			r.metrics.OrdersAcknowledged.Inc()
			r.complete(ctx, key, ord)
			r.log.Info("order acknowledged",
				"order_id", ord.ID, "venue", ord.Venue, "ref", ack.OrderRef, "attempts", attempt)
			return r.result(ord), nil
		}

		decision := r.retry.Next(attempt, time.Since(start), err)
		if !decision.Retry {
			code := reasonRetriesExhausted
			var aerr *venue.AdapterError
			switch {
			case errors.As(err, &aerr) && !aerr.Retryable:
				code = aerr.Code
			case errors.Is(err, context.Canceled):
				code = reasonCancelledByShutdown
				if r.ctx.Err() == nil {
					code = reasonCancelledByCaller
				}
			}
			res := r.failOrder(ctx, ord, key, code, err.Error())
			r.metrics.OrdersFailed.Inc()
			return res, err
		}

		r.metrics.AdapterRetries.Inc()
		r.log.Warn("dispatch failed, retrying",
			"order_id", ord.ID, "attempt", attempt, "after", decision.After, "error", err)

		timer := time.NewTimer(decision.After)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			res := r.failOrder(ctx, ord, key, reasonCancelledByCaller, ctx.Err().Error())
			return res, ctx.Err()
		case <-r.ctx.Done():
			timer.Stop()
			res := r.failOrder(ctx, ord, key, reasonCancelledByShutdown, "shutdown")
			return res, ErrShuttingDown
		}
	}
}

// ---------------------------------------------------------------------------
// Fills and cancellation
// ---------------------------------------------------------------------------

// HandleFill folds an adapter fill report into its order. Venues may
// replay old reports: unknown order references are logged and dropped,
// and a fill_id already folded in is ignored so the quantity is never
// double-counted.
func (r *Router) HandleFill(fill domain.Fill) {
	ord, ok := r.lookupOrder(fill.OrderID)
	if !ok {
		r.log.Warn("fill for unknown order", "order_id", fill.OrderID)
		return
	}
	lock := r.orderLock(ord.ID)
	lock.Lock()
	defer lock.Unlock()

	if fill.ID != "" && r.duplicateFill(ord.ID, fill.ID) {
		r.log.Warn("duplicate fill report dropped", "order_id", ord.ID, "fill_id", fill.ID)
		return
	}

	before := ord.State
	if err := r.machine.ApplyFill(r.ctx, ord, fill); err != nil {
		r.log.Error("fill rejected by state machine", "order_id", ord.ID, "error", err)
		return
	}
	if ord.State == domain.StateFilled && before != domain.StateFilled {
		r.metrics.OrdersFilled.Inc()
	}
}

// CancelOrder cancels a single order at its venue and transitions it
// locally.
func (r *Router) CancelOrder(ctx context.Context, orderID string) error {
	ord, ok := r.lookupOrder(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	lock := r.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	if ord.State.Terminal() {
		return fmt.Errorf("order %s already terminal in %s", orderID, ord.State)
	}

	adapter, err := r.registry.Resolve(ord.Venue, ord.Mode)
	if err != nil {
		return err
	}
	if !adapter.Capability().Supports(venue.OpCancelOrder) {
		return fmt.Errorf("venue %s: %w", ord.Venue, venue.ErrOpUnsupported)
	}
	if ord.VenueOrderRef != "" {
		if err := adapter.CancelOrder(ctx, ord.VenueOrderRef); err != nil {
			return fmt.Errorf("cancelling %s at %s: %w", orderID, ord.Venue, err)
		}
	}
	ord.ReasonCode = "cancelled"
	return r.machine.Transition(ctx, ord, domain.EventCancel)
}

// CancelAll cancels every open order at a venue, optionally narrowed to
// one symbol, and transitions the matching local orders. It returns the
// venue-reported count.
func (r *Router) CancelAll(ctx context.Context, venueName string, mode domain.Mode, symbol string) (int, error) {
	adapter, err := r.registry.Resolve(venueName, mode)
	if err != nil {
		return 0, err
	}
	if !adapter.Capability().Supports(venue.OpCancelAll) {
		return 0, fmt.Errorf("venue %s: %w", venueName, venue.ErrOpUnsupported)
	}
	n, err := adapter.CancelAll(ctx, venue.CancelScope{Symbol: symbol, Mode: mode})
	if err != nil {
		return n, fmt.Errorf("cancel-all at %s: %w", venueName, err)
	}

	for _, ord := range r.openOrders(venueName, mode, symbol) {
		lock := r.orderLock(ord.ID)
		lock.Lock()
		if !ord.State.Terminal() {
			ord.ReasonCode = "cancelled"
			if terr := r.machine.Transition(ctx, ord, domain.EventCancel); terr != nil {
				r.log.Error("cancel transition failed", "order_id", ord.ID, "error", terr)
			}
		}
		lock.Unlock()
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Lifecycle and queries
// ---------------------------------------------------------------------------

// Shutdown cancels in-flight retries and waits for every reserved key
// to be completed. Pending orders land in FAILED with
// reason_code=cancelled_by_shutdown rather than dangling.
func (r *Router) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// Order returns a copy of the order, if known.
func (r *Router) Order(orderID string) (domain.Order, bool) {
	ord, ok := r.lookupOrder(orderID)
	if !ok {
		return domain.Order{}, false
	}
	lock := r.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()
	return *ord, true
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func validateIntent(intent domain.OrderIntent) error {
	switch {
	case intent.ClientOrderID == "":
		return errors.New("client_order_id is required")
	case intent.Symbol == "":
		return errors.New("symbol is required")
	case !intent.Qty.IsPositive():
		return errors.New("qty must be positive")
	case intent.Venue == "":
		return errors.New("venue is required")
	case intent.Type == domain.OrderTypeLimit && !intent.LimitPrice.IsPositive():
		return errors.New("limit orders require a positive limit_price")
	}
	return nil
}

func (r *Router) modeGuard(intent domain.OrderIntent) error {
	if !intent.Mode.Valid() || !r.allowed[intent.Mode] {
		return fmt.Errorf("%w: %q", ErrModeNotAllowed, intent.Mode)
	}
	return nil
}

func (r *Router) createOrder(orderID string, intent domain.OrderIntent) *domain.Order {
	now := time.Now().UTC()
	ord := &domain.Order{
		ID:            orderID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Qty:           intent.Qty,
		Type:          intent.Type,
		LimitPrice:    intent.LimitPrice,
		MarkPrice:     intent.MarkPrice,
		State:         domain.StateCreated,
		Venue:         intent.Venue,
		Mode:          intent.Mode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.mu.Lock()
	r.orders[orderID] = ord
	r.mu.Unlock()
	return ord
}

func (r *Router) lookupOrder(orderID string) (*domain.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ord, ok := r.orders[orderID]
	return ord, ok
}

func (r *Router) openOrders(venueName string, mode domain.Mode, symbol string) []*domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, ord := range r.orders {
		if ord.Venue != venueName || ord.Mode != mode {
			continue
		}
		if symbol != "" && ord.Symbol != symbol {
			continue
		}
		out = append(out, ord)
	}
	return out
}

// duplicateFill records the fill id for the order and reports whether it
// was already seen.
func (r *Router) duplicateFill(orderID, fillID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen, ok := r.seenFills[orderID]
	if !ok {
		seen = make(map[string]struct{})
		r.seenFills[orderID] = seen
	}
	if _, dup := seen[fillID]; dup {
		return true
	}
	seen[fillID] = struct{}{}
	return false
}

func (r *Router) orderLock(orderID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[orderID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[orderID] = lock
	}
	return lock
}

func (r *Router) recordDecision(ctx context.Context, dec *domain.RiskDecision) {
	r.metrics.ObserveDecision(dec.BlockedBy, dec.Utilization)
	if _, err := r.ledger.Append(ctx, ledger.Event{
		Type:         ledger.TypeRiskDecision,
		OrderID:      dec.OrderID,
		RiskDecision: dec,
		TSUTC:        time.Now().UTC(),
	}); err != nil {
		r.log.Error("recording risk decision", "order_id", dec.OrderID, "error", err)
	}
}

func (r *Router) recordAttempt(ctx context.Context, orderID string, attempt int, dispatchErr error) {
	detail := ""
	if dispatchErr != nil {
		detail = dispatchErr.Error()
	}
	if _, err := r.ledger.Append(ctx, ledger.Event{
		Type:    ledger.TypeDispatchAttempt,
		OrderID: orderID,
		Attempt: attempt,
		Detail:  detail,
		TSUTC:   time.Now().UTC(),
	}); err != nil {
		r.log.Error("recording dispatch attempt", "order_id", orderID, "error", err)
	}
}

// failOrder transitions the order to FAILED (or records the reason on a
// reject path), completes the idempotency record, and builds the result.
func (r *Router) failOrder(ctx context.Context, ord *domain.Order, key, code, detail string) OrderResult {
	if ctx.Err() != nil {
		// Shutdown or caller cancellation must still record the
		// outcome and release the key.
		ctx = context.Background()
	}
	ord.ReasonCode = code
	ord.ReasonDetail = detail
	if err := r.machine.Transition(ctx, ord, domain.EventFail); err != nil {
		r.log.Error("fail transition", "order_id", ord.ID, "error", err)
	}
	r.complete(ctx, key, ord)
	return r.result(ord)
}

// complete writes the terminal outcome for the reserved key. Uses the
// router's own lifetime as a fallback context so shutdown cancellation
// never leaves a key dangling in-flight.
func (r *Router) complete(ctx context.Context, key string, ord *domain.Order) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	outcome := idempotency.Outcome{
		OrderID:      ord.ID,
		State:        ord.State,
		ReasonCode:   ord.ReasonCode,
		ReasonDetail: ord.ReasonDetail,
	}
	if err := r.idem.Complete(ctx, key, outcome); err != nil {
		r.log.Error("completing idempotency record", "key", key, "error", err)
	}
}

func (r *Router) result(ord *domain.Order) OrderResult {
	return OrderResult{
		OrderID:      ord.ID,
		State:        ord.State,
		ReasonCode:   ord.ReasonCode,
		ReasonDetail: ord.ReasonDetail,
	}
}
