// Package domain defines the core types shared across the execution engine:
// orders, fills, trading intents, risk limits, and risk decisions.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Modes
// ---------------------------------------------------------------------------

// Mode identifies the deployment mode an order targets. Shadow and paper
// never reach a real venue; live requires the explicit live-enable flag AND
// an adapter that declares live support.
type Mode string

const (
	ModeShadow Mode = "shadow"
	ModePaper  Mode = "paper"
	ModeLive   Mode = "live"
)

// Valid reports whether m is a recognised mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeShadow, ModePaper, ModeLive:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Order primitives
// ---------------------------------------------------------------------------

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the execution style requested for an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderState is a point in the order lifecycle.
type OrderState string

const (
	StateCreated         OrderState = "CREATED"
	StateSubmitted       OrderState = "SUBMITTED"
	StateAcknowledged    OrderState = "ACKNOWLEDGED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateRejected        OrderState = "REJECTED"
	StateCancelled       OrderState = "CANCELLED"
	StateFailed          OrderState = "FAILED"
)

// Terminal reports whether no further transition is legal from s.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateRejected, StateCancelled, StateFailed:
		return true
	}
	return false
}

// OrderEvent triggers a state transition.
type OrderEvent string

const (
	EventSubmit      OrderEvent = "submit"
	EventAcknowledge OrderEvent = "acknowledge"
	EventPartialFill OrderEvent = "partial_fill"
	EventFill        OrderEvent = "fill"
	EventReject      OrderEvent = "reject"
	EventCancel      OrderEvent = "cancel"
	EventFail        OrderEvent = "fail"
)

// ---------------------------------------------------------------------------
// Order, Fill, OrderIntent
// ---------------------------------------------------------------------------

// Order is one trading intent on its way to (or back from) a venue. It is
// created by the router and mutated only through state machine transitions.
type Order struct {
	ID            string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	Type          OrderType       `json:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	State         OrderState      `json:"state"`
	Venue         string          `json:"venue"`
	Mode          Mode            `json:"mode"`
	VenueOrderRef string          `json:"venue_order_ref,omitempty"`
	ReasonCode    string          `json:"reason_code,omitempty"`
	ReasonDetail  string          `json:"reason_detail,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RemainingQty returns the unfilled portion of the order.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Fill is a partial or complete execution report for an order. Immutable
// once recorded.
type Fill struct {
	ID          string          `json:"fill_id"`
	OrderID     string          `json:"order_id"`
	Side        Side            `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"fee_currency"`
	TSUTC       time.Time       `json:"ts_utc"`
}

// OrderIntent is the typed request constructed once at the router boundary
// and passed through the pipeline. ReceivedAt is stamped on receipt and is
// the time reference for snapshot freshness checks.
type OrderIntent struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Type          OrderType       `json:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	// MarkPrice is the price reference used for notional/exposure
	// arithmetic when the order carries no limit price.
	MarkPrice  decimal.Decimal `json:"mark_price"`
	Venue      string          `json:"venue"`
	Mode       Mode            `json:"mode"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Notional returns the order value used for risk arithmetic: qty times the
// limit price for limit orders, qty times the mark price otherwise.
func (in *OrderIntent) Notional() decimal.Decimal {
	price := in.MarkPrice
	if in.Type == OrderTypeLimit && !in.LimitPrice.IsZero() {
		price = in.LimitPrice
	}
	return in.Qty.Mul(price)
}

// ---------------------------------------------------------------------------
// Risk
// ---------------------------------------------------------------------------

// LimitKind identifies one category of configured risk constraint.
type LimitKind string

const (
	LimitMaxTotalExposure  LimitKind = "max_total_exposure"
	LimitMaxSymbolExposure LimitKind = "max_symbol_exposure"
	LimitMaxDailyLoss      LimitKind = "max_daily_loss"
	LimitMaxOpenPositions  LimitKind = "max_open_positions"
	LimitMaxOrderNotional  LimitKind = "max_order_notional"
)

// LimitScope narrows a limit to the whole account or a single symbol.
type LimitScope string

const (
	ScopeGlobal    LimitScope = "global"
	ScopePerSymbol LimitScope = "per_symbol"
)

// RiskLimit is a single configured constraint, loaded once per session and
// read-only to the engine.
type RiskLimit struct {
	ID        string          `json:"limit_id"`
	Kind      LimitKind       `json:"kind"`
	Threshold decimal.Decimal `json:"threshold"`
	Scope     LimitScope      `json:"scope"`
	// Symbol is set when Scope is per_symbol.
	Symbol string `json:"symbol,omitempty"`
}

// RiskResult is the binary admission outcome.
type RiskResult string

const (
	RiskAllow RiskResult = "allow"
	RiskBlock RiskResult = "block"
)

// StaleSnapshotLimitID is reported in BlockedBy when the gate fails closed
// because the portfolio snapshot is older than the freshness bound.
const StaleSnapshotLimitID = "stale_snapshot"

// RiskDecision is the outcome of evaluating an intent against all active
// limits. Created once per admission attempt, never mutated.
type RiskDecision struct {
	OrderID string     `json:"order_id"`
	Result  RiskResult `json:"result"`
	// BlockedBy lists every limit that fired, in evaluation order.
	BlockedBy []string `json:"blocked_by,omitempty"`
	// Utilization maps limit_id to current/threshold capped at 1.0.
	Utilization map[string]float64 `json:"utilization,omitempty"`
}

// Blocked reports whether the decision denies admission.
func (d *RiskDecision) Blocked() bool { return d.Result == RiskBlock }

// PortfolioSnapshot is the read-only account state the risk gate evaluates
// against. It is produced by an external collaborator and carries the time
// it was taken so the gate can fail closed on staleness.
type PortfolioSnapshot struct {
	Equity         decimal.Decimal            `json:"equity"`
	Cash           decimal.Decimal            `json:"cash"`
	TotalExposure  decimal.Decimal            `json:"total_exposure"`
	SymbolExposure map[string]decimal.Decimal `json:"symbol_exposure"`
	DailyPnL       decimal.Decimal            `json:"daily_pnl"`
	OpenPositions  int                        `json:"open_positions"`
	TakenAt        time.Time                  `json:"taken_at"`
}

// ExposureFor returns the current exposure for a symbol, zero when none.
func (ps *PortfolioSnapshot) ExposureFor(symbol string) decimal.Decimal {
	if ps.SymbolExposure == nil {
		return decimal.Zero
	}
	return ps.SymbolExposure[symbol]
}
