package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"meridian/internal/domain"
)

// evalOrder fixes the sequence limits are checked in, so blocked_by is
// stable across runs with identical inputs.
var evalOrder = []domain.LimitKind{
	domain.LimitMaxTotalExposure,
	domain.LimitMaxSymbolExposure,
	domain.LimitMaxDailyLoss,
	domain.LimitMaxOpenPositions,
	domain.LimitMaxOrderNotional,
}

// RiskGate decides admission for order intents. It is pure: identical
// intent, limits, and snapshot always yield the identical decision.
// There is no override path here; any bypass has to happen upstream.
type RiskGate struct {
	limits []domain.RiskLimit
	// snapshotMaxAge bounds how old the portfolio snapshot may be,
	// measured against the intent's ReceivedAt. Older snapshots fail
	// closed.
	snapshotMaxAge time.Duration
}

func NewRiskGate(limits []domain.RiskLimit, snapshotMaxAge time.Duration) *RiskGate {
	return &RiskGate{limits: limits, snapshotMaxAge: snapshotMaxAge}
}

// Evaluate checks the intent against every configured limit and returns
// the full picture: BlockedBy lists each limit that fired, in evaluation
// order, and Utilization reports current/threshold (capped at 1.0) for
// every limit whether or not it blocked.
func (g *RiskGate) Evaluate(orderID string, intent domain.OrderIntent, snapshot domain.PortfolioSnapshot) domain.RiskDecision {
	dec := domain.RiskDecision{
		OrderID:     orderID,
		Result:      domain.RiskAllow,
		Utilization: make(map[string]float64, len(g.limits)),
	}

	if g.snapshotMaxAge > 0 && intent.ReceivedAt.Sub(snapshot.TakenAt) > g.snapshotMaxAge {
		dec.Result = domain.RiskBlock
		dec.BlockedBy = []string{domain.StaleSnapshotLimitID}
		return dec
	}

	notional := intent.Notional()
	for _, kind := range evalOrder {
		for _, lim := range g.limits {
			if lim.Kind != kind {
				continue
			}
			if lim.Scope == domain.ScopePerSymbol && lim.Symbol != "" && lim.Symbol != intent.Symbol {
				continue
			}

			var current decimal.Decimal
			switch kind {
			case domain.LimitMaxTotalExposure:
				current = snapshot.TotalExposure.Add(notional)
			case domain.LimitMaxSymbolExposure:
				current = snapshot.ExposureFor(intent.Symbol).Add(notional)
			case domain.LimitMaxDailyLoss:
				// Losses are negative PnL; a positive day never fires.
				current = snapshot.DailyPnL.Neg()
				if current.IsNegative() {
					current = decimal.Zero
				}
			case domain.LimitMaxOpenPositions:
				current = decimal.NewFromInt(int64(snapshot.OpenPositions + 1))
			case domain.LimitMaxOrderNotional:
				current = notional
			}

			dec.Utilization[lim.ID] = utilization(current, lim.Threshold)
			if current.GreaterThan(lim.Threshold) {
				dec.Result = domain.RiskBlock
				dec.BlockedBy = append(dec.BlockedBy, lim.ID)
			}
		}
	}
	return dec
}

// utilization returns current/threshold capped at 1.0. A non-positive
// threshold reports full utilization rather than dividing by zero.
func utilization(current, threshold decimal.Decimal) float64 {
	if threshold.LessThanOrEqual(decimal.Zero) {
		return 1.0
	}
	u, _ := current.Div(threshold).Float64()
	if u > 1.0 {
		return 1.0
	}
	if u < 0 {
		return 0
	}
	return u
}
