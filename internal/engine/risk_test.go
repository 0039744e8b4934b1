package engine

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"meridian/internal/domain"
)

func testLimits() []domain.RiskLimit {
	return []domain.RiskLimit{
		{ID: "notional", Kind: domain.LimitMaxOrderNotional, Threshold: decimal.NewFromInt(5000), Scope: domain.ScopeGlobal},
		{ID: "exposure", Kind: domain.LimitMaxTotalExposure, Threshold: decimal.NewFromInt(50000), Scope: domain.ScopeGlobal},
		{ID: "aapl_exposure", Kind: domain.LimitMaxSymbolExposure, Threshold: decimal.NewFromInt(20000), Scope: domain.ScopePerSymbol, Symbol: "AAPL"},
		{ID: "daily_loss", Kind: domain.LimitMaxDailyLoss, Threshold: decimal.NewFromInt(1000), Scope: domain.ScopeGlobal},
		{ID: "positions", Kind: domain.LimitMaxOpenPositions, Threshold: decimal.NewFromInt(10), Scope: domain.ScopeGlobal},
	}
}

func testIntent(qty, mark int64) domain.OrderIntent {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	return domain.OrderIntent{
		ClientOrderID: "cli-1",
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Qty:           decimal.NewFromInt(qty),
		Type:          domain.OrderTypeMarket,
		MarkPrice:     decimal.NewFromInt(mark),
		Venue:         "sim",
		Mode:          domain.ModePaper,
		ReceivedAt:    now,
	}
}

func freshSnapshot(intent domain.OrderIntent) domain.PortfolioSnapshot {
	return domain.PortfolioSnapshot{
		Equity:        decimal.NewFromInt(100000),
		TotalExposure: decimal.NewFromInt(10000),
		SymbolExposure: map[string]decimal.Decimal{
			"AAPL": decimal.NewFromInt(5000),
		},
		DailyPnL:      decimal.NewFromInt(-200),
		OpenPositions: 3,
		TakenAt:       intent.ReceivedAt.Add(-time.Second),
	}
}

func TestEvaluateAllows(t *testing.T) {
	g := NewRiskGate(testLimits(), 5*time.Second)
	intent := testIntent(10, 100) // notional 1000
	dec := g.Evaluate("ord-1", intent, freshSnapshot(intent))

	if dec.Blocked() {
		t.Fatalf("decision blocked by %v, want allow", dec.BlockedBy)
	}
	if got := dec.Utilization["notional"]; got != 0.2 {
		t.Errorf("notional utilization = %v, want 0.2", got)
	}
	if got := dec.Utilization["daily_loss"]; got != 0.2 {
		t.Errorf("daily_loss utilization = %v, want 0.2", got)
	}
	if got := dec.Utilization["positions"]; got != 0.4 {
		t.Errorf("positions utilization = %v, want 0.4", got)
	}
}

func TestEvaluateBlocksOnNotional(t *testing.T) {
	g := NewRiskGate(testLimits(), 5*time.Second)
	intent := testIntent(1, 10000) // notional 10000 vs limit 5000
	dec := g.Evaluate("ord-1", intent, freshSnapshot(intent))

	if !dec.Blocked() {
		t.Fatal("decision allowed, want block")
	}
	if !reflect.DeepEqual(dec.BlockedBy, []string{"notional"}) {
		t.Errorf("BlockedBy = %v, want [notional]", dec.BlockedBy)
	}
	if got := dec.Utilization["notional"]; got != 1.0 {
		t.Errorf("notional utilization = %v, want capped 1.0", got)
	}
}

func TestEvaluateReportsEveryFiringLimit(t *testing.T) {
	g := NewRiskGate(testLimits(), 5*time.Second)
	intent := testIntent(10, 3000) // notional 30000: breaches symbol exposure and notional
	snap := freshSnapshot(intent)
	snap.TotalExposure = decimal.NewFromInt(40000) // + 30000 breaches total too
	dec := g.Evaluate("ord-1", intent, snap)

	want := []string{"exposure", "aapl_exposure", "notional"}
	if !reflect.DeepEqual(dec.BlockedBy, want) {
		t.Errorf("BlockedBy = %v, want %v (every firing limit, evaluation order)", dec.BlockedBy, want)
	}
}

func TestEvaluateStaleSnapshotFailsClosed(t *testing.T) {
	g := NewRiskGate(testLimits(), 5*time.Second)
	intent := testIntent(1, 10) // trivially small order
	snap := freshSnapshot(intent)
	snap.TakenAt = intent.ReceivedAt.Add(-6 * time.Second)
	dec := g.Evaluate("ord-1", intent, snap)

	if !dec.Blocked() {
		t.Fatal("stale snapshot admitted, want fail closed")
	}
	if !reflect.DeepEqual(dec.BlockedBy, []string{domain.StaleSnapshotLimitID}) {
		t.Errorf("BlockedBy = %v, want [stale_snapshot]", dec.BlockedBy)
	}
}

func TestEvaluatePerSymbolScopeIgnoresOtherSymbols(t *testing.T) {
	g := NewRiskGate(testLimits(), 5*time.Second)
	intent := testIntent(10, 3000)
	intent.Symbol = "MSFT" // aapl_exposure must not apply
	snap := freshSnapshot(intent)
	dec := g.Evaluate("ord-1", intent, snap)

	want := []string{"notional"}
	if !reflect.DeepEqual(dec.BlockedBy, want) {
		t.Errorf("BlockedBy = %v, want %v", dec.BlockedBy, want)
	}
	if _, ok := dec.Utilization["aapl_exposure"]; ok {
		t.Error("utilization reported for a limit scoped to another symbol")
	}
}

func TestEvaluateDailyLossDirection(t *testing.T) {
	g := NewRiskGate(testLimits(), 5*time.Second)
	intent := testIntent(1, 10)

	snap := freshSnapshot(intent)
	snap.DailyPnL = decimal.NewFromInt(-1500) // loss beyond limit
	if dec := g.Evaluate("ord-1", intent, snap); !dec.Blocked() {
		t.Error("1500 loss against a 1000 limit admitted")
	}

	snap.DailyPnL = decimal.NewFromInt(1500) // profitable day never fires
	dec := g.Evaluate("ord-2", intent, snap)
	if dec.Blocked() {
		t.Errorf("profitable day blocked by %v", dec.BlockedBy)
	}
	if got := dec.Utilization["daily_loss"]; got != 0 {
		t.Errorf("daily_loss utilization = %v on a profitable day, want 0", got)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	g := NewRiskGate(testLimits(), 5*time.Second)
	intent := testIntent(10, 3000)
	snap := freshSnapshot(intent)

	first := g.Evaluate("ord-1", intent, snap)
	for i := 0; i < 20; i++ {
		again := g.Evaluate("ord-1", intent, snap)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d diverged:\n  first %+v\n  again %+v", i, first, again)
		}
	}
}
