package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/idempotency"
	"meridian/internal/ledger"
	"meridian/internal/metrics"
	"meridian/internal/venue"
)

func newTestServer(t *testing.T) (*Server, *venue.SimAdapter) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sim := venue.NewSimAdapter()
	reg := venue.NewRegistry(false)
	reg.Register(sim)

	l := ledger.NewMemoryLedger()
	m := metrics.New()
	gate := engine.NewRiskGate([]domain.RiskLimit{
		{ID: "max_order_notional", Kind: domain.LimitMaxOrderNotional, Threshold: decimal.NewFromInt(5000), Scope: domain.ScopeGlobal},
	}, 5*time.Second)
	router := engine.NewRouter(log, engine.RouterConfig{
		AllowedModes:   []domain.Mode{domain.ModeShadow, domain.ModePaper},
		AdapterTimeout: time.Second,
	}, reg, idempotency.NewMemoryStore(), gate,
		engine.NewRetryPolicy(3, time.Millisecond, time.Minute),
		l, m, func() domain.PortfolioSnapshot {
			return domain.PortfolioSnapshot{TakenAt: time.Now().UTC()}
		})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		router.Shutdown(ctx)
	})
	return NewServer(router, l, m, log), sim
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func submitBody(clientID string, dryRun bool) SubmitRequest {
	return SubmitRequest{
		ClientOrderID: clientID,
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Qty:           decimal.NewFromInt(10),
		Type:          domain.OrderTypeMarket,
		MarkPrice:     decimal.NewFromInt(100),
		Venue:         "sim",
		Mode:          domain.ModePaper,
		DryRun:        &dryRun,
	}
}

func TestSubmitDefaultsToDryRun(t *testing.T) {
	s, sim := newTestServer(t)
	h := s.Handler()

	body := submitBody("api-1", false)
	body.DryRun = nil // omitted field must mean dry run
	rec := postJSON(t, h, "/api/v1/orders", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.DryRun {
		t.Error("response not marked dry_run")
	}
	if resp.Decision == nil || resp.Decision.Blocked() {
		t.Errorf("decision = %+v, want allow", resp.Decision)
	}
	if resp.Result != nil {
		t.Error("dry run produced a real result")
	}
	if sim.OpenOrders() != 0 {
		t.Error("dry run placed an order at the venue")
	}
}

func TestSubmitRealOrder(t *testing.T) {
	s, sim := newTestServer(t)
	h := s.Handler()

	rec := postJSON(t, h, "/api/v1/orders", submitBody("api-2", false))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result == nil || resp.Result.State != domain.StateAcknowledged {
		t.Fatalf("result = %+v, want ACKNOWLEDGED", resp.Result)
	}
	if sim.OpenOrders() != 1 {
		t.Errorf("venue holds %d orders, want 1", sim.OpenOrders())
	}

	// The order is queryable.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+resp.Result.OrderID, nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, req)
	if getRec.Code != http.StatusOK {
		t.Fatalf("GET order status = %d", getRec.Code)
	}
	var ord domain.Order
	if err := json.Unmarshal(getRec.Body.Bytes(), &ord); err != nil {
		t.Fatal(err)
	}
	if ord.ID != resp.Result.OrderID || ord.State != domain.StateAcknowledged {
		t.Errorf("queried order = %s/%s", ord.ID, ord.State)
	}
}

func TestSubmitLiveModeForbidden(t *testing.T) {
	s, _ := newTestServer(t)
	body := submitBody("api-3", false)
	body.Mode = domain.ModeLive
	rec := postJSON(t, s.Handler(), "/api/v1/orders", body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestSubmitRejectsInvalidBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCancelAllEndpoint(t *testing.T) {
	s, sim := newTestServer(t)
	h := s.Handler()
	postJSON(t, h, "/api/v1/orders", submitBody("api-4", false))
	postJSON(t, h, "/api/v1/orders", submitBody("api-5", false))

	rec := postJSON(t, h, "/api/v1/cancel-all", CancelAllRequest{Venue: "sim", Mode: domain.ModePaper})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp CancelAllResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Cancelled != 2 {
		t.Errorf("cancelled = %d, want 2", resp.Cancelled)
	}
	if sim.OpenOrders() != 0 {
		t.Errorf("venue still holds %d orders", sim.OpenOrders())
	}
}

func TestLedgerEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	rec := postJSON(t, h, "/api/v1/orders", submitBody("api-6", false))
	var sub SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ledger?order_id="+sub.Result.OrderID, nil)
	ledgerRec := httptest.NewRecorder()
	h.ServeHTTP(ledgerRec, req)
	if ledgerRec.Code != http.StatusOK {
		t.Fatalf("status = %d", ledgerRec.Code)
	}
	var resp LedgerResponse
	if err := json.Unmarshal(ledgerRec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Events) == 0 {
		t.Fatal("no ledger events for submitted order")
	}
	// Submission leaves at least submit + acknowledge transitions.
	var transitions int
	for _, ev := range resp.Events {
		if ev.Type == ledger.TypeStateTransition {
			transitions++
		}
	}
	if transitions < 2 {
		t.Errorf("ledger holds %d transitions, want >= 2", transitions)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
