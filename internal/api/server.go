// Package api exposes the execution engine over HTTP: order submission
// (dry-run by default), cancellation, order and ledger queries, and the
// Prometheus metrics endpoint.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/ledger"
	"meridian/internal/metrics"
	"meridian/internal/venue"
)

// Server serves the command/query API for one router instance.
type Server struct {
	router  *engine.Router
	ledger  ledger.Ledger
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewServer(router *engine.Router, l ledger.Ledger, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{router: router, ledger: l, metrics: m, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/orders", s.handleSubmit)
	mux.HandleFunc("POST /api/v1/cancel-all", s.handleCancelAll)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/v1/ledger", s.handleLedger)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
}

// Handler returns the complete handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ---------------------------------------------------------------------------
// Request/response shapes
// ---------------------------------------------------------------------------

// SubmitRequest is the POST /api/v1/orders body. DryRun defaults to
// true: callers must opt in to a real submission.
type SubmitRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          domain.Side      `json:"side"`
	Qty           decimal.Decimal  `json:"qty"`
	Type          domain.OrderType `json:"type"`
	LimitPrice    decimal.Decimal  `json:"limit_price"`
	MarkPrice     decimal.Decimal  `json:"mark_price"`
	Venue         string           `json:"venue"`
	Mode          domain.Mode      `json:"mode"`
	DryRun        *bool            `json:"dry_run"`
}

// SubmitResponse wraps either a dry-run decision or a real outcome.
type SubmitResponse struct {
	DryRun   bool                 `json:"dry_run"`
	Decision *domain.RiskDecision `json:"risk_decision,omitempty"`
	Result   *engine.OrderResult  `json:"result,omitempty"`
}

type CancelAllRequest struct {
	Venue  string      `json:"venue"`
	Mode   domain.Mode `json:"mode"`
	Symbol string      `json:"symbol,omitempty"`
}

type CancelAllResponse struct {
	Cancelled int `json:"cancelled"`
}

type LedgerResponse struct {
	Events []ledger.Event `json:"events"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	intent := domain.OrderIntent{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		MarkPrice:     req.MarkPrice,
		Venue:         req.Venue,
		Mode:          req.Mode,
		ReceivedAt:    time.Now().UTC(),
	}
	if intent.Type == "" {
		intent.Type = domain.OrderTypeMarket
	}

	dryRun := req.DryRun == nil || *req.DryRun
	if dryRun {
		dec, err := s.router.Preview(r.Context(), intent)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, SubmitResponse{DryRun: true, Decision: &dec})
		return
	}

	res, err := s.router.Submit(r.Context(), intent)
	if err != nil && res.OrderID == "" {
		writeError(w, statusFor(err), err.Error())
		return
	}
	// A FAILED outcome still reports the order so callers can query it.
	writeJSON(w, SubmitResponse{DryRun: false, Result: &res})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	var req CancelAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	n, err := s.router.CancelAll(r.Context(), req.Venue, req.Mode, req.Symbol)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, CancelAllResponse{Cancelled: n})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ord, ok := s.router.Order(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown order")
		return
	}
	writeJSON(w, ord)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.router.CancelOrder(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	ord, _ := s.router.Order(id)
	writeJSON(w, ord)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order_id")
	var events []ledger.Event
	err := s.ledger.Replay(r.Context(), func(ev ledger.Event) error {
		if orderID == "" || ev.OrderID == orderID {
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	writeJSON(w, LedgerResponse{Events: events})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrModeNotAllowed), errors.Is(err, venue.ErrLiveDisabled):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrUnknownOrder), errors.Is(err, venue.ErrVenueUnknown):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, venue.ErrModeUnsupported), errors.Is(err, venue.ErrOpUnsupported):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
