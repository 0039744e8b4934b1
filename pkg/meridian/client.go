// Package meridian provides a Go SDK for the meridian execution API.
package meridian

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Client talks to a meridian-exec daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitOrderRequest mirrors the POST /api/v1/orders body. DryRun nil
// means dry run; the server refuses to dispatch unless it is explicitly
// false.
type SubmitOrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Type          string          `json:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	Venue         string          `json:"venue"`
	Mode          string          `json:"mode"`
	DryRun        *bool           `json:"dry_run"`
}

// RiskDecision mirrors the engine's admission outcome.
type RiskDecision struct {
	OrderID     string             `json:"order_id"`
	Result      string             `json:"result"`
	BlockedBy   []string           `json:"blocked_by,omitempty"`
	Utilization map[string]float64 `json:"utilization,omitempty"`
}

// OrderResult mirrors the engine's submission outcome.
type OrderResult struct {
	OrderID      string        `json:"order_id"`
	State        string        `json:"state"`
	ReasonCode   string        `json:"reason_code,omitempty"`
	ReasonDetail string        `json:"reason_detail,omitempty"`
	Decision     *RiskDecision `json:"risk_decision,omitempty"`
	Replayed     bool          `json:"replayed,omitempty"`
	InFlight     bool          `json:"in_flight,omitempty"`
}

// SubmitResponse is the full submission reply.
type SubmitResponse struct {
	DryRun   bool          `json:"dry_run"`
	Decision *RiskDecision `json:"risk_decision,omitempty"`
	Result   *OrderResult  `json:"result,omitempty"`
}

// Order mirrors the engine's order for queries.
type Order struct {
	ID            string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	State         string          `json:"state"`
	Venue         string          `json:"venue"`
	Mode          string          `json:"mode"`
	ReasonCode    string          `json:"reason_code,omitempty"`
	ReasonDetail  string          `json:"reason_detail,omitempty"`
}

// LedgerEvent mirrors one audit record.
type LedgerEvent struct {
	Seq             int64         `json:"seq"`
	Type            string        `json:"event_type"`
	OrderID         string        `json:"order_id"`
	Before          string        `json:"before_state,omitempty"`
	After           string        `json:"after_state,omitempty"`
	TriggeringEvent string        `json:"triggering_event,omitempty"`
	RiskDecision    *RiskDecision `json:"risk_decision,omitempty"`
	ReasonCode      string        `json:"reason_code,omitempty"`
	Detail          string        `json:"detail,omitempty"`
	Attempt         int           `json:"attempt,omitempty"`
	TSUTC           time.Time     `json:"ts_utc"`
}

// SubmitOrder submits a new order. Unless req.DryRun explicitly opts
// out, the submission is a dry run that only reports the risk decision.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (SubmitResponse, error) {
	var resp SubmitResponse
	err := c.post(ctx, "/api/v1/orders", req, &resp)
	return resp, err
}

// GetOrder retrieves one order by its engine-assigned ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var ord Order
	err := c.get(ctx, "/api/v1/orders/"+url.PathEscape(orderID), &ord)
	return ord, err
}

// CancelOrder cancels one order and returns its final shape.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (Order, error) {
	var ord Order
	err := c.do(ctx, http.MethodDelete, "/api/v1/orders/"+url.PathEscape(orderID), nil, &ord)
	return ord, err
}

// CancelAll cancels every open order at a venue, optionally narrowed to
// one symbol, and returns the venue-reported count.
func (c *Client) CancelAll(ctx context.Context, venue, mode, symbol string) (int, error) {
	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	body := map[string]string{"venue": venue, "mode": mode, "symbol": symbol}
	if err := c.post(ctx, "/api/v1/cancel-all", body, &resp); err != nil {
		return 0, err
	}
	return resp.Cancelled, nil
}

// Ledger retrieves the audit trail, optionally filtered to one order.
func (c *Client) Ledger(ctx context.Context, orderID string) ([]LedgerEvent, error) {
	path := "/api/v1/ledger"
	if orderID != "" {
		path += "?order_id=" + url.QueryEscape(orderID)
	}
	var resp struct {
		Events []LedgerEvent `json:"events"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
