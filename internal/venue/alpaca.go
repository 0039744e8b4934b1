package venue

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"meridian/internal/domain"
)

// Compile-time interface check.
var _ Adapter = (*AlpacaAdapter)(nil)

// AlpacaAdapter routes orders to the Alpaca brokerage API. Paper or live is
// determined by the configured base URL; the adapter declares live support
// and leaves the mode guard to the registry.
type AlpacaAdapter struct {
	client alpacaClient
}

// alpacaClient is the slice of the Alpaca SDK the adapter uses, extracted
// for test doubles.
type alpacaClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
}

// NewAlpacaAdapter creates an AlpacaAdapter configured with the given
// credentials and API endpoint.
func NewAlpacaAdapter(apiKey, apiSecret, baseURL string) *AlpacaAdapter {
	return &AlpacaAdapter{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

// Name returns "alpaca".
func (a *AlpacaAdapter) Name() string { return "alpaca" }

// Capability declares paper and live support. Alpaca has no native batch
// cancel; BatchCancel iterates, so it is declared.
func (a *AlpacaAdapter) Capability() Capability {
	return Capability{
		SupportsLive: true,
		Ops: map[Op]bool{
			OpPlaceOrder:  true,
			OpCancelOrder: true,
			OpCancelAll:   true,
			OpBatchCancel: true,
		},
		Modes: []domain.Mode{domain.ModePaper, domain.ModeLive},
	}
}

// PlaceOrder submits the order via the Alpaca REST API.
func (a *AlpacaAdapter) PlaceOrder(ctx context.Context, ord domain.Order) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, a.classify(err)
	}

	qty := ord.Qty
	req := alpaca.PlaceOrderRequest{
		Symbol:        ord.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(ord.Side),
		Type:          alpaca.OrderType(ord.Type),
		TimeInForce:   alpaca.Day,
		ClientOrderID: ord.ClientOrderID,
	}
	if ord.Type == domain.OrderTypeLimit && !ord.LimitPrice.IsZero() {
		limit := ord.LimitPrice
		req.LimitPrice = &limit
	}

	placed, err := a.client.PlaceOrder(req)
	if err != nil {
		return Ack{}, a.classify(err)
	}
	return Ack{OrderRef: placed.ID, AckTS: time.Now().UTC()}, nil
}

// CancelOrder requests cancellation of an order by its Alpaca order id.
func (a *AlpacaAdapter) CancelOrder(_ context.Context, orderRef string) error {
	if err := a.client.CancelOrder(orderRef); err != nil {
		return a.classify(err)
	}
	return nil
}

// CancelAll lists open orders (optionally narrowed to a symbol) and cancels
// each, returning how many were cancelled.
func (a *AlpacaAdapter) CancelAll(_ context.Context, scope CancelScope) (int, error) {
	req := alpaca.GetOrdersRequest{Status: "open", Limit: 500}
	if scope.Symbol != "" {
		req.Symbols = []string{scope.Symbol}
	}
	open, err := a.client.GetOrders(req)
	if err != nil {
		return 0, a.classify(err)
	}

	n := 0
	for _, o := range open {
		if err := a.client.CancelOrder(o.ID); err != nil {
			return n, a.classify(err)
		}
		n++
	}
	return n, nil
}

// BatchCancel cancels each reference, reporting per-ref outcomes.
func (a *AlpacaAdapter) BatchCancel(ctx context.Context, orderRefs []string) []CancelResult {
	results := make([]CancelResult, 0, len(orderRefs))
	for _, ref := range orderRefs {
		results = append(results, CancelResult{OrderRef: ref, Err: a.CancelOrder(ctx, ref)})
	}
	return results
}

// classify maps SDK and transport errors onto the retryable/non-retryable
// taxonomy.
func (a *AlpacaAdapter) classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return &AdapterError{Venue: a.Name(), Code: CodeRateLimited, Retryable: true, Err: err}
		case apiErr.StatusCode >= 500:
			return &AdapterError{Venue: a.Name(), Code: CodeServerError, Retryable: true, Err: err}
		case apiErr.StatusCode == 403:
			return &AdapterError{Venue: a.Name(), Code: CodeInsufficientFunds, Retryable: false, Err: err}
		default:
			// Remaining 4xx responses are business rejections of many
			// kinds (bad symbol, margin, malformed order); report them
			// under one neutral validation code.
			return &AdapterError{Venue: a.Name(), Code: CodeValidation, Retryable: false, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &AdapterError{Venue: a.Name(), Code: CodeTimeout, Retryable: true, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &AdapterError{Venue: a.Name(), Code: CodeTimeout, Retryable: true, Err: err}
	}

	// Unrecognised transport failure: retry rather than fail an order on a
	// transient hiccup.
	return &AdapterError{Venue: a.Name(), Code: CodeConnReset, Retryable: true, Err: err}
}
