// Package venue defines the adapter contract venues implement, the static
// capability descriptors read at resolve time, and the mode-guarded registry
// that dispenses adapters to the execution router.
package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meridian/internal/domain"
)

// Op identifies one operation an adapter may support.
type Op string

const (
	OpPlaceOrder  Op = "place_order"
	OpCancelOrder Op = "cancel_order"
	OpCancelAll   Op = "cancel_all"
	OpBatchCancel Op = "batch_cancel"
)

// Capability is the static per-adapter declaration of supported operations
// and modes. It is read once at registry resolve time; adapters are never
// probed at call time.
type Capability struct {
	SupportsLive bool
	Ops          map[Op]bool
	Modes        []domain.Mode
}

// Supports reports whether the op is declared.
func (c Capability) Supports(op Op) bool { return c.Ops[op] }

// SupportsMode reports whether the mode is declared.
func (c Capability) SupportsMode(m domain.Mode) bool {
	for _, mode := range c.Modes {
		if mode == m {
			return true
		}
	}
	return false
}

// Ack is a venue acknowledgment of a placed order.
type Ack struct {
	OrderRef string
	AckTS    time.Time
}

// CancelScope narrows a cancel_all request.
type CancelScope struct {
	Symbol string
	Mode   domain.Mode
}

// CancelResult is one entry of a batch_cancel response.
type CancelResult struct {
	OrderRef string
	Err      error
}

// Adapter is the capability-typed contract every venue implements. Adapters
// never perform risk checks; admission control happens upstream.
type Adapter interface {
	// Name returns the venue identifier (e.g. "alpaca", "sim").
	Name() string

	// Capability returns the static capability descriptor.
	Capability() Capability

	// PlaceOrder submits the order to the venue. The order carries the
	// engine-assigned ID so execution reports can reference it.
	PlaceOrder(ctx context.Context, ord domain.Order) (Ack, error)

	// CancelOrder requests cancellation of an order by its venue reference.
	CancelOrder(ctx context.Context, orderRef string) error

	// CancelAll cancels every open order in scope, returning the count.
	CancelAll(ctx context.Context, scope CancelScope) (int, error)

	// BatchCancel cancels the given references, reporting per-ref results.
	BatchCancel(ctx context.Context, orderRefs []string) []CancelResult
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// ErrVenueUnknown means no adapter is registered for the venue.
	ErrVenueUnknown = errors.New("venue: no adapter registered")
	// ErrLiveDisabled means a live resolution was attempted without both the
	// deployment live-enable flag and adapter live support.
	ErrLiveDisabled = errors.New("venue: live mode disabled")
	// ErrModeUnsupported means the adapter does not declare the mode.
	ErrModeUnsupported = errors.New("venue: mode not supported by adapter")
	// ErrOpUnsupported means the adapter does not declare the operation.
	ErrOpUnsupported = errors.New("venue: operation not supported by adapter")
)

// AdapterError classifies a venue failure as retryable (transport-class) or
// non-retryable (business rejection).
type AdapterError struct {
	Venue     string
	Code      string
	Retryable bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("venue %s: %s: %v", e.Venue, e.Code, e.Err)
	}
	return fmt.Sprintf("venue %s: %s", e.Venue, e.Code)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Well-known adapter error codes.
const (
	CodeTimeout           = "timeout"
	CodeConnReset         = "connection_reset"
	CodeRateLimited       = "rate_limited"
	CodeServerError       = "server_error"
	CodeInvalidSymbol     = "invalid_symbol"
	CodeValidation        = "validation_error"
	CodeInsufficientFunds = "insufficient_funds"
	CodeUnsupported       = "unsupported_operation"
)

// Retryable reports whether the error is transport-class and worth retrying.
// Context deadline expiry on an adapter call counts as a timeout.
func Retryable(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
