// Package provider hides the heterogeneous vendor APIs that sell temporary
// phone numbers behind one Gateway contract. Each adapter owns its wire
// format and translates its vendor's error vocabulary into the shared
// classification, so callers never parse vendor strings.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/numgate/numgate/internal/operator"
)

// OperatorAny asks the vendor to pick any operator in the country.
const OperatorAny = "any"

// Quote aliases the selector's quote type so adapters and callers share one
// definition.
type Quote = operator.Quote

// PurchaseRequest asks a vendor for one number.
type PurchaseRequest struct {
	Service  string
	Country  string
	Operator string // OperatorAny or a vendor operator name
	// ExpectedPrice is the operator's quoted cost in minor units, before any
	// markup. Adapters forward it as the vendor-side price cap where the API
	// takes one, and reject an actual price above it as InvalidProduct.
	ExpectedPrice int64
}

// Purchase is a successfully acquired number.
type Purchase struct {
	Ref   string // vendor's id for this acquisition
	Phone string // E.164
	Price int64
}

// Status is the delivery state of an activation.
type Status struct {
	Pending bool
	Code    string
	Text    string
}

// Message is one SMS received on a rented number.
type Message struct {
	Code       string
	Text       string
	ReceivedAt time.Time
}

// Gateway is the uniform contract every vendor adapter implements.
// Extend, Messages and Finish only apply to rentals; activation-only
// vendors report false from SupportsRentals and return a BadRequest
// classified error from the rental methods.
type Gateway interface {
	Name() string
	SupportsRentals() bool
	Quotes(ctx context.Context, service, country string) (map[string]operator.Quote, error)
	Purchase(ctx context.Context, req PurchaseRequest) (*Purchase, error)
	CheckStatus(ctx context.Context, ref string) (*Status, error)
	Cancel(ctx context.Context, ref string) error
	Extend(ctx context.Context, ref string, minutes int) error
	Messages(ctx context.Context, ref string) ([]Message, error)
	Finish(ctx context.Context, ref string) error
}

// Kind classifies a vendor failure. The waterfall moves to the next provider
// on recoverable kinds and aborts on fatal ones.
type Kind string

const (
	KindNoNumbers      Kind = "no_numbers"      // vendor has no stock
	KindRateLimited    Kind = "rate_limited"    // vendor throttled us
	KindUnavailable    Kind = "unavailable"     // timeout, network, 5xx
	KindInvalidProduct Kind = "invalid_product" // product/price mismatch
	KindAuth           Kind = "auth"            // bad or expired API key
	KindBadRequest     Kind = "bad_request"     // malformed request on our side
)

// Recoverable reports whether the waterfall may try the next provider.
func (k Kind) Recoverable() bool {
	switch k {
	case KindNoNumbers, KindRateLimited, KindUnavailable, KindInvalidProduct:
		return true
	}
	return false
}

// Error is a classified vendor failure.
type Error struct {
	Provider string
	Kind     Kind
	Message  string
	Err      error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether err is a classified recoverable provider error.
func Recoverable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind.Recoverable()
}

// Classify returns the Kind of a classified error, or KindUnavailable for
// anything unclassified (conservative: an unknown failure is worth a retry on
// the next provider rather than an abort).
func Classify(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable
	}
	return KindUnavailable
}

// classifyTransport wraps an http transport failure (network error, timeout)
// as Unavailable for the given provider.
func classifyTransport(name string, op string, err error) error {
	return &Error{Provider: name, Kind: KindUnavailable, Message: op, Err: err}
}
