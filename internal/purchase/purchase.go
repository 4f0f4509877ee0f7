// Package purchase orchestrates number acquisition: quote, reserve funds,
// then walk the provider waterfall until one delivers or all fail. Money
// safety is delegated entirely to the ledger; this package guarantees that
// every reservation it takes ends up either attached to an order row or
// unreserved before the call returns.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/numgate/numgate/internal/ledger"
	"github.com/numgate/numgate/internal/operator"
	"github.com/numgate/numgate/internal/provider"
)

// Ledger is the slice of the ledger store the orchestrator needs.
type Ledger interface {
	EnsureWallet(ctx context.Context, userID string) (*ledger.Wallet, error)
	Reserve(ctx context.Context, userID string, amount int64) error
	Unreserve(ctx context.Context, userID string, amount int64) error
	CreateOrder(ctx context.Context, o *ledger.Order) (*ledger.Order, error)
}

// Config tunes pricing and order lifetimes.
type Config struct {
	// Markup multiplies the provider's quoted cost to produce the user price.
	Markup float64
	// ActivationTTL is how long an activation waits for its code.
	ActivationTTL time.Duration
	// RentalBlock is the pricing unit for rentals: the quoted cost buys one
	// block, longer rentals pay per started block.
	RentalBlock time.Duration
}

// DefaultConfig returns the stock pricing configuration.
func DefaultConfig() Config {
	return Config{
		Markup:        1.2,
		ActivationTTL: 20 * time.Minute,
		RentalBlock:   time.Hour,
	}
}

// Request is one purchase ask.
type Request struct {
	UserID          string      `json:"userId"`
	Service         string      `json:"service"`
	Country         string      `json:"country"`
	Kind            ledger.Kind `json:"kind"`
	DurationMinutes int         `json:"durationMinutes,omitempty"` // rentals only
}

// Validate checks the request shape before any money moves.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(r.Service) == "" {
		return errors.New("service is required")
	}
	if strings.TrimSpace(r.Country) == "" {
		return errors.New("country is required")
	}
	switch r.Kind {
	case ledger.KindActivation:
		if r.DurationMinutes != 0 {
			return errors.New("duration applies to rentals only")
		}
	case ledger.KindRental:
		if r.DurationMinutes <= 0 {
			return errors.New("rental duration must be positive")
		}
	default:
		return fmt.Errorf("unknown order kind %q", r.Kind)
	}
	return nil
}

// Attempt records one provider's outcome during a waterfall run.
type Attempt struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// WaterfallError means every provider was tried (or skipped) and none
// delivered a number. The reservation, if any, has been dropped.
type WaterfallError struct {
	Service  string
	Country  string
	Attempts []Attempt
}

func (e *WaterfallError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Provider+": "+a.Reason)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("no provider quotes %s numbers for %s", e.Service, e.Country)
	}
	return fmt.Sprintf("all providers failed for %s/%s: %s",
		e.Service, e.Country, strings.Join(parts, "; "))
}

// Service runs the purchase flow.
type Service struct {
	ledger   Ledger
	registry *provider.Registry
	advisor  Advisor
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the orchestrator. A nil advisor disables vetoes.
func NewService(l Ledger, reg *provider.Registry, advisor Advisor, cfg Config, logger *slog.Logger) *Service {
	if advisor == nil {
		advisor = NopAdvisor{}
	}
	if cfg.Markup <= 0 {
		cfg.Markup = DefaultConfig().Markup
	}
	if cfg.ActivationTTL <= 0 {
		cfg.ActivationTTL = DefaultConfig().ActivationTTL
	}
	if cfg.RentalBlock <= 0 {
		cfg.RentalBlock = DefaultConfig().RentalBlock
	}
	return &Service{
		ledger:   l,
		registry: reg,
		advisor:  advisor,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// price converts a quoted operator cost into the user price in minor units.
func (s *Service) price(cost int64, req Request) int64 {
	blocks := 1
	if req.Kind == ledger.KindRental {
		blocks = int(math.Ceil(float64(req.DurationMinutes) / s.cfg.RentalBlock.Minutes()))
		if blocks < 1 {
			blocks = 1
		}
	}
	return int64(math.Ceil(float64(cost) * s.cfg.Markup * float64(blocks)))
}

// eligible reports whether a gateway can serve the requested order kind.
func eligible(gw provider.Gateway, req Request) bool {
	return req.Kind != ledger.KindRental || gw.SupportsRentals()
}

// quote walks providers in priority order until one returns usable quotes and
// picks the best operator. Quote failures are recorded but never abort the
// purchase; they cost nothing.
func (s *Service) quote(ctx context.Context, req Request, attempts *[]Attempt) (operator.Quote, string, bool) {
	for _, gw := range s.registry.Ordered() {
		if !eligible(gw, req) {
			continue
		}
		quotes, err := s.registry.Quotes(ctx, gw, req.Service, req.Country)
		if err != nil {
			*attempts = append(*attempts, Attempt{Provider: gw.Name(), Reason: "quote: " + string(provider.Classify(err))})
			continue
		}
		name, ok := operator.SelectBest(quotes)
		if !ok {
			*attempts = append(*attempts, Attempt{Provider: gw.Name(), Reason: "quote: " + string(provider.KindNoNumbers)})
			continue
		}
		return quotes[name], name, true
	}
	return operator.Quote{}, "", false
}

// Purchase runs the full flow: quote, reserve, waterfall, order row.
//
// ErrInsufficientFunds propagates untouched and no vendor is called. After
// the reservation succeeds the flow continues on a context detached from the
// caller's cancellation, so a client disconnect cannot strand frozen funds
// mid-waterfall.
func (s *Service) Purchase(ctx context.Context, req Request) (*ledger.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.ledger.EnsureWallet(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}

	var attempts []Attempt
	best, opName, ok := s.quote(ctx, req, &attempts)
	if !ok {
		return nil, &WaterfallError{Service: req.Service, Country: req.Country, Attempts: attempts}
	}
	price := s.price(best.Cost, req)

	if err := s.ledger.Reserve(ctx, req.UserID, price); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	won, gateway, err := s.waterfall(ctx, req, opName, best.Cost, &attempts)
	if err != nil {
		if uerr := s.ledger.Unreserve(ctx, req.UserID, price); uerr != nil {
			s.logger.Error("unreserve after failed waterfall",
				"user", req.UserID, "amount", price, "error", uerr)
		}
		return nil, err
	}

	duration := int(s.cfg.ActivationTTL.Minutes())
	if req.Kind == ledger.KindRental {
		duration = req.DurationMinutes
	}
	order := &ledger.Order{
		UserID:       req.UserID,
		Kind:         req.Kind,
		Provider:     gateway,
		ProviderRef:  won.Ref,
		Phone:        won.Phone,
		ServiceCode:  req.Service,
		CountryCode:  req.Country,
		Operator:     opName,
		Price:        price,
		FrozenAmount: price,
		DurationMins: duration,
		ExpiresAt:    s.now().Add(time.Duration(duration) * time.Minute),
	}
	created, err := s.ledger.CreateOrder(ctx, order)
	if err != nil {
		if uerr := s.ledger.Unreserve(ctx, req.UserID, price); uerr != nil {
			s.logger.Error("unreserve after failed order insert",
				"user", req.UserID, "amount", price, "error", uerr)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.logger.Info("number purchased",
		"order", created.ID, "user", req.UserID, "provider", gateway,
		"service", req.Service, "country", req.Country, "price", price)
	return created, nil
}

// waterfall tries each non-vetoed provider in order. Recoverable failures
// move on; a fatal failure aborts the run immediately. The cap handed to the
// vendors is the quoted operator cost, never the marked-up user price.
func (s *Service) waterfall(ctx context.Context, req Request, opName string, cost int64, attempts *[]Attempt) (*provider.Purchase, string, error) {
	preq := provider.PurchaseRequest{
		Service:       req.Service,
		Country:       req.Country,
		Operator:      opName,
		ExpectedPrice: cost,
	}
	for _, gw := range s.registry.Ordered() {
		name := gw.Name()
		if !eligible(gw, req) {
			*attempts = append(*attempts, Attempt{Provider: name, Reason: "rentals not offered"})
			continue
		}
		if s.advisor.Veto(name, req.Service, req.Country) {
			*attempts = append(*attempts, Attempt{Provider: name, Reason: "skipped after recent failures"})
			continue
		}
		won, err := s.registry.Purchase(ctx, gw, preq)
		if err == nil {
			s.advisor.ReportSuccess(name, req.Service, req.Country)
			return won, name, nil
		}
		kind := provider.Classify(err)
		*attempts = append(*attempts, Attempt{Provider: name, Reason: string(kind)})
		s.advisor.ReportFailure(name, req.Service, req.Country)
		if !provider.Recoverable(err) {
			s.logger.Error("provider failed fatally, aborting waterfall",
				"provider", name, "kind", kind, "error", err)
			break
		}
		s.logger.Warn("provider failed, trying next",
			"provider", name, "kind", kind)
	}
	return nil, "", &WaterfallError{Service: req.Service, Country: req.Country, Attempts: *attempts}
}
