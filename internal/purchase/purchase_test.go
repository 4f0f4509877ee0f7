package purchase_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numgate/numgate/internal/ledger"
	"github.com/numgate/numgate/internal/operator"
	"github.com/numgate/numgate/internal/provider"
	"github.com/numgate/numgate/internal/purchase"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGateway struct {
	name          string
	noRentals     bool
	quotes        map[string]operator.Quote
	quotesErr     error
	won           *provider.Purchase
	purchaseErr   error
	purchaseCalls int
	lastReq       provider.PurchaseRequest
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) SupportsRentals() bool { return !g.noRentals }

func (g *fakeGateway) Quotes(_ context.Context, _, _ string) (map[string]operator.Quote, error) {
	return g.quotes, g.quotesErr
}

func (g *fakeGateway) Purchase(_ context.Context, req provider.PurchaseRequest) (*provider.Purchase, error) {
	g.purchaseCalls++
	g.lastReq = req
	if g.purchaseErr != nil {
		return nil, g.purchaseErr
	}
	return g.won, nil
}

func (g *fakeGateway) CheckStatus(context.Context, string) (*provider.Status, error) {
	return &provider.Status{Pending: true}, nil
}
func (g *fakeGateway) Cancel(context.Context, string) error      { return nil }
func (g *fakeGateway) Extend(context.Context, string, int) error { return nil }
func (g *fakeGateway) Messages(context.Context, string) ([]provider.Message, error) {
	return nil, nil
}
func (g *fakeGateway) Finish(context.Context, string) error { return nil }

type fakeLedger struct {
	reserved   []int64
	unreserved []int64
	reserveErr error
	createErr  error
	created    []*ledger.Order
}

func (l *fakeLedger) EnsureWallet(_ context.Context, userID string) (*ledger.Wallet, error) {
	return &ledger.Wallet{UserID: userID}, nil
}

func (l *fakeLedger) Reserve(_ context.Context, _ string, amount int64) error {
	if l.reserveErr != nil {
		return l.reserveErr
	}
	l.reserved = append(l.reserved, amount)
	return nil
}

func (l *fakeLedger) Unreserve(_ context.Context, _ string, amount int64) error {
	l.unreserved = append(l.unreserved, amount)
	return nil
}

func (l *fakeLedger) CreateOrder(_ context.Context, o *ledger.Order) (*ledger.Order, error) {
	if l.createErr != nil {
		return nil, l.createErr
	}
	o.ID = "order-1"
	l.created = append(l.created, o)
	return o, nil
}

func stockQuotes() map[string]operator.Quote {
	return map[string]operator.Quote{
		"mts": {Cost: 100, Count: 50, Rate: 90},
	}
}

func newService(l *fakeLedger, advisor purchase.Advisor, gws ...provider.Gateway) *purchase.Service {
	reg := provider.NewRegistry(gws, time.Second)
	cfg := purchase.Config{Markup: 1.2, ActivationTTL: 20 * time.Minute, RentalBlock: time.Hour}
	return purchase.NewService(l, reg, advisor, cfg, discardLogger())
}

func activationReq() purchase.Request {
	return purchase.Request{UserID: "u1", Service: "tg", Country: "GB", Kind: ledger.KindActivation}
}

func TestPurchaseFirstProviderWins(t *testing.T) {
	gw := &fakeGateway{
		name:   "smsactivate",
		quotes: stockQuotes(),
		won:    &provider.Purchase{Ref: "ref-1", Phone: "+447911123456", Price: 100},
	}
	l := &fakeLedger{}
	svc := newService(l, nil, gw)

	order, err := svc.Purchase(context.Background(), activationReq())
	require.NoError(t, err)

	// cost 100 * markup 1.2
	assert.Equal(t, int64(120), order.Price)
	assert.Equal(t, int64(120), order.FrozenAmount)
	assert.Equal(t, "smsactivate", order.Provider)
	assert.Equal(t, "ref-1", order.ProviderRef)
	assert.Equal(t, "mts", order.Operator)
	assert.Equal(t, 20, order.DurationMins)

	assert.Equal(t, []int64{120}, l.reserved)
	assert.Empty(t, l.unreserved)
}

func TestPurchaseFallsBackOnRecoverable(t *testing.T) {
	first := &fakeGateway{
		name:        "smsactivate",
		quotes:      stockQuotes(),
		purchaseErr: &provider.Error{Provider: "smsactivate", Kind: provider.KindNoNumbers},
	}
	second := &fakeGateway{
		name:   "fivesim",
		quotes: stockQuotes(),
		won:    &provider.Purchase{Ref: "99", Phone: "+447911123456", Price: 110},
	}
	l := &fakeLedger{}
	svc := newService(l, nil, first, second)

	order, err := svc.Purchase(context.Background(), activationReq())
	require.NoError(t, err)
	assert.Equal(t, "fivesim", order.Provider)
	assert.Equal(t, 1, first.purchaseCalls)
	assert.Equal(t, 1, second.purchaseCalls)
	assert.Empty(t, l.unreserved)
}

func TestPurchaseFatalErrorAborts(t *testing.T) {
	first := &fakeGateway{
		name:        "smsactivate",
		quotes:      stockQuotes(),
		purchaseErr: &provider.Error{Provider: "smsactivate", Kind: provider.KindAuth, Message: "bad key"},
	}
	second := &fakeGateway{
		name:   "fivesim",
		quotes: stockQuotes(),
		won:    &provider.Purchase{Ref: "99", Phone: "+447911123456"},
	}
	l := &fakeLedger{}
	svc := newService(l, nil, first, second)

	_, err := svc.Purchase(context.Background(), activationReq())
	require.Error(t, err)

	var werr *purchase.WaterfallError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 0, second.purchaseCalls, "fatal failure must abort the waterfall")
	assert.Equal(t, []int64{120}, l.unreserved, "reservation must be dropped")
}

func TestPurchaseAllFailUnreservesAndAggregates(t *testing.T) {
	first := &fakeGateway{
		name:        "smsactivate",
		quotes:      stockQuotes(),
		purchaseErr: &provider.Error{Provider: "smsactivate", Kind: provider.KindNoNumbers},
	}
	second := &fakeGateway{
		name:        "fivesim",
		quotes:      stockQuotes(),
		purchaseErr: &provider.Error{Provider: "fivesim", Kind: provider.KindRateLimited},
	}
	l := &fakeLedger{}
	svc := newService(l, nil, first, second)

	_, err := svc.Purchase(context.Background(), activationReq())
	require.Error(t, err)

	var werr *purchase.WaterfallError
	require.ErrorAs(t, err, &werr)
	assert.Contains(t, err.Error(), "smsactivate: no_numbers")
	assert.Contains(t, err.Error(), "fivesim: rate_limited")
	assert.Equal(t, []int64{120}, l.reserved)
	assert.Equal(t, []int64{120}, l.unreserved)
	assert.Empty(t, l.created)
}

func TestPurchaseInsufficientFundsSkipsVendors(t *testing.T) {
	gw := &fakeGateway{
		name:   "smsactivate",
		quotes: stockQuotes(),
		won:    &provider.Purchase{Ref: "ref-1", Phone: "+447911123456"},
	}
	l := &fakeLedger{reserveErr: ledger.ErrInsufficientFunds}
	svc := newService(l, nil, gw)

	_, err := svc.Purchase(context.Background(), activationReq())
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, 0, gw.purchaseCalls, "no vendor call without a reservation")
	assert.Empty(t, l.unreserved)
}

func TestPurchaseNoQuotesNoReservation(t *testing.T) {
	gw := &fakeGateway{
		name:      "smsactivate",
		quotesErr: &provider.Error{Provider: "smsactivate", Kind: provider.KindUnavailable},
	}
	l := &fakeLedger{}
	svc := newService(l, nil, gw)

	_, err := svc.Purchase(context.Background(), activationReq())
	require.Error(t, err)

	var werr *purchase.WaterfallError
	require.ErrorAs(t, err, &werr)
	assert.Empty(t, l.reserved)
	assert.Equal(t, 0, gw.purchaseCalls)
}

func TestPurchaseCreateOrderFailureUnreserves(t *testing.T) {
	gw := &fakeGateway{
		name:   "smsactivate",
		quotes: stockQuotes(),
		won:    &provider.Purchase{Ref: "ref-1", Phone: "+447911123456"},
	}
	l := &fakeLedger{createErr: context.DeadlineExceeded}
	svc := newService(l, nil, gw)

	_, err := svc.Purchase(context.Background(), activationReq())
	require.Error(t, err)
	assert.Equal(t, []int64{120}, l.unreserved)
}

func TestPurchaseAdvisorVetoSkipsProvider(t *testing.T) {
	vetoed := &fakeGateway{
		name:   "smsactivate",
		quotes: stockQuotes(),
		won:    &provider.Purchase{Ref: "bad", Phone: "+447911123456"},
	}
	second := &fakeGateway{
		name:   "fivesim",
		quotes: stockQuotes(),
		won:    &provider.Purchase{Ref: "ok", Phone: "+447911123456"},
	}

	mem := purchase.NewFailureMemory(2, time.Minute)
	mem.ReportFailure("smsactivate", "tg", "GB")
	mem.ReportFailure("smsactivate", "tg", "GB")

	l := &fakeLedger{}
	svc := newService(l, mem, vetoed, second)

	order, err := svc.Purchase(context.Background(), activationReq())
	require.NoError(t, err)
	assert.Equal(t, "fivesim", order.Provider)
	assert.Equal(t, 0, vetoed.purchaseCalls)
}

func TestPurchaseRentalPricingAndExpiry(t *testing.T) {
	gw := &fakeGateway{
		name:   "smsactivate",
		quotes: stockQuotes(),
		won:    &provider.Purchase{Ref: "r-1", Phone: "+447911123456"},
	}
	l := &fakeLedger{}
	svc := newService(l, nil, gw)

	req := purchase.Request{
		UserID: "u1", Service: "tg", Country: "GB",
		Kind: ledger.KindRental, DurationMinutes: 90,
	}
	order, err := svc.Purchase(context.Background(), req)
	require.NoError(t, err)

	// 90 minutes spans two hour blocks: 100 * 1.2 * 2.
	assert.Equal(t, int64(240), order.Price)
	assert.Equal(t, ledger.KindRental, order.Kind)
	assert.Equal(t, 90, order.DurationMins)
	assert.WithinDuration(t, time.Now().Add(90*time.Minute), order.ExpiresAt, 5*time.Second)
}

func TestPurchaseRentalSkipsActivationOnlyProviders(t *testing.T) {
	activationOnly := &fakeGateway{
		name:      "smshub",
		noRentals: true,
		quotes:    stockQuotes(),
		won:       &provider.Purchase{Ref: "nope", Phone: "+447911123456"},
	}
	rentals := &fakeGateway{
		name:   "smsactivate",
		quotes: stockQuotes(),
		won:    &provider.Purchase{Ref: "r-1", Phone: "+447911123456"},
	}
	l := &fakeLedger{}
	svc := newService(l, nil, activationOnly, rentals)

	req := purchase.Request{
		UserID: "u1", Service: "tg", Country: "GB",
		Kind: ledger.KindRental, DurationMinutes: 60,
	}
	order, err := svc.Purchase(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "smsactivate", order.Provider)
	assert.Equal(t, 0, activationOnly.purchaseCalls, "activation-only vendor must not be asked for a rental")
	assert.Equal(t, 1, rentals.purchaseCalls)
}

func TestPurchaseVendorCapIsQuotedCost(t *testing.T) {
	gw := &fakeGateway{
		name:   "smsactivate",
		quotes: stockQuotes(),
		won:    &provider.Purchase{Ref: "ref-1", Phone: "+447911123456", Price: 100},
	}
	l := &fakeLedger{}
	svc := newService(l, nil, gw)

	order, err := svc.Purchase(context.Background(), activationReq())
	require.NoError(t, err)

	// The vendor sees the operator cost; the markup stays on our side.
	assert.Equal(t, int64(100), gw.lastReq.ExpectedPrice)
	assert.Equal(t, int64(120), order.Price)
}

func TestRequestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  purchase.Request
		ok   bool
	}{
		{"valid activation", activationReq(), true},
		{"missing user", purchase.Request{Service: "tg", Country: "GB", Kind: ledger.KindActivation}, false},
		{"missing service", purchase.Request{UserID: "u", Country: "GB", Kind: ledger.KindActivation}, false},
		{"missing country", purchase.Request{UserID: "u", Service: "tg", Kind: ledger.KindActivation}, false},
		{"bad kind", purchase.Request{UserID: "u", Service: "tg", Country: "GB", Kind: "lease"}, false},
		{"activation with duration", purchase.Request{UserID: "u", Service: "tg", Country: "GB", Kind: ledger.KindActivation, DurationMinutes: 60}, false},
		{"rental without duration", purchase.Request{UserID: "u", Service: "tg", Country: "GB", Kind: ledger.KindRental}, false},
		{"valid rental", purchase.Request{UserID: "u", Service: "tg", Country: "GB", Kind: ledger.KindRental, DurationMinutes: 60}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestFailureMemoryVetoLifecycle(t *testing.T) {
	mem := purchase.NewFailureMemory(2, time.Minute)

	assert.False(t, mem.Veto("p", "tg", "GB"))
	mem.ReportFailure("p", "tg", "GB")
	assert.False(t, mem.Veto("p", "tg", "GB"), "below threshold")
	mem.ReportFailure("p", "tg", "GB")
	assert.True(t, mem.Veto("p", "tg", "GB"))

	// Scoped to the exact provider/service/country triple.
	assert.False(t, mem.Veto("p", "tg", "US"))
	assert.False(t, mem.Veto("other", "tg", "GB"))

	mem.ReportSuccess("p", "tg", "GB")
	assert.False(t, mem.Veto("p", "tg", "GB"), "success clears the slate")
}
