// Package lifecycle drives open orders to their terminal states: the sweep
// loop expires them, the poll loop collects delivered SMS, and the audit loop
// watches the frozen-funds invariant. Manual operations (cancel, extend,
// finish) live here too so every transition funnels through one place.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/numgate/numgate/internal/ledger"
	"github.com/numgate/numgate/internal/operator"
	"github.com/numgate/numgate/internal/provider"
)

// Ledger is the slice of the ledger store the engine needs.
type Ledger interface {
	OrderByID(ctx context.Context, id string) (*ledger.Order, error)
	ActiveOrders(ctx context.Context, userID string) ([]ledger.Order, error)
	DueForSweep(ctx context.Context, limit int) ([]ledger.Order, error)
	OpenForPolling(ctx context.Context, limit int) ([]ledger.Order, error)
	Capture(ctx context.Context, orderID string, toStatus ledger.Status, code, text *string) (*ledger.Order, error)
	Release(ctx context.Context, orderID string, toStatus ledger.Status) (*ledger.Order, error)
	MarkFinished(ctx context.Context, orderID string) (*ledger.Order, error)
	RecordMessages(ctx context.Context, orderID string, count int, lastCode, lastText string) (*ledger.Order, error)
	ExtendExpiry(ctx context.Context, orderID string, minutes int) (*ledger.Order, error)
	ChargeExtension(ctx context.Context, userID string, amount int64) error
	RefundExtension(ctx context.Context, userID string, amount int64) error
	FrozenMismatches(ctx context.Context) ([]ledger.FrozenMismatch, error)
}

// Config holds runtime parameters for the engine.
type Config struct {
	SweepInterval time.Duration
	PollInterval  time.Duration
	PollBatch     int
	SweepBatch    int
	AuditCron     string
	AuditTick     time.Duration
	// HoldingPeriod is the minimum order age before a user may cancel.
	HoldingPeriod time.Duration
	// Markup and RentalBlock price rental extensions the same way the
	// purchase flow prices the initial rental.
	Markup      float64
	RentalBlock time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 30 * time.Second,
		PollInterval:  5 * time.Second,
		PollBatch:     50,
		SweepBatch:    100,
		AuditCron:     "0 3 * * *",
		AuditTick:     time.Minute,
		HoldingPeriod: 5 * time.Minute,
		Markup:        1.2,
		RentalBlock:   time.Hour,
	}
}

var (
	// ErrHoldingPeriod: the order is too young to cancel.
	ErrHoldingPeriod = errors.New("order is inside its minimum holding period")
	// ErrNotRental: extend/finish called on an activation order.
	ErrNotRental = errors.New("operation applies to rentals only")
)

// Engine runs the background loops and the manual order operations.
type Engine struct {
	ledger   Ledger
	registry *provider.Registry
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates the lifecycle engine.
func NewEngine(l Ledger, reg *provider.Registry, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = def.PollBatch
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	if cfg.AuditCron == "" {
		cfg.AuditCron = def.AuditCron
	}
	if cfg.AuditTick <= 0 {
		cfg.AuditTick = def.AuditTick
	}
	if cfg.HoldingPeriod < 0 {
		cfg.HoldingPeriod = def.HoldingPeriod
	}
	if cfg.Markup <= 0 {
		cfg.Markup = def.Markup
	}
	if cfg.RentalBlock <= 0 {
		cfg.RentalBlock = def.RentalBlock
	}
	return &Engine{
		ledger:   l,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches the sweep, poll and audit loops.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(3)
	go e.sweepLoop(ctx)
	go e.pollLoop(ctx)
	go e.auditLoop(ctx)

	e.logger.Info("lifecycle engine started",
		"sweep_interval", e.cfg.SweepInterval,
		"poll_interval", e.cfg.PollInterval,
		"poll_batch", e.cfg.PollBatch,
		"audit_cron", e.cfg.AuditCron,
	)
}

// Stop signals the loops to stop and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("lifecycle engine stopped")
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepOnce(ctx)
		}
	}
}

// SweepOnce moves every expired order to its terminal state.
func (e *Engine) SweepOnce(ctx context.Context) {
	due, err := e.ledger.DueForSweep(ctx, e.cfg.SweepBatch)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error("sweep query failed", "error", err)
		return
	}
	for i := range due {
		e.sweepOrder(ctx, &due[i])
	}
}

func (e *Engine) sweepOrder(ctx context.Context, o *ledger.Order) {
	if o.Charged {
		// Captured rental past its rented window.
		if _, err := e.ledger.MarkFinished(ctx, o.ID); err != nil {
			if errors.Is(err, ledger.ErrAlreadyFinalized) {
				e.logger.Debug("sweep lost the race", "order", o.ID)
				return
			}
			e.logger.Error("sweep finish failed", "order", o.ID, "error", err)
			return
		}
		e.logger.Info("rental expired", "order", o.ID, "user", o.UserID)
		return
	}
	if _, err := e.ledger.Release(ctx, o.ID, ledger.StatusTimeout); err != nil {
		if errors.Is(err, ledger.ErrAlreadyFinalized) {
			e.logger.Debug("sweep lost the race", "order", o.ID)
			return
		}
		e.logger.Error("sweep release failed", "order", o.ID, "error", err)
		return
	}
	e.logger.Info("order timed out, funds released",
		"order", o.ID, "user", o.UserID, "amount", o.FrozenAmount)
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.PollOnce(ctx)
		}
	}
}

// PollOnce asks the providers about every open unexpired order.
func (e *Engine) PollOnce(ctx context.Context) {
	open, err := e.ledger.OpenForPolling(ctx, e.cfg.PollBatch)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error("poll query failed", "error", err)
		return
	}
	for i := range open {
		o := &open[i]
		switch o.Kind {
		case ledger.KindActivation:
			e.pollActivation(ctx, o)
		case ledger.KindRental:
			e.pollRental(ctx, o)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) pollActivation(ctx context.Context, o *ledger.Order) {
	st, err := e.registry.CheckStatus(ctx, o.Provider, o.ProviderRef)
	if err != nil {
		e.logger.Warn("status check failed",
			"order", o.ID, "provider", o.Provider, "kind", provider.Classify(err))
		return
	}
	if st.Pending || st.Code == "" {
		return
	}
	text := st.Text
	if _, err := e.ledger.Capture(ctx, o.ID, ledger.StatusReceived, &st.Code, &text); err != nil {
		if errors.Is(err, ledger.ErrAlreadyFinalized) {
			e.logger.Debug("poll lost the race", "order", o.ID)
			return
		}
		e.logger.Error("capture failed", "order", o.ID, "error", err)
		return
	}
	e.logger.Info("code delivered, order captured",
		"order", o.ID, "user", o.UserID, "provider", o.Provider)
}

func (e *Engine) pollRental(ctx context.Context, o *ledger.Order) {
	msgs, err := e.registry.Messages(ctx, o.Provider, o.ProviderRef)
	if err != nil {
		e.logger.Warn("message fetch failed",
			"order", o.ID, "provider", o.Provider, "kind", provider.Classify(err))
		return
	}
	if len(msgs) == 0 || len(msgs) <= o.MessageCount {
		return
	}
	last := msgs[len(msgs)-1]

	if !o.Charged {
		// First delivery captures the rental into active.
		text := last.Text
		if _, err := e.ledger.Capture(ctx, o.ID, ledger.StatusActive, &last.Code, &text); err != nil {
			if errors.Is(err, ledger.ErrAlreadyFinalized) {
				e.logger.Debug("poll lost the race", "order", o.ID)
				return
			}
			e.logger.Error("rental capture failed", "order", o.ID, "error", err)
			return
		}
		e.logger.Info("first message received, rental captured",
			"order", o.ID, "user", o.UserID, "provider", o.Provider)
		if len(msgs) == 1 {
			return
		}
	}
	if _, err := e.ledger.RecordMessages(ctx, o.ID, len(msgs), last.Code, last.Text); err != nil {
		if errors.Is(err, ledger.ErrAlreadyFinalized) {
			e.logger.Debug("poll lost the race", "order", o.ID)
			return
		}
		e.logger.Error("record messages failed", "order", o.ID, "error", err)
	}
}

func (e *Engine) auditLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.AuditTick)
	defer ticker.Stop()

	next, err := gronx.NextTickAfter(e.cfg.AuditCron, e.now(), false)
	if err != nil {
		e.logger.Error("invalid audit cron expression, audit disabled",
			"cron", e.cfg.AuditCron, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.now().Before(next) {
				continue
			}
			e.AuditOnce(ctx)
			next, err = gronx.NextTickAfter(e.cfg.AuditCron, e.now(), false)
			if err != nil {
				e.logger.Error("audit cron recompute failed", "error", err)
				return
			}
		}
	}
}

// AuditOnce compares wallet frozen columns against open order sums. Any
// mismatch is a reconciliation bug and is logged loudly; nothing is repaired
// automatically.
func (e *Engine) AuditOnce(ctx context.Context) {
	mismatches, err := e.ledger.FrozenMismatches(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error("frozen audit query failed", "error", err)
		return
	}
	for _, m := range mismatches {
		e.logger.Error("frozen funds mismatch",
			"user", m.UserID,
			"wallet_frozen", m.WalletFrozen,
			"orders_frozen", m.OrdersFrozen,
		)
	}
	if len(mismatches) == 0 {
		e.logger.Info("frozen funds audit clean")
	}
}

// GetActive returns a user's open orders.
func (e *Engine) GetActive(ctx context.Context, userID string) ([]ledger.Order, error) {
	return e.ledger.ActiveOrders(ctx, userID)
}

// Order returns one order by id.
func (e *Engine) Order(ctx context.Context, orderID string) (*ledger.Order, error) {
	return e.ledger.OrderByID(ctx, orderID)
}

// Cancel releases a waiting order back to the user. The vendor cancel is best
// effort; the refund never depends on the vendor answering.
func (e *Engine) Cancel(ctx context.Context, orderID, userID string) (*ledger.Order, error) {
	o, err := e.ledger.OrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ledger.ErrNotFound
	}
	if e.now().Sub(o.CreatedAt) < e.cfg.HoldingPeriod {
		return nil, fmt.Errorf("%w: retry after %s",
			ErrHoldingPeriod, o.CreatedAt.Add(e.cfg.HoldingPeriod).Format(time.RFC3339))
	}
	if err := e.registry.Cancel(ctx, o.Provider, o.ProviderRef); err != nil {
		e.logger.Warn("vendor cancel failed",
			"order", o.ID, "provider", o.Provider, "error", err)
	}
	return e.ledger.Release(ctx, orderID, ledger.StatusCancelled)
}

// Extend lengthens an open rental. The extension is priced from a fresh
// quote, debited up front, then pushed to the vendor. A vendor failure
// refunds the debit before the error is returned.
func (e *Engine) Extend(ctx context.Context, orderID string, minutes int) (*ledger.Order, error) {
	if minutes <= 0 {
		return nil, errors.New("extension minutes must be positive")
	}
	o, err := e.ledger.OrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Kind != ledger.KindRental {
		return nil, ErrNotRental
	}
	if o.Status.Terminal() {
		return nil, ledger.ErrAlreadyFinalized
	}

	price, err := e.extensionPrice(ctx, o, minutes)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.ChargeExtension(ctx, o.UserID, price); err != nil {
		return nil, err
	}
	if err := e.registry.Extend(ctx, o.Provider, o.ProviderRef, minutes); err != nil {
		if rerr := e.ledger.RefundExtension(ctx, o.UserID, price); rerr != nil {
			e.logger.Error("refund after failed vendor extend",
				"order", o.ID, "user", o.UserID, "amount", price, "error", rerr)
		}
		e.logger.Error("vendor extend failed, charge refunded",
			"order", o.ID, "provider", o.Provider, "error", err)
		return nil, fmt.Errorf("vendor extension failed: %w", err)
	}
	extended, err := e.ledger.ExtendExpiry(ctx, orderID, minutes)
	if err != nil {
		return nil, err
	}
	e.logger.Info("rental extended",
		"order", o.ID, "user", o.UserID, "minutes", minutes, "price", price)
	return extended, nil
}

// extensionPrice re-quotes the order's provider and prices the extra blocks.
func (e *Engine) extensionPrice(ctx context.Context, o *ledger.Order, minutes int) (int64, error) {
	gw, ok := e.registry.Get(o.Provider)
	if !ok {
		return 0, fmt.Errorf("provider %q no longer configured", o.Provider)
	}
	quotes, err := e.registry.Quotes(ctx, gw, o.ServiceCode, o.CountryCode)
	if err != nil {
		return 0, fmt.Errorf("cannot price extension: %w", err)
	}
	q, ok := quotes[o.Operator]
	if !ok {
		name, found := operator.SelectBest(quotes)
		if !found {
			return 0, fmt.Errorf("cannot price extension: no quotes for %s/%s",
				o.ServiceCode, o.CountryCode)
		}
		q = quotes[name]
	}
	blocks := int(math.Ceil(float64(minutes) / e.cfg.RentalBlock.Minutes()))
	if blocks < 1 {
		blocks = 1
	}
	return int64(math.Ceil(float64(q.Cost) * e.cfg.Markup * float64(blocks))), nil
}

// Finish closes a rental early. A captured rental just flips to finished; one
// that never received a message releases its frozen funds.
func (e *Engine) Finish(ctx context.Context, orderID string) (*ledger.Order, error) {
	o, err := e.ledger.OrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Kind != ledger.KindRental {
		return nil, ErrNotRental
	}
	if err := e.registry.Finish(ctx, o.Provider, o.ProviderRef); err != nil {
		e.logger.Warn("vendor finish failed",
			"order", o.ID, "provider", o.Provider, "error", err)
	}
	if o.Charged {
		return e.ledger.MarkFinished(ctx, orderID)
	}
	return e.ledger.Release(ctx, orderID, ledger.StatusFinished)
}
