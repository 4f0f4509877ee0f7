package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store handles database operations for wallets, orders and corrections.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new ledger Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id    TEXT PRIMARY KEY,
	balance    BIGINT NOT NULL DEFAULT 0,
	frozen     BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (balance >= 0),
	CHECK (frozen >= 0),
	CHECK (balance >= frozen)
);

CREATE TABLE IF NOT EXISTS orders (
	id            UUID PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES wallets(user_id),
	kind          TEXT NOT NULL,
	provider      TEXT NOT NULL,
	provider_ref  TEXT NOT NULL,
	phone         TEXT NOT NULL,
	service_code  TEXT NOT NULL,
	country_code  TEXT NOT NULL,
	operator      TEXT NOT NULL DEFAULT 'any',
	price         BIGINT NOT NULL,
	frozen_amount BIGINT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'waiting',
	charged       BOOLEAN NOT NULL DEFAULT FALSE,
	refunded      BOOLEAN NOT NULL DEFAULT FALSE,
	received_code TEXT,
	received_text TEXT,
	message_count INT NOT NULL DEFAULT 0,
	duration_mins INT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (frozen_amount >= 0)
);

CREATE INDEX IF NOT EXISTS orders_open_idx
	ON orders (expires_at) WHERE status IN ('waiting', 'active');
CREATE INDEX IF NOT EXISTS orders_user_idx ON orders (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS ledger_corrections (
	id         UUID PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES wallets(user_id),
	order_id   UUID NOT NULL REFERENCES orders(id),
	amount     BIGINT NOT NULL,
	note       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the ledger tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

// --- Wallet operations ---

// EnsureWallet creates the wallet row for a user when missing.
func (s *Store) EnsureWallet(ctx context.Context, userID string) (*Wallet, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1)
		 ON CONFLICT (user_id) DO UPDATE SET updated_at = wallets.updated_at
		 RETURNING user_id, balance, frozen, created_at, updated_at`,
		userID,
	)
	return scanWallet(row)
}

// Wallet returns a user's wallet.
func (s *Store) Wallet(ctx context.Context, userID string) (*Wallet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, balance, frozen, created_at, updated_at
		 FROM wallets WHERE user_id = $1`, userID,
	)
	w, err := scanWallet(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return w, err
}

// Deposit adds funds to a wallet (top-up path).
func (s *Store) Deposit(ctx context.Context, userID string, amount int64) (*Wallet, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE wallets SET balance = balance + $2, updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING user_id, balance, frozen, created_at, updated_at`,
		userID, amount,
	)
	w, err := scanWallet(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return w, err
}

// Reserve earmarks amount for an in-flight purchase. The guard keeps
// available funds non-negative; a second concurrent reserve for the same user
// serializes on the wallet row.
func (s *Store) Reserve(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %d", amount)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets SET frozen = frozen + $2, updated_at = NOW()
		 WHERE user_id = $1 AND balance - frozen >= $2`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Wallet(ctx, userID); err != nil {
			return err
		}
		return ErrInsufficientFunds
	}
	return nil
}

// Unreserve drops a reservation that never became an order (the waterfall
// exhausted all providers). The guard prevents frozen from going negative if
// the reservation was somehow already resolved.
func (s *Store) Unreserve(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("unreserve amount must be positive, got %d", amount)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets SET frozen = frozen - $2, updated_at = NOW()
		 WHERE user_id = $1 AND frozen >= $2`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("unreserve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

// --- Order rows ---

const orderColumns = `id, user_id, kind, provider, provider_ref, phone,
	service_code, country_code, operator, price, frozen_amount, status,
	charged, refunded, received_code, received_text, message_count,
	duration_mins, created_at, expires_at, updated_at`

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	err := row.Scan(&w.UserID, &w.Balance, &w.Frozen, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.UserID, &o.Kind, &o.Provider, &o.ProviderRef, &o.Phone,
		&o.ServiceCode, &o.CountryCode, &o.Operator, &o.Price, &o.FrozenAmount,
		&o.Status, &o.Charged, &o.Refunded, &o.ReceivedCode, &o.ReceivedText,
		&o.MessageCount, &o.DurationMins, &o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]Order, error) {
	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

// CreateOrder inserts a new order. The reservation for o.FrozenAmount must
// already be held; the insert records which slice of frozen it owns.
func (s *Store) CreateOrder(ctx context.Context, o *Order) (*Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = StatusWaiting
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO orders (id, user_id, kind, provider, provider_ref, phone,
			service_code, country_code, operator, price, frozen_amount, status,
			duration_mins, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 RETURNING `+orderColumns,
		o.ID, o.UserID, o.Kind, o.Provider, o.ProviderRef, o.Phone,
		o.ServiceCode, o.CountryCode, o.Operator, o.Price, o.FrozenAmount,
		o.Status, o.DurationMins, o.ExpiresAt,
	)
	return scanOrder(row)
}

// OrderByID returns one order.
func (s *Store) OrderByID(ctx context.Context, id string) (*Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id,
	)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

// ActiveOrders returns a user's non-terminal orders, newest first.
func (s *Store) ActiveOrders(ctx context.Context, userID string) ([]Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND status IN ('waiting', 'active')
		 ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	orders, err := scanOrders(rows)
	if orders == nil {
		orders = []Order{}
	}
	return orders, err
}

// DueForSweep returns open orders past their expiry, oldest first.
func (s *Store) DueForSweep(ctx context.Context, limit int) ([]Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('waiting', 'active') AND expires_at < NOW()
		 ORDER BY expires_at
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// OpenForPolling returns unexpired open orders, least recently checked first.
func (s *Store) OpenForPolling(ctx context.Context, limit int) ([]Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('waiting', 'active') AND expires_at >= NOW()
		 ORDER BY updated_at
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// --- Reservation finalization ---

// lockOpenOrder loads an order inside tx with FOR UPDATE and enforces the
// finalization guard: the order must still hold its reservation.
func lockOpenOrder(ctx context.Context, tx pgx.Tx, orderID string) (*Order, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID,
	)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.FrozenAmount == 0 || o.Status != StatusWaiting {
		return nil, ErrAlreadyFinalized
	}
	return o, nil
}

// Capture finalizes a reservation into a spend: the order moves to toStatus
// (received for activations, active for rentals), the frozen slice is
// debited from the balance. Calling it on an already-finalized order is a
// no-op returning ErrAlreadyFinalized.
func (s *Store) Capture(ctx context.Context, orderID string, toStatus Status, code, text *string) (*Order, error) {
	if toStatus != StatusReceived && toStatus != StatusActive {
		return nil, fmt.Errorf("capture cannot move an order to %q", toStatus)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	o, err := lockOpenOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx,
		`UPDATE orders SET
			status = $2, frozen_amount = 0, charged = TRUE,
			received_code = COALESCE($3, received_code),
			received_text = COALESCE($4, received_text),
			message_count = CASE WHEN $3 IS NOT NULL THEN message_count + 1 ELSE message_count END,
			updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+orderColumns,
		orderID, toStatus, code, text,
	)
	updated, err := scanOrder(row)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = balance - $2, frozen = frozen - $2, updated_at = NOW()
		 WHERE user_id = $1`,
		o.UserID, o.FrozenAmount,
	); err != nil {
		return nil, fmt.Errorf("capture wallet update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return updated, nil
}

// Release finalizes a reservation back into available funds: the order moves
// to toStatus (timeout, cancelled or finished) and the frozen slice is
// unfrozen without touching the balance. Idempotent via the same guard as
// Capture.
func (s *Store) Release(ctx context.Context, orderID string, toStatus Status) (*Order, error) {
	if !toStatus.Terminal() || toStatus == StatusReceived {
		return nil, fmt.Errorf("release cannot move an order to %q", toStatus)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	o, err := lockOpenOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx,
		`UPDATE orders SET status = $2, frozen_amount = 0, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+orderColumns,
		orderID, toStatus,
	)
	updated, err := scanOrder(row)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET frozen = frozen - $2, updated_at = NOW()
		 WHERE user_id = $1`,
		o.UserID, o.FrozenAmount,
	); err != nil {
		return nil, fmt.Errorf("release wallet update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return updated, nil
}

// MarkFinished closes a captured rental. No money moves; the capture already
// happened on first delivery.
func (s *Store) MarkFinished(ctx context.Context, orderID string) (*Order, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE orders SET status = 'finished', updated_at = NOW()
		 WHERE id = $1 AND status = 'active'
		 RETURNING `+orderColumns,
		orderID,
	)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, ErrAlreadyFinalized
	}
	return o, err
}

// RecordMessages updates a rental's message counter and latest code/text.
// Only applies while the order is open.
func (s *Store) RecordMessages(ctx context.Context, orderID string, count int, lastCode, lastText string) (*Order, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE orders SET
			message_count = $2,
			received_code = NULLIF($3, ''),
			received_text = NULLIF($4, ''),
			updated_at = NOW()
		 WHERE id = $1 AND status IN ('waiting', 'active')
		 RETURNING `+orderColumns,
		orderID, count, lastCode, lastText,
	)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, ErrAlreadyFinalized
	}
	return o, err
}

// ExtendExpiry pushes an open order's expiry forward by minutes.
func (s *Store) ExtendExpiry(ctx context.Context, orderID string, minutes int) (*Order, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE orders SET
			expires_at = expires_at + make_interval(mins => $2),
			duration_mins = duration_mins + $2,
			updated_at = NOW()
		 WHERE id = $1 AND status IN ('waiting', 'active')
		 RETURNING `+orderColumns,
		orderID, minutes,
	)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, ErrAlreadyFinalized
	}
	return o, err
}

// ChargeExtension debits a rental extension directly from available funds:
// a reserve and capture collapsed into one guarded statement.
func (s *Store) ChargeExtension(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("extension amount must be positive, got %d", amount)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets SET balance = balance - $2, updated_at = NOW()
		 WHERE user_id = $1 AND balance - frozen >= $2`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("charge extension: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Wallet(ctx, userID); err != nil {
			return err
		}
		return ErrInsufficientFunds
	}
	return nil
}

// RefundExtension undoes a ChargeExtension whose vendor call never went
// through. The amount goes straight back to available funds.
func (s *Store) RefundExtension(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be positive, got %d", amount)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets SET balance = balance + $2, updated_at = NOW()
		 WHERE user_id = $1`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("refund extension: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AdminCredit reverses an already-captured order: the amount returns to the
// balance and a correction row records why. Distinct from Release: the
// funds were actually spent. Only terminal, charged, not-yet-refunded orders
// qualify.
func (s *Store) AdminCredit(ctx context.Context, orderID string, amount int64, note string) (*Correction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID,
	)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !o.Status.Terminal() && o.Status != StatusActive {
		return nil, ErrNotRefundable
	}
	if !o.Charged || o.Refunded {
		return nil, ErrNotRefundable
	}

	if _, err := tx.Exec(ctx,
		`UPDATE orders SET refunded = TRUE, updated_at = NOW() WHERE id = $1`,
		orderID,
	); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = balance + $2, updated_at = NOW() WHERE user_id = $1`,
		o.UserID, amount,
	); err != nil {
		return nil, err
	}

	c := Correction{ID: uuid.NewString(), UserID: o.UserID, OrderID: orderID, Amount: amount, Note: note}
	row = tx.QueryRow(ctx,
		`INSERT INTO ledger_corrections (id, user_id, order_id, amount, note)
		 VALUES ($1,$2,$3,$4,$5)
		 RETURNING created_at`,
		c.ID, c.UserID, c.OrderID, c.Amount, c.Note,
	)
	if err := row.Scan(&c.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &c, nil
}

// FrozenMismatches returns wallets whose frozen column disagrees with the
// sum of their open orders' frozen amounts. Run by the audit loop; any row
// is a reconciliation bug.
func (s *Store) FrozenMismatches(ctx context.Context) ([]FrozenMismatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT w.user_id, w.frozen, COALESCE(SUM(o.frozen_amount), 0) AS orders_frozen
		FROM wallets w
		LEFT JOIN orders o ON o.user_id = w.user_id AND o.status IN ('waiting', 'active')
		GROUP BY w.user_id, w.frozen
		HAVING w.frozen <> COALESCE(SUM(o.frozen_amount), 0)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []FrozenMismatch
	for rows.Next() {
		var m FrozenMismatch
		if err := rows.Scan(&m.UserID, &m.WalletFrozen, &m.OrdersFrozen); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
