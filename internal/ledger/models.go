// Package ledger is the only code path that mutates wallet balances and
// order money fields. Every transition is a guarded statement or a short
// transaction; per-user serialization comes from Postgres row locking, not
// from in-process locks.
package ledger

import (
	"errors"
	"time"
)

// Kind discriminates the two order flavours.
type Kind string

const (
	KindActivation Kind = "activation"
	KindRental     Kind = "rental"
)

// Status is the lifecycle state of an order.
type Status string

const (
	// StatusWaiting: number delivered to the user, funds frozen, no SMS yet.
	StatusWaiting Status = "waiting"
	// StatusActive: rental that received at least one message; captured but
	// still open for more messages.
	StatusActive Status = "active"
	// StatusReceived: activation got its code; captured. Terminal.
	StatusReceived Status = "received"
	// StatusTimeout: expired without delivery; released. Terminal.
	StatusTimeout Status = "timeout"
	// StatusCancelled: user cancelled; released. Terminal.
	StatusCancelled Status = "cancelled"
	// StatusFinished: rental closed. Terminal.
	StatusFinished Status = "finished"
)

// Terminal reports whether no further lifecycle transitions apply.
func (s Status) Terminal() bool {
	switch s {
	case StatusReceived, StatusTimeout, StatusCancelled, StatusFinished:
		return true
	}
	return false
}

// Wallet is a user's funds. Available funds are Balance - Frozen; the schema
// enforces both non-negativity and Balance >= Frozen.
type Wallet struct {
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	Frozen    int64     `json:"frozen"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Available returns the spendable portion of the wallet.
func (w *Wallet) Available() int64 { return w.Balance - w.Frozen }

// Order is one purchased number, activation or rental. Rows are never
// deleted; terminal rows stay for audit.
type Order struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Kind         Kind       `json:"kind"`
	Provider     string     `json:"provider"`
	ProviderRef  string     `json:"providerRef"`
	Phone        string     `json:"phone"`
	ServiceCode  string     `json:"serviceCode"`
	CountryCode  string     `json:"countryCode"`
	Operator     string     `json:"operator"`
	Price        int64      `json:"price"`
	FrozenAmount int64      `json:"frozenAmount"`
	Status       Status     `json:"status"`
	Charged      bool       `json:"charged"`
	Refunded     bool       `json:"refunded"`
	ReceivedCode *string    `json:"receivedCode,omitempty"`
	ReceivedText *string    `json:"receivedText,omitempty"`
	MessageCount int        `json:"messageCount"`
	DurationMins int        `json:"durationMinutes"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Correction is one administrative balance adjustment (post-capture refund).
type Correction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	OrderID   string    `json:"orderId"`
	Amount    int64     `json:"amount"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"createdAt"`
}

// FrozenMismatch is one wallet whose frozen column disagrees with the sum of
// its open orders' frozen amounts. Produced by the audit query; a non-empty
// result means a reconciliation bug.
type FrozenMismatch struct {
	UserID       string
	WalletFrozen int64
	OrdersFrozen int64
}

var (
	// ErrInsufficientFunds: reserve asked for more than balance - frozen.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAlreadyFinalized: capture or release hit an order whose reservation
	// was already resolved. Callers treat this as "someone else won the
	// race" and re-read state, never as a user-facing failure.
	ErrAlreadyFinalized = errors.New("order already finalized")
	// ErrNotFound: no such wallet or order.
	ErrNotFound = errors.New("not found")
	// ErrNotRefundable: admin credit on an order that is not terminal yet.
	ErrNotRefundable = errors.New("order not refundable")
)
