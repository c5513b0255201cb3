/*
store.go - Persistence interfaces for balances and ledger events

PURPOSE:
  Defines the boundary between the ledger service and the transactional
  store. Implementations live in store/memory, store/sqlite and
  store/postgres.

KEY INTERFACES:
  BalanceStore: One row per account, two mutating primitives
  EventStore:   Append-only event persistence and idempotency lookups
  Tx:           Store views bound to one open transaction
  UnitOfWork:   Opens a transaction and hands out a Tx
  Store:        UnitOfWork plus non-transactional views for reads

ATOMIC PRIMITIVES:
  DecrementIfEnough MUST be a single conditional statement
  (UPDATE ... WHERE balance >= n). A read-then-write implementation lets two
  concurrent reservations both observe balance 1 and both debit it.

APPEND-ONLY CONTRACT:
  EventStore has no Update or Delete. Uniqueness violations are reported
  with sentinel errors so the service can turn a lost race into a typed
  outcome instead of an infrastructure failure:
  - ErrDuplicateExternalPayment: external_payment_id already used
  - ErrDuplicateReservationEvent: RESERVE or settlement already recorded

SEE ALSO:
  - service.go: Composes these under WithTx
  - errors.go: Sentinel errors
*/
package ledger

import "context"

// =============================================================================
// BALANCE STORE
// =============================================================================

// BalanceStore holds the current balance of each account.
type BalanceStore interface {
	// EnsureRow creates a zero-balance row if none exists. Idempotent.
	EnsureRow(ctx context.Context, account AccountID) error

	// GetBalance returns 0 when the row does not exist.
	GetBalance(ctx context.Context, account AccountID) (int64, error)

	// Increment adds amount (> 0). A missing row is created and the
	// increment retried once.
	Increment(ctx context.Context, account AccountID, amount int64) (int64, error)

	// DecrementIfEnough subtracts amount (> 0) only if balance >= amount.
	// ok is false when the balance is insufficient or the row is missing.
	DecrementIfEnough(ctx context.Context, account AccountID, amount int64) (newBalance int64, ok bool, err error)
}

// =============================================================================
// EVENT STORE - Append-only
// =============================================================================

// EventStore persists ledger events. No Update, No Delete.
type EventStore interface {
	// Append persists one event. Returns ErrDuplicateExternalPayment or
	// ErrDuplicateReservationEvent on uniqueness violations.
	Append(ctx context.Context, e Event) error

	// ExistsExternalPaymentID checks the idempotency key.
	ExistsExternalPaymentID(ctx context.Context, externalPaymentID string) (bool, error)

	// FindByReservation returns the earliest event for the reservation whose
	// type is one of types, or nil.
	FindByReservation(ctx context.Context, reservation ReservationID, types ...EventType) (*Event, error)

	// ListByAccount returns the account's events in append order.
	ListByAccount(ctx context.Context, account AccountID) ([]Event, error)

	// SumDeltas returns Σ delta and the event count for the account.
	SumDeltas(ctx context.Context, account AccountID) (sum int64, count int, err error)
}

// =============================================================================
// TRANSACTION SCOPE
// =============================================================================

// Tx is an open transaction. Every call made through its views runs inside
// that transaction.
type Tx interface {
	Balances() BalanceStore
	Events() EventStore
}

// UnitOfWork opens transactions.
type UnitOfWork interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back and the error
	// returned. If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Store is a UnitOfWork that also serves reads outside a transaction.
type Store interface {
	UnitOfWork
	Balances() BalanceStore
	Events() EventStore
}
