/*
Package booking couples tutoring reservations to the lesson-token ledger.

PURPOSE:
  A reservation row and its token debit must commit together. Booking
  inserts the row and calls ledger.ReserveInTx inside one transaction; if
  the ledger rejects the debit, the transaction is rolled back and no
  reservation exists.

RESERVATION LIFECYCLE:
  ┌──────────────────────────────────────────────────────────────┐
  │                                                              │
  │   Book ──▶ booked ──cancel before cutoff──▶ cancelled (RELEASE)
  │              │    ──cancel after cutoff───▶ cancelled (CONSUME)
  │              │    ──lesson held / sweep───▶ held      (CONSUME)
  │              └────no-show─────────────────▶ no_show   (CONSUME)
  │                                                              │
  └──────────────────────────────────────────────────────────────┘

  Every transition out of booked is conditional (WHERE status = 'booked'),
  so a reservation settles at most once even under concurrent cancels.

CUTOFF:
  Cancelling at or after StartsAt - Cutoff consumes the token instead of
  releasing it. Default cutoff is 24h.

SEE ALSO:
  - service.go: Book, Cancel, Complete, SettleDue
  - scheduler.go: Background settlement of finished lessons
  - ledger/service.go: ReserveInTx, ReleaseInTx, ConsumeInTx
*/
package booking

import (
	"context"
	"time"

	"github.com/warp/lesson-ledger/ledger"
)

// =============================================================================
// RESERVATION
// =============================================================================

type Status string

const (
	StatusBooked    Status = "booked"
	StatusCancelled Status = "cancelled"
	StatusHeld      Status = "held"
	StatusNoShow    Status = "no_show"
)

// Settlement records what happened to the reserved token.
type Settlement string

const (
	SettlementNone     Settlement = ""
	SettlementReleased Settlement = "released"
	SettlementConsumed Settlement = "consumed"
)

// Reservation is a booked tutoring slot.
type Reservation struct {
	ID          ledger.ReservationID
	AccountID   ledger.AccountID
	ProfessorID string
	StartsAt    time.Time
	EndsAt      time.Time
	Status      Status
	Settlement  Settlement
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Transition is a conditional status change applied to a booked reservation.
type Transition struct {
	ID         ledger.ReservationID
	From       Status
	To         Status
	Settlement Settlement
	At         time.Time
}

// Store persists reservations.
type Store interface {
	// Insert fails with ErrDuplicateReservation if the id exists.
	Insert(ctx context.Context, r Reservation) error

	// Get returns nil when not found.
	Get(ctx context.Context, id ledger.ReservationID) (*Reservation, error)

	// Transition applies t only if the current status equals t.From.
	// applied is false when the status did not match.
	Transition(ctx context.Context, t Transition) (applied bool, err error)

	// ListDue returns booked reservations with EndsAt <= before, oldest first.
	ListDue(ctx context.Context, before time.Time, limit int) ([]Reservation, error)
}

// Tx is a ledger transaction that can also write reservations.
type Tx interface {
	ledger.Tx
	Reservations() Store
}

// UnitOfWork opens transactions spanning reservations and the ledger.
type UnitOfWork interface {
	WithBookingTx(ctx context.Context, fn func(tx Tx) error) error
	Reservations() Store
}
