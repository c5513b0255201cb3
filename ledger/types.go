/*
Package ledger provides the lesson-token ledger.

PURPOSE:
  A student books a tutoring slot by spending one lesson token. Tokens are
  credited by pack purchases (external payment notifications), by the
  onboarding signup bonus, and by manual adjustments. This package owns the
  balance rows, the append-only event log, and the service that pairs every
  balance mutation with exactly one event inside one transaction.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountID / ReservationID / EventID: Type-safe identifiers
  - EventType: CREDIT, RESERVE, RELEASE, CONSUME, ADJUST
  - Event: An immutable ledger entry
  - Balance: The current-balance row of an account
  - Result: Typed outcome of a ledger operation

INVARIANTS:
  1. balance >= 0 for every account after every committed transaction
  2. balance == Σ delta of the account's events
  3. external payment ids are unique among non-empty values
  4. a reservation has at most one RESERVE and at most one settlement
     (RELEASE or CONSUME) event

RESERVATION LIFECYCLE:
  UNRESERVED ──reserve──▶ RESERVED ──release──▶ RELEASED
                                   └─consume──▶ CONSUMED

SEE ALSO:
  - store.go: Balance store, event store and unit-of-work interfaces
  - events.go: Event log with the fixed per-type deltas
  - service.go: The ledger operations
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID identifies a student account. Owned by the user subsystem.
type AccountID string

// ReservationID identifies a booking. Owned by the booking subsystem.
type ReservationID string

type EventID string

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	EventCredit  EventType = "CREDIT"
	EventReserve EventType = "RESERVE"
	EventRelease EventType = "RELEASE"
	EventConsume EventType = "CONSUME"
	EventAdjust  EventType = "ADJUST"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCredit, EventReserve, EventRelease, EventConsume, EventAdjust:
		return true
	}
	return false
}

// IsSettlement reports whether the event closes a reservation.
func (t EventType) IsSettlement() bool {
	return t == EventRelease || t == EventConsume
}

// Meta is free-form annotation stored with an event (reason codes, sources).
type Meta map[string]string

// Well-known meta keys.
const (
	MetaReason = "reason"
	MetaSource = "source"
)

// Reason codes written to Meta[MetaReason].
const (
	ReasonSignupBonus     = "signup_bonus"
	ReasonExternalPayment = "external_payment"
	ReasonReservation     = "reservation"
)

// Event is an immutable ledger entry. Once appended it is never updated or
// deleted.
type Event struct {
	ID                EventID
	AccountID         AccountID
	ReservationID     ReservationID // empty when not reservation-scoped
	Type              EventType
	Delta             int64
	ExternalPaymentID string // empty when not payment-scoped
	Meta              Meta
	CreatedAt         time.Time
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance is the current-balance row of an account.
type Balance struct {
	AccountID AccountID
	Balance   int64
	UpdatedAt time.Time
}

// =============================================================================
// RESULTS - Expected business outcomes are values, not errors
// =============================================================================

// Outcome names an expected, non-exceptional failure.
type Outcome string

const (
	OutcomeAlreadyCredited Outcome = "ALREADY_CREDITED"
	OutcomeAlreadyReserved Outcome = "ALREADY_RESERVED"
	OutcomeNotEnoughTokens Outcome = "NOT_ENOUGH_TOKENS"
	OutcomeNotReserved     Outcome = "NOT_RESERVED"
	OutcomeAlreadySettled  Outcome = "ALREADY_SETTLED"
)

// Result is the discriminated outcome of a ledger operation.
// When OK is true, Reason is empty, EventID names the appended event and
// Balance is the balance after the operation.
type Result struct {
	OK      bool
	Reason  Outcome
	Balance int64
	EventID EventID
}

func ok(balance int64, id EventID) Result {
	return Result{OK: true, Balance: balance, EventID: id}
}

func rejected(reason Outcome) Result {
	return Result{Reason: reason}
}

// AuditReport compares a balance row with the sum of its events.
type AuditReport struct {
	AccountID  AccountID
	Balance    int64
	EventSum   int64
	EventCount int
}

// Consistent reports whether the balance row matches the event trail.
func (r AuditReport) Consistent() bool {
	return r.Balance == r.EventSum
}
