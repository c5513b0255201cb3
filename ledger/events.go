/*
events.go - Append-only event log with per-type deltas

PURPOSE:
  The EventLog is the audit trail and the idempotency source of truth.
  Each Create* method appends exactly one immutable event with the delta
  fixed by its type:

    CREDIT   +n  (caller-supplied, n > 0)
    RESERVE  -1
    RELEASE  +1
    CONSUME   0
    ADJUST   ±n  (n != 0)

  None of these touch the balance row. Pairing the event with the balance
  mutation inside one transaction is the service's job.

SEE ALSO:
  - store.go: EventStore persistence interface
  - service.go: Pairs events with balance mutations
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventLog appends typed events to an EventStore.
type EventLog struct {
	store EventStore
	newID func() EventID
	now   func() time.Time
}

// NewEventLog creates an event log over store using random UUID ids and
// the wall clock.
func NewEventLog(store EventStore) *EventLog {
	return &EventLog{store: store, newID: newEventID, now: time.Now}
}

func newEventID() EventID {
	return EventID(uuid.NewString())
}

// CreditParams describes a CREDIT event.
type CreditParams struct {
	AccountID         AccountID
	Amount            int64
	ExternalPaymentID string
	Meta              Meta
}

// ReservationParams describes a RESERVE, RELEASE or CONSUME event.
type ReservationParams struct {
	AccountID     AccountID
	ReservationID ReservationID
	Meta          Meta
}

// AdjustParams describes an ADJUST event.
type AdjustParams struct {
	AccountID AccountID
	Delta     int64
	Meta      Meta
}

// ExistsExternalPaymentID reports whether a payment has already been credited.
func (l *EventLog) ExistsExternalPaymentID(ctx context.Context, externalPaymentID string) (bool, error) {
	return l.store.ExistsExternalPaymentID(ctx, externalPaymentID)
}

func (l *EventLog) CreateCredit(ctx context.Context, p CreditParams) (EventID, error) {
	if err := requirePositive("amount", p.Amount); err != nil {
		return "", err
	}
	return l.append(ctx, Event{
		AccountID:         p.AccountID,
		Type:              EventCredit,
		Delta:             p.Amount,
		ExternalPaymentID: p.ExternalPaymentID,
		Meta:              p.Meta,
	})
}

func (l *EventLog) CreateReserve(ctx context.Context, p ReservationParams) (EventID, error) {
	return l.appendReservation(ctx, EventReserve, -1, p)
}

func (l *EventLog) CreateRelease(ctx context.Context, p ReservationParams) (EventID, error) {
	return l.appendReservation(ctx, EventRelease, 1, p)
}

func (l *EventLog) CreateConsume(ctx context.Context, p ReservationParams) (EventID, error) {
	return l.appendReservation(ctx, EventConsume, 0, p)
}

func (l *EventLog) CreateAdjust(ctx context.Context, p AdjustParams) (EventID, error) {
	if p.Delta == 0 {
		return "", &ArgumentError{Field: "delta", Message: "must not be zero"}
	}
	return l.append(ctx, Event{
		AccountID: p.AccountID,
		Type:      EventAdjust,
		Delta:     p.Delta,
		Meta:      p.Meta,
	})
}

// FindReserveByReservation returns the earliest RESERVE event, or nil.
func (l *EventLog) FindReserveByReservation(ctx context.Context, reservation ReservationID) (*Event, error) {
	return l.store.FindByReservation(ctx, reservation, EventReserve)
}

// FindSettlementByReservation returns the earliest RELEASE or CONSUME event, or nil.
func (l *EventLog) FindSettlementByReservation(ctx context.Context, reservation ReservationID) (*Event, error) {
	return l.store.FindByReservation(ctx, reservation, EventRelease, EventConsume)
}

func (l *EventLog) appendReservation(ctx context.Context, typ EventType, delta int64, p ReservationParams) (EventID, error) {
	if err := requireReservation(p.ReservationID); err != nil {
		return "", err
	}
	return l.append(ctx, Event{
		AccountID:     p.AccountID,
		ReservationID: p.ReservationID,
		Type:          typ,
		Delta:         delta,
		Meta:          p.Meta,
	})
}

func (l *EventLog) append(ctx context.Context, e Event) (EventID, error) {
	if err := requireAccount(e.AccountID); err != nil {
		return "", err
	}
	e.ID = l.newID()
	e.CreatedAt = l.now().UTC()
	if err := l.store.Append(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}
