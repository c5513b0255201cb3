package postgres

import (
	"time"

	"github.com/warp/lesson-ledger/booking"
	"github.com/warp/lesson-ledger/ledger"
)

// BalanceRow is the current-balance row of an account.
type BalanceRow struct {
	AccountID string    `gorm:"primaryKey;type:text"`
	Balance   int64     `gorm:"not null;default:0;check:balance_non_negative,balance >= 0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (BalanceRow) TableName() string { return "balances" }

// EventRow is an append-only ledger event. Seq orders events by append.
type EventRow struct {
	Seq               int64       `gorm:"primaryKey;autoIncrement"`
	ID                string      `gorm:"uniqueIndex;type:text;not null"`
	AccountID         string      `gorm:"index:idx_events_account;type:text;not null"`
	ReservationID     *string     `gorm:"type:text"`
	Type              string      `gorm:"type:text;not null"`
	Delta             int64       `gorm:"not null"`
	ExternalPaymentID *string     `gorm:"type:text"`
	Meta              ledger.Meta `gorm:"serializer:json;type:jsonb"`
	CreatedAt         time.Time   `gorm:"not null"`
}

func (EventRow) TableName() string { return "ledger_events" }

// ReservationRow is a booked tutoring slot.
type ReservationRow struct {
	ID          string    `gorm:"primaryKey;type:text"`
	AccountID   string    `gorm:"index;type:text;not null"`
	ProfessorID string    `gorm:"type:text;not null"`
	StartsAt    time.Time `gorm:"not null"`
	EndsAt      time.Time `gorm:"index:idx_reservations_due,priority:2;not null"`
	Status      string    `gorm:"index:idx_reservations_due,priority:1;type:text;not null"`
	Settlement  string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (ReservationRow) TableName() string { return "reservations" }

// rawIndexes are created after AutoMigrate. gorm tags cannot express the
// partial unique indexes, and the lookup index spans two tagged columns.
var rawIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_events_reservation_type
		ON ledger_events (reservation_id, type)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_external_payment
		ON ledger_events (external_payment_id) WHERE external_payment_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_reserve_once
		ON ledger_events (reservation_id) WHERE type = 'RESERVE'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_settle_once
		ON ledger_events (reservation_id) WHERE type IN ('RELEASE', 'CONSUME')`,
}

func toEventRow(e ledger.Event) EventRow {
	return EventRow{
		ID:                string(e.ID),
		AccountID:         string(e.AccountID),
		ReservationID:     optional(string(e.ReservationID)),
		Type:              string(e.Type),
		Delta:             e.Delta,
		ExternalPaymentID: optional(e.ExternalPaymentID),
		Meta:              e.Meta,
		CreatedAt:         e.CreatedAt.UTC(),
	}
}

func (r EventRow) toEvent() ledger.Event {
	e := ledger.Event{
		ID:        ledger.EventID(r.ID),
		AccountID: ledger.AccountID(r.AccountID),
		Type:      ledger.EventType(r.Type),
		Delta:     r.Delta,
		Meta:      r.Meta,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.ReservationID != nil {
		e.ReservationID = ledger.ReservationID(*r.ReservationID)
	}
	if r.ExternalPaymentID != nil {
		e.ExternalPaymentID = *r.ExternalPaymentID
	}
	return e
}

func toReservationRow(r booking.Reservation) ReservationRow {
	return ReservationRow{
		ID:          string(r.ID),
		AccountID:   string(r.AccountID),
		ProfessorID: r.ProfessorID,
		StartsAt:    r.StartsAt.UTC(),
		EndsAt:      r.EndsAt.UTC(),
		Status:      string(r.Status),
		Settlement:  string(r.Settlement),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func (r ReservationRow) toReservation() booking.Reservation {
	return booking.Reservation{
		ID:          ledger.ReservationID(r.ID),
		AccountID:   ledger.AccountID(r.AccountID),
		ProfessorID: r.ProfessorID,
		StartsAt:    r.StartsAt.UTC(),
		EndsAt:      r.EndsAt.UTC(),
		Status:      booking.Status(r.Status),
		Settlement:  booking.Settlement(r.Settlement),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
