/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger and booking models from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers pairing several DTOs

VALIDATION:
  Request types carry go-playground/validator tags, checked in decodeJSON.
  Domain rules (slot in the future, positive amounts) are still enforced by
  the services.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/lesson-ledger/booking"
	"github.com/warp/lesson-ledger/ledger"
	"github.com/warp/lesson-ledger/payments"
)

// =============================================================================
// LEDGER
// =============================================================================

type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type EventDTO struct {
	ID                string            `json:"id"`
	AccountID         string            `json:"account_id"`
	ReservationID     string            `json:"reservation_id,omitempty"`
	Type              string            `json:"type"`
	Delta             int64             `json:"delta"`
	ExternalPaymentID string            `json:"external_payment_id,omitempty"`
	Meta              map[string]string `json:"meta,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

type AuditDTO struct {
	AccountID  string `json:"account_id"`
	Balance    int64  `json:"balance"`
	EventSum   int64  `json:"event_sum"`
	EventCount int    `json:"event_count"`
	Consistent bool   `json:"consistent"`
}

// ResultDTO is a ledger result. Reason is set when OK is false.
type ResultDTO struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Balance int64  `json:"balance"`
	EventID string `json:"event_id,omitempty"`
}

type AdjustmentRequest struct {
	Delta  int64  `json:"delta" validate:"required"`
	Reason string `json:"reason" validate:"required,max=200"`
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type BookRequest struct {
	ReservationID string    `json:"reservation_id,omitempty" validate:"omitempty,max=100"`
	AccountID     string    `json:"account_id" validate:"required"`
	ProfessorID   string    `json:"professor_id" validate:"required"`
	StartsAt      time.Time `json:"starts_at" validate:"required"`
	EndsAt        time.Time `json:"ends_at" validate:"required,gtfield=StartsAt"`
}

type CompleteRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=held no_show"`
}

type ReservationDTO struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	ProfessorID string    `json:"professor_id"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	Status      string    `json:"status"`
	Settlement  string    `json:"settlement,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BookingResponse pairs a reservation with the ledger result that created
// or settled it. Reservation is omitted when the ledger rejected a booking.
type BookingResponse struct {
	Reservation *ReservationDTO `json:"reservation,omitempty"`
	Result      ResultDTO       `json:"result"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// WebhookResponse status is one of credited, already_credited, ignored.
type WebhookResponse struct {
	Status string     `json:"status"`
	Result *ResultDTO `json:"result,omitempty"`
}

type PackDTO struct {
	ID        string `json:"id"`
	Tokens    int64  `json:"tokens"`
	UnitPrice string `json:"unit_price"`
	Currency  string `json:"currency"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toResultDTO(r ledger.Result) ResultDTO {
	return ResultDTO{
		OK:      r.OK,
		Reason:  string(r.Reason),
		Balance: r.Balance,
		EventID: string(r.EventID),
	}
}

func toEventDTO(e ledger.Event) EventDTO {
	return EventDTO{
		ID:                string(e.ID),
		AccountID:         string(e.AccountID),
		ReservationID:     string(e.ReservationID),
		Type:              string(e.Type),
		Delta:             e.Delta,
		ExternalPaymentID: e.ExternalPaymentID,
		Meta:              e.Meta,
		CreatedAt:         e.CreatedAt,
	}
}

func toReservationDTO(r *booking.Reservation) *ReservationDTO {
	if r == nil {
		return nil
	}
	return &ReservationDTO{
		ID:          string(r.ID),
		AccountID:   string(r.AccountID),
		ProfessorID: r.ProfessorID,
		StartsAt:    r.StartsAt,
		EndsAt:      r.EndsAt,
		Status:      string(r.Status),
		Settlement:  string(r.Settlement),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toPackDTO(p payments.Pack) PackDTO {
	return PackDTO{
		ID:        p.ID,
		Tokens:    p.Tokens,
		UnitPrice: p.UnitPrice.StringFixed(2),
		Currency:  p.Currency,
	}
}
