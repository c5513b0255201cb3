/*
errors.go - Error types for the ledger

ERROR CATEGORIES:
  1. Store sentinels - uniqueness violations the service converts into
     typed outcomes (ALREADY_CREDITED, ALREADY_RESERVED, ALREADY_SETTLED)
  2. Argument errors - invalid amounts or identifiers, rejected before any
     transaction is opened
  3. Infrastructure errors - anything else; returned wrapped, after rollback

Expected business outcomes are NOT errors. See Result in types.go.
*/
package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateExternalPayment is returned by EventStore.Append when the
	// external payment id is already recorded.
	ErrDuplicateExternalPayment = errors.New("duplicate external payment id")

	// ErrDuplicateReservationEvent is returned by EventStore.Append when the
	// reservation already has a RESERVE event, or already has a settlement.
	ErrDuplicateReservationEvent = errors.New("duplicate reservation event")

	// ErrInvalidArgument is wrapped by ArgumentError.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ArgumentError describes a rejected argument.
type ArgumentError struct {
	Field   string
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ArgumentError) Unwrap() error {
	return ErrInvalidArgument
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

func requireAccount(account AccountID) error {
	if account == "" {
		return &ArgumentError{Field: "account_id", Message: "must not be empty"}
	}
	return nil
}

func requireReservation(reservation ReservationID) error {
	if reservation == "" {
		return &ArgumentError{Field: "reservation_id", Message: "must not be empty"}
	}
	return nil
}

func requirePositive(field string, n int64) error {
	if n <= 0 {
		return &ArgumentError{Field: field, Message: fmt.Sprintf("must be positive, got %d", n)}
	}
	return nil
}
