package booking

import (
	"errors"
	"fmt"

	"github.com/warp/lesson-ledger/ledger"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrDuplicateReservation is returned by Store.Insert for an existing id.
	ErrDuplicateReservation = errors.New("duplicate reservation id")

	ErrInvalidBooking = errors.New("invalid booking")

	// ErrInvalidState is returned when a transition is attempted from a
	// status other than booked.
	ErrInvalidState = errors.New("invalid reservation state")

	// ErrSettlementRejected means the ledger refused to settle a booked
	// reservation. The reservation and the ledger disagree.
	ErrSettlementRejected = errors.New("ledger rejected settlement")
)

// StateError reports the status that blocked a transition.
type StateError struct {
	ID     ledger.ReservationID
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("reservation %s is %s, expected %s", e.ID, e.Status, StatusBooked)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// SettlementError carries the ledger outcome that blocked a settlement.
type SettlementError struct {
	ID     ledger.ReservationID
	Reason ledger.Outcome
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settle reservation %s: %s", e.ID, e.Reason)
}

func (e *SettlementError) Unwrap() error { return ErrSettlementRejected }

// rejection aborts a booking transaction when the ledger refuses the debit.
type rejection struct {
	result ledger.Result
}

func (r *rejection) Error() string {
	return fmt.Sprintf("reserve rejected: %s", r.result.Reason)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidBooking, fmt.Sprintf(format, args...))
}
