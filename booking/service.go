package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/lesson-ledger/ledger"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the cancellation rules.
type Policy struct {
	// Cutoff is how long before StartsAt a cancellation still releases the token.
	Cutoff time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Cutoff: 24 * time.Hour}
}

// Releases reports whether cancelling r at the given time returns the token.
func (p Policy) Releases(r Reservation, at time.Time) bool {
	return at.Before(r.StartsAt.Add(-p.Cutoff))
}

// =============================================================================
// SERVICE
// =============================================================================

// Ledger is the part of ledger.Service the booking flow composes with.
type Ledger interface {
	ReserveInTx(ctx context.Context, tx ledger.Tx, account ledger.AccountID, reservation ledger.ReservationID, meta ledger.Meta) (ledger.Result, error)
	ReleaseInTx(ctx context.Context, tx ledger.Tx, account ledger.AccountID, reservation ledger.ReservationID, meta ledger.Meta) (ledger.Result, error)
	ConsumeInTx(ctx context.Context, tx ledger.Tx, account ledger.AccountID, reservation ledger.ReservationID, meta ledger.Meta) (ledger.Result, error)
}

type Service struct {
	uow    UnitOfWork
	ledger Ledger
	policy Policy
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewService creates a booking service. log may be nil.
func NewService(uow UnitOfWork, l Ledger, policy Policy, log logrus.FieldLogger) *Service {
	if log == nil {
		discard := logrus.New()
		discard.SetLevel(logrus.PanicLevel)
		log = discard
	}
	return &Service{uow: uow, ledger: l, policy: policy, log: log, now: time.Now}
}

// SetClock overrides the clock. Intended for tests and the sweeper.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// BookRequest asks for a tutoring slot. ReservationID is generated when empty.
type BookRequest struct {
	ReservationID ledger.ReservationID
	AccountID     ledger.AccountID
	ProfessorID   string
	StartsAt      time.Time
	EndsAt        time.Time
}

// Outcome pairs the reservation with the ledger result. Reservation is nil
// when the ledger rejected the booking.
type Outcome struct {
	Reservation *Reservation
	Ledger      ledger.Result
}

func (o Outcome) OK() bool { return o.Ledger.OK }

// Book inserts the reservation and debits one token in one transaction.
// A rejected debit leaves no reservation behind. Repeating a booking with
// the same ReservationID returns ALREADY_RESERVED, with the existing row
// only when it belongs to the same account.
func (s *Service) Book(ctx context.Context, req BookRequest) (Outcome, error) {
	now := s.now().UTC()
	if err := s.validate(req, now); err != nil {
		return Outcome{}, err
	}
	if req.ReservationID == "" {
		req.ReservationID = ledger.ReservationID(uuid.NewString())
	}

	r := Reservation{
		ID:          req.ReservationID,
		AccountID:   req.AccountID,
		ProfessorID: req.ProfessorID,
		StartsAt:    req.StartsAt.UTC(),
		EndsAt:      req.EndsAt.UTC(),
		Status:      StatusBooked,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	fields := logrus.Fields{"reservation_id": r.ID, "account_id": r.AccountID}

	var out Outcome
	err := s.uow.WithBookingTx(ctx, func(tx Tx) error {
		if err := tx.Reservations().Insert(ctx, r); err != nil {
			return err
		}
		res, err := s.ledger.ReserveInTx(ctx, tx, r.AccountID, r.ID, ledger.Meta{
			ledger.MetaSource: "booking",
			"professor_id":    r.ProfessorID,
			"starts_at":       r.StartsAt.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if !res.OK {
			return &rejection{result: res}
		}
		out = Outcome{Reservation: &r, Ledger: res}
		return nil
	})

	var rej *rejection
	switch {
	case errors.As(err, &rej):
		s.log.WithFields(fields).WithField("reason", rej.result.Reason).Info("booking rejected")
		return Outcome{Ledger: rej.result}, nil
	case errors.Is(err, ErrDuplicateReservation):
		existing, getErr := s.uow.Reservations().Get(ctx, r.ID)
		if getErr != nil {
			return Outcome{}, fmt.Errorf("load existing reservation: %w", getErr)
		}
		// Another account's reservation is not disclosed.
		if existing != nil && existing.AccountID != r.AccountID {
			existing = nil
		}
		return Outcome{
			Reservation: existing,
			Ledger:      ledger.Result{Reason: ledger.OutcomeAlreadyReserved},
		}, nil
	case err != nil:
		return Outcome{}, fmt.Errorf("book reservation: %w", err)
	}

	s.log.WithFields(fields).WithField("balance", out.Ledger.Balance).Info("reservation booked")
	return out, nil
}

// Cancel cancels a booked reservation. Before the cutoff the token is
// released, afterwards it is consumed.
func (s *Service) Cancel(ctx context.Context, id ledger.ReservationID) (Outcome, error) {
	now := s.now().UTC()
	return s.settle(ctx, id, now, func(r Reservation) (Status, Settlement, string) {
		if s.policy.Releases(r, now) {
			return StatusCancelled, SettlementReleased, "cancelled_before_cutoff"
		}
		return StatusCancelled, SettlementConsumed, "cancelled_after_cutoff"
	})
}

// Complete records the lesson outcome (held or no_show) and consumes the token.
func (s *Service) Complete(ctx context.Context, id ledger.ReservationID, outcome Status) (Outcome, error) {
	if outcome != StatusHeld && outcome != StatusNoShow {
		return Outcome{}, invalid("completion outcome must be %s or %s, got %q", StatusHeld, StatusNoShow, outcome)
	}
	return s.settle(ctx, id, s.now().UTC(), func(Reservation) (Status, Settlement, string) {
		return outcome, SettlementConsumed, string(outcome)
	})
}

// SettleDue marks booked reservations that ended at or before now as held.
// Reservations settled concurrently are skipped. Returns how many were settled.
func (s *Service) SettleDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.uow.Reservations().ListDue(ctx, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due reservations: %w", err)
	}

	settled := 0
	for _, r := range due {
		_, err := s.settle(ctx, r.ID, now.UTC(), func(Reservation) (Status, Settlement, string) {
			return StatusHeld, SettlementConsumed, "lesson_ended"
		})
		if errors.Is(err, ErrInvalidState) {
			continue
		}
		if err != nil {
			return settled, err
		}
		settled++
	}
	return settled, nil
}

// Get returns a reservation or ErrReservationNotFound.
func (s *Service) Get(ctx context.Context, id ledger.ReservationID) (*Reservation, error) {
	r, err := s.uow.Reservations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrReservationNotFound
	}
	return r, nil
}

type decideFunc func(r Reservation) (to Status, settlement Settlement, cause string)

func (s *Service) settle(ctx context.Context, id ledger.ReservationID, at time.Time, decide decideFunc) (Outcome, error) {
	var out Outcome
	err := s.uow.WithBookingTx(ctx, func(tx Tx) error {
		r, err := tx.Reservations().Get(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrReservationNotFound
		}
		if r.Status != StatusBooked {
			return &StateError{ID: id, Status: r.Status}
		}

		to, settlement, cause := decide(*r)
		applied, err := tx.Reservations().Transition(ctx, Transition{
			ID:         id,
			From:       StatusBooked,
			To:         to,
			Settlement: settlement,
			At:         at,
		})
		if err != nil {
			return err
		}
		if !applied {
			return &StateError{ID: id, Status: r.Status}
		}

		meta := ledger.Meta{ledger.MetaSource: "booking", "cause": cause}
		var res ledger.Result
		if settlement == SettlementReleased {
			res, err = s.ledger.ReleaseInTx(ctx, tx, r.AccountID, r.ID, meta)
		} else {
			res, err = s.ledger.ConsumeInTx(ctx, tx, r.AccountID, r.ID, meta)
		}
		if err != nil {
			return err
		}
		if !res.OK {
			return &SettlementError{ID: id, Reason: res.Reason}
		}

		r.Status, r.Settlement, r.UpdatedAt = to, settlement, at
		out = Outcome{Reservation: r, Ledger: res}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	s.log.WithFields(logrus.Fields{
		"reservation_id": id,
		"status":         out.Reservation.Status,
		"settlement":     out.Reservation.Settlement,
	}).Info("reservation settled")
	return out, nil
}

func (s *Service) validate(req BookRequest, now time.Time) error {
	switch {
	case req.AccountID == "":
		return invalid("account_id is required")
	case req.ProfessorID == "":
		return invalid("professor_id is required")
	case req.StartsAt.IsZero() || req.EndsAt.IsZero():
		return invalid("starts_at and ends_at are required")
	case !req.EndsAt.After(req.StartsAt):
		return invalid("ends_at must be after starts_at")
	case !req.StartsAt.After(now):
		return invalid("starts_at must be in the future")
	}
	return nil
}
