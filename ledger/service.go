/*
service.go - Ledger operations

PURPOSE:
  The Service is the only writer of balances and events. Every operation
  runs inside one transaction, and every successful operation produces
  exactly one new event together with its balance mutation.

OPERATIONS:
  CreditSignupBonus         +1, CREDIT (not idempotent at this layer)
  CreditFromExternalPayment +n, CREDIT keyed by the provider payment id
  Reserve / ReserveInTx     -1, RESERVE keyed by the reservation
  Release / ReleaseInTx     +1, RELEASE (settles the reservation)
  Consume / ConsumeInTx      0, CONSUME (settles the reservation)
  Adjust                    ±n, ADJUST (manual correction, never negative)

OWN vs CALLER TRANSACTION:
  Reserve opens its own transaction. ReserveInTx joins a transaction the
  caller already holds (the booking flow inserts the reservation row in the
  same commit). When an ...InTx call returns a non-OK result the caller MUST
  roll back: a lost uniqueness race may leave a debit in the caller's
  transaction that only the rollback removes.

LOST RACES:
  The upfront checks (ExistsExternalPaymentID, FindReserveByReservation)
  make retries cheap. Two concurrent duplicates can both pass them; the
  second write then trips a unique index, the transaction is rolled back,
  and the caller receives the typed outcome instead of an error.

SEE ALSO:
  - events.go: Per-type deltas
  - store.go: Atomic primitives
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Service implements the ledger operations over a Store.
type Service struct {
	store Store
	log   logrus.FieldLogger
	newID func() EventID
	now   func() time.Time
}

type Option func(*Service)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(newID func() EventID) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService creates a ledger service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   discardLogger(),
		newID: newEventID,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func (s *Service) events(store EventStore) *EventLog {
	return &EventLog{store: store, newID: s.newID, now: s.now}
}

// =============================================================================
// CREDITS
// =============================================================================

// CreditSignupBonus grants the one-token onboarding bonus.
// Callers invoke it at most once per account.
func (s *Service) CreditSignupBonus(ctx context.Context, account AccountID) (Result, error) {
	if err := requireAccount(account); err != nil {
		return Result{}, err
	}
	res, err := s.run(ctx, "", func(tx Tx) (Result, error) {
		balance, err := increment(ctx, tx.Balances(), account, 1)
		if err != nil {
			return Result{}, err
		}
		id, err := s.events(tx.Events()).CreateCredit(ctx, CreditParams{
			AccountID: account,
			Amount:    1,
			Meta:      Meta{MetaReason: ReasonSignupBonus},
		})
		if err != nil {
			return Result{}, fmt.Errorf("append signup credit: %w", err)
		}
		return ok(balance, id), nil
	})
	s.logResult("signup bonus", res, err, logrus.Fields{"account_id": account})
	return res, err
}

// CreditFromExternalPayment credits amount tokens for a provider payment.
// A repeated payment id returns ALREADY_CREDITED without mutating anything.
func (s *Service) CreditFromExternalPayment(ctx context.Context, account AccountID, amount int64, externalPaymentID string) (Result, error) {
	if err := requireAccount(account); err != nil {
		return Result{}, err
	}
	if err := requirePositive("amount", amount); err != nil {
		return Result{}, err
	}
	if externalPaymentID == "" {
		return Result{}, &ArgumentError{Field: "external_payment_id", Message: "must not be empty"}
	}

	res, err := s.run(ctx, OutcomeAlreadyCredited, func(tx Tx) (Result, error) {
		events := s.events(tx.Events())
		exists, err := events.ExistsExternalPaymentID(ctx, externalPaymentID)
		if err != nil {
			return Result{}, fmt.Errorf("check external payment id: %w", err)
		}
		if exists {
			return rejected(OutcomeAlreadyCredited), nil
		}
		balance, err := increment(ctx, tx.Balances(), account, amount)
		if err != nil {
			return Result{}, err
		}
		id, err := events.CreateCredit(ctx, CreditParams{
			AccountID:         account,
			Amount:            amount,
			ExternalPaymentID: externalPaymentID,
			Meta:              Meta{MetaReason: ReasonExternalPayment},
		})
		if err != nil {
			return Result{}, fmt.Errorf("append payment credit: %w", err)
		}
		return ok(balance, id), nil
	})
	s.logResult("external payment credit", res, err, logrus.Fields{
		"account_id":          account,
		"external_payment_id": externalPaymentID,
		"amount":              amount,
	})
	return res, err
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// Reserve debits one token for the reservation in its own transaction.
func (s *Service) Reserve(ctx context.Context, account AccountID, reservation ReservationID) (Result, error) {
	if err := requireIDs(account, reservation); err != nil {
		return Result{}, err
	}
	res, err := s.run(ctx, OutcomeAlreadyReserved, func(tx Tx) (Result, error) {
		return s.reserve(ctx, tx, account, reservation, nil)
	})
	s.logResult("reserve", res, err, reservationFields(account, reservation))
	return res, err
}

// ReserveInTx debits one token inside the caller's transaction.
// The caller must roll back when the result is not OK.
func (s *Service) ReserveInTx(ctx context.Context, tx Tx, account AccountID, reservation ReservationID, meta Meta) (Result, error) {
	if err := requireIDs(account, reservation); err != nil {
		return Result{}, err
	}
	res, err := resolveRace(OutcomeAlreadyReserved)(s.reserve(ctx, tx, account, reservation, meta))
	s.logResult("reserve", res, err, reservationFields(account, reservation))
	return res, err
}

func (s *Service) reserve(ctx context.Context, tx Tx, account AccountID, reservation ReservationID, meta Meta) (Result, error) {
	balances := tx.Balances()
	events := s.events(tx.Events())

	if err := balances.EnsureRow(ctx, account); err != nil {
		return Result{}, fmt.Errorf("ensure balance row: %w", err)
	}
	existing, err := events.FindReserveByReservation(ctx, reservation)
	if err != nil {
		return Result{}, fmt.Errorf("find reserve event: %w", err)
	}
	if existing != nil {
		return rejected(OutcomeAlreadyReserved), nil
	}

	balance, debited, err := balances.DecrementIfEnough(ctx, account, 1)
	if err != nil {
		return Result{}, fmt.Errorf("decrement balance: %w", err)
	}
	if !debited {
		return rejected(OutcomeNotEnoughTokens), nil
	}

	id, err := events.CreateReserve(ctx, ReservationParams{
		AccountID:     account,
		ReservationID: reservation,
		Meta:          withReason(meta, ReasonReservation),
	})
	if err != nil {
		return Result{}, fmt.Errorf("append reserve event: %w", err)
	}
	return ok(balance, id), nil
}

// Release returns the reserved token (cancellation before cutoff).
func (s *Service) Release(ctx context.Context, account AccountID, reservation ReservationID) (Result, error) {
	return s.settleOwnTx(ctx, "release", account, reservation, s.release)
}

// ReleaseInTx is Release inside the caller's transaction.
func (s *Service) ReleaseInTx(ctx context.Context, tx Tx, account AccountID, reservation ReservationID, meta Meta) (Result, error) {
	return s.settleCallerTx(ctx, tx, "release", account, reservation, meta, s.release)
}

// Consume marks the reserved token as spent (lesson held, late cancellation,
// no-show). The balance is not touched: the debit happened at reserve time.
func (s *Service) Consume(ctx context.Context, account AccountID, reservation ReservationID) (Result, error) {
	return s.settleOwnTx(ctx, "consume", account, reservation, s.consume)
}

// ConsumeInTx is Consume inside the caller's transaction.
func (s *Service) ConsumeInTx(ctx context.Context, tx Tx, account AccountID, reservation ReservationID, meta Meta) (Result, error) {
	return s.settleCallerTx(ctx, tx, "consume", account, reservation, meta, s.consume)
}

type settleFunc func(ctx context.Context, tx Tx, account AccountID, reservation ReservationID, meta Meta) (Result, error)

func (s *Service) settleOwnTx(ctx context.Context, op string, account AccountID, reservation ReservationID, settle settleFunc) (Result, error) {
	if err := requireIDs(account, reservation); err != nil {
		return Result{}, err
	}
	res, err := s.run(ctx, OutcomeAlreadySettled, func(tx Tx) (Result, error) {
		return settle(ctx, tx, account, reservation, nil)
	})
	s.logResult(op, res, err, reservationFields(account, reservation))
	return res, err
}

func (s *Service) settleCallerTx(ctx context.Context, tx Tx, op string, account AccountID, reservation ReservationID, meta Meta, settle settleFunc) (Result, error) {
	if err := requireIDs(account, reservation); err != nil {
		return Result{}, err
	}
	res, err := resolveRace(OutcomeAlreadySettled)(settle(ctx, tx, account, reservation, meta))
	s.logResult(op, res, err, reservationFields(account, reservation))
	return res, err
}

func (s *Service) release(ctx context.Context, tx Tx, account AccountID, reservation ReservationID, meta Meta) (Result, error) {
	if res, done, err := s.checkSettleable(ctx, tx, account, reservation); done || err != nil {
		return res, err
	}
	balance, err := increment(ctx, tx.Balances(), account, 1)
	if err != nil {
		return Result{}, err
	}
	id, err := s.events(tx.Events()).CreateRelease(ctx, ReservationParams{
		AccountID:     account,
		ReservationID: reservation,
		Meta:          withReason(meta, ReasonReservation),
	})
	if err != nil {
		return Result{}, fmt.Errorf("append release event: %w", err)
	}
	return ok(balance, id), nil
}

func (s *Service) consume(ctx context.Context, tx Tx, account AccountID, reservation ReservationID, meta Meta) (Result, error) {
	if res, done, err := s.checkSettleable(ctx, tx, account, reservation); done || err != nil {
		return res, err
	}
	id, err := s.events(tx.Events()).CreateConsume(ctx, ReservationParams{
		AccountID:     account,
		ReservationID: reservation,
		Meta:          withReason(meta, ReasonReservation),
	})
	if err != nil {
		return Result{}, fmt.Errorf("append consume event: %w", err)
	}
	balance, err := tx.Balances().GetBalance(ctx, account)
	if err != nil {
		return Result{}, fmt.Errorf("read balance: %w", err)
	}
	return ok(balance, id), nil
}

// checkSettleable requires a RESERVE event for (account, reservation) and no
// prior settlement. done is true when a rejection has been decided.
func (s *Service) checkSettleable(ctx context.Context, tx Tx, account AccountID, reservation ReservationID) (Result, bool, error) {
	events := s.events(tx.Events())
	reserve, err := events.FindReserveByReservation(ctx, reservation)
	if err != nil {
		return Result{}, true, fmt.Errorf("find reserve event: %w", err)
	}
	if reserve == nil || reserve.AccountID != account {
		return rejected(OutcomeNotReserved), true, nil
	}
	settled, err := events.FindSettlementByReservation(ctx, reservation)
	if err != nil {
		return Result{}, true, fmt.Errorf("find settlement event: %w", err)
	}
	if settled != nil {
		return rejected(OutcomeAlreadySettled), true, nil
	}
	return Result{}, false, nil
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

// Adjust applies a manual correction. Negative deltas use the conditional
// decrement and never drive the balance below zero.
func (s *Service) Adjust(ctx context.Context, account AccountID, delta int64, reason string) (Result, error) {
	if err := requireAccount(account); err != nil {
		return Result{}, err
	}
	if delta == 0 {
		return Result{}, &ArgumentError{Field: "delta", Message: "must not be zero"}
	}
	if reason == "" {
		return Result{}, &ArgumentError{Field: "reason", Message: "must not be empty"}
	}

	res, err := s.run(ctx, "", func(tx Tx) (Result, error) {
		balances := tx.Balances()
		if err := balances.EnsureRow(ctx, account); err != nil {
			return Result{}, fmt.Errorf("ensure balance row: %w", err)
		}

		var balance int64
		if delta > 0 {
			b, err := balances.Increment(ctx, account, delta)
			if err != nil {
				return Result{}, fmt.Errorf("increment balance: %w", err)
			}
			balance = b
		} else {
			b, debited, err := balances.DecrementIfEnough(ctx, account, -delta)
			if err != nil {
				return Result{}, fmt.Errorf("decrement balance: %w", err)
			}
			if !debited {
				return rejected(OutcomeNotEnoughTokens), nil
			}
			balance = b
		}

		id, err := s.events(tx.Events()).CreateAdjust(ctx, AdjustParams{
			AccountID: account,
			Delta:     delta,
			Meta:      Meta{MetaReason: reason},
		})
		if err != nil {
			return Result{}, fmt.Errorf("append adjust event: %w", err)
		}
		return ok(balance, id), nil
	})
	s.logResult("adjust", res, err, logrus.Fields{"account_id": account, "delta": delta})
	return res, err
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the current balance, 0 for unknown accounts.
func (s *Service) GetBalance(ctx context.Context, account AccountID) (int64, error) {
	if err := requireAccount(account); err != nil {
		return 0, err
	}
	return s.store.Balances().GetBalance(ctx, account)
}

// History returns the account's events in append order.
func (s *Service) History(ctx context.Context, account AccountID) ([]Event, error) {
	if err := requireAccount(account); err != nil {
		return nil, err
	}
	return s.store.Events().ListByAccount(ctx, account)
}

// Audit recomputes Σ delta and compares it with the balance row. Both reads
// happen in one transaction.
func (s *Service) Audit(ctx context.Context, account AccountID) (AuditReport, error) {
	if err := requireAccount(account); err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{AccountID: account}
	err := s.store.WithTx(ctx, func(tx Tx) error {
		balance, err := tx.Balances().GetBalance(ctx, account)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		sum, count, err := tx.Events().SumDeltas(ctx, account)
		if err != nil {
			return fmt.Errorf("sum deltas: %w", err)
		}
		report.Balance, report.EventSum, report.EventCount = balance, sum, count
		return nil
	})
	if err != nil {
		return AuditReport{}, err
	}
	if !report.Consistent() {
		s.log.WithFields(logrus.Fields{
			"account_id": account,
			"balance":    report.Balance,
			"event_sum":  report.EventSum,
		}).Error("ledger drift detected")
	}
	return report, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// run executes op in a new transaction. A uniqueness race surfaces as the
// given outcome after the transaction has been rolled back.
func (s *Service) run(ctx context.Context, onRace Outcome, op func(tx Tx) (Result, error)) (Result, error) {
	var res Result
	err := s.store.WithTx(ctx, func(tx Tx) error {
		r, err := op(tx)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if onRace != "" && isLostRace(err) {
			return rejected(onRace), nil
		}
		return Result{}, err
	}
	return res, nil
}

func resolveRace(outcome Outcome) func(Result, error) (Result, error) {
	return func(res Result, err error) (Result, error) {
		if err != nil && isLostRace(err) {
			return rejected(outcome), nil
		}
		return res, err
	}
}

func isLostRace(err error) bool {
	return errors.Is(err, ErrDuplicateExternalPayment) || errors.Is(err, ErrDuplicateReservationEvent)
}

func increment(ctx context.Context, balances BalanceStore, account AccountID, amount int64) (int64, error) {
	if err := balances.EnsureRow(ctx, account); err != nil {
		return 0, fmt.Errorf("ensure balance row: %w", err)
	}
	balance, err := balances.Increment(ctx, account, amount)
	if err != nil {
		return 0, fmt.Errorf("increment balance: %w", err)
	}
	return balance, nil
}

func requireIDs(account AccountID, reservation ReservationID) error {
	if err := requireAccount(account); err != nil {
		return err
	}
	return requireReservation(reservation)
}

func withReason(meta Meta, reason string) Meta {
	out := make(Meta, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	if _, set := out[MetaReason]; !set {
		out[MetaReason] = reason
	}
	return out
}

func reservationFields(account AccountID, reservation ReservationID) logrus.Fields {
	return logrus.Fields{"account_id": account, "reservation_id": reservation}
}

func (s *Service) logResult(op string, res Result, err error, fields logrus.Fields) {
	entry := s.log.WithFields(fields)
	switch {
	case err != nil:
		entry.WithError(err).Warnf("%s failed", op)
	case !res.OK:
		entry.WithField("reason", res.Reason).Infof("%s rejected", op)
	default:
		entry.WithFields(logrus.Fields{"balance": res.Balance, "event_id": res.EventID}).Debugf("%s applied", op)
	}
}
