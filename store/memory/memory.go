// Package memory provides an in-memory Store for tests and local development.
//
// It implements ledger.Store and booking.UnitOfWork. WithTx holds the write
// lock for the duration of fn, snapshots state before running it and
// restores the snapshot when fn fails, so rollback semantics match the SQL
// stores. Uniqueness rules of the SQL schema are enforced on Append.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/lesson-ledger/booking"
	"github.com/warp/lesson-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

type state struct {
	balances     map[ledger.AccountID]ledger.Balance
	events       []ledger.Event
	paymentIDs   map[string]bool
	reserved     map[ledger.ReservationID]bool
	settled      map[ledger.ReservationID]bool
	reservations map[ledger.ReservationID]booking.Reservation
}

func NewMemory() *Memory {
	return &Memory{st: newState(), now: time.Now}
}

func newState() *state {
	return &state{
		balances:     make(map[ledger.AccountID]ledger.Balance),
		paymentIDs:   make(map[string]bool),
		reserved:     make(map[ledger.ReservationID]bool),
		settled:      make(map[ledger.ReservationID]bool),
		reservations: make(map[ledger.ReservationID]booking.Reservation),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.balances {
		c.balances[k] = v
	}
	c.events = append([]ledger.Event(nil), s.events...)
	for k, v := range s.paymentIDs {
		c.paymentIDs[k] = v
	}
	for k, v := range s.reserved {
		c.reserved[k] = v
	}
	for k, v := range s.settled {
		c.settled[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error or panic.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return m.WithBookingTx(ctx, func(tx booking.Tx) error { return fn(tx) })
}

// WithBookingTx executes fn within a transaction that can also write reservations.
func (m *Memory) WithBookingTx(ctx context.Context, fn func(booking.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.st.clone()
	committed := false
	defer func() {
		if !committed {
			m.st = snapshot
		}
	}()

	if err := fn(&txView{v: view{st: m.st, now: m.now}}); err != nil {
		return err
	}
	committed = true
	return nil
}

type txView struct {
	v view
}

func (t *txView) Balances() ledger.BalanceStore { return t.v }
func (t *txView) Events() ledger.EventStore     { return t.v }
func (t *txView) Reservations() booking.Store   { return t.v }

// Balances returns a view that locks per call.
func (m *Memory) Balances() ledger.BalanceStore { return locked{m: m} }

// Events returns a view that locks per call.
func (m *Memory) Events() ledger.EventStore { return locked{m: m} }

// Reservations returns a view that locks per call.
func (m *Memory) Reservations() booking.Store { return locked{m: m} }

// =============================================================================
// UNLOCKED VIEW - Caller holds m.mu
// =============================================================================

type view struct {
	st  *state
	now func() time.Time
}

func (v view) EnsureRow(_ context.Context, account ledger.AccountID) error {
	if _, exists := v.st.balances[account]; !exists {
		v.st.balances[account] = ledger.Balance{AccountID: account, UpdatedAt: v.now().UTC()}
	}
	return nil
}

func (v view) GetBalance(_ context.Context, account ledger.AccountID) (int64, error) {
	return v.st.balances[account].Balance, nil
}

func (v view) Increment(ctx context.Context, account ledger.AccountID, amount int64) (int64, error) {
	b, exists := v.st.balances[account]
	if !exists {
		if err := v.EnsureRow(ctx, account); err != nil {
			return 0, err
		}
		b = v.st.balances[account]
	}
	b.Balance += amount
	b.UpdatedAt = v.now().UTC()
	v.st.balances[account] = b
	return b.Balance, nil
}

func (v view) DecrementIfEnough(_ context.Context, account ledger.AccountID, amount int64) (int64, bool, error) {
	b, exists := v.st.balances[account]
	if !exists || b.Balance < amount {
		return 0, false, nil
	}
	b.Balance -= amount
	b.UpdatedAt = v.now().UTC()
	v.st.balances[account] = b
	return b.Balance, true, nil
}

func (v view) Append(_ context.Context, e ledger.Event) error {
	if e.ExternalPaymentID != "" && v.st.paymentIDs[e.ExternalPaymentID] {
		return ledger.ErrDuplicateExternalPayment
	}
	if e.Type == ledger.EventReserve && v.st.reserved[e.ReservationID] {
		return ledger.ErrDuplicateReservationEvent
	}
	if e.Type.IsSettlement() && v.st.settled[e.ReservationID] {
		return ledger.ErrDuplicateReservationEvent
	}

	v.st.events = append(v.st.events, copyEvent(e))
	if e.ExternalPaymentID != "" {
		v.st.paymentIDs[e.ExternalPaymentID] = true
	}
	switch {
	case e.Type == ledger.EventReserve:
		v.st.reserved[e.ReservationID] = true
	case e.Type.IsSettlement():
		v.st.settled[e.ReservationID] = true
	}
	return nil
}

func (v view) ExistsExternalPaymentID(_ context.Context, externalPaymentID string) (bool, error) {
	return v.st.paymentIDs[externalPaymentID], nil
}

func (v view) FindByReservation(_ context.Context, reservation ledger.ReservationID, types ...ledger.EventType) (*ledger.Event, error) {
	for _, e := range v.st.events {
		if e.ReservationID != reservation {
			continue
		}
		for _, t := range types {
			if e.Type == t {
				found := copyEvent(e)
				return &found, nil
			}
		}
	}
	return nil, nil
}

func (v view) ListByAccount(_ context.Context, account ledger.AccountID) ([]ledger.Event, error) {
	var out []ledger.Event
	for _, e := range v.st.events {
		if e.AccountID == account {
			out = append(out, copyEvent(e))
		}
	}
	return out, nil
}

func (v view) SumDeltas(_ context.Context, account ledger.AccountID) (int64, int, error) {
	var sum int64
	count := 0
	for _, e := range v.st.events {
		if e.AccountID == account {
			sum += e.Delta
			count++
		}
	}
	return sum, count, nil
}

func (v view) Insert(_ context.Context, r booking.Reservation) error {
	if _, exists := v.st.reservations[r.ID]; exists {
		return booking.ErrDuplicateReservation
	}
	v.st.reservations[r.ID] = r
	return nil
}

func (v view) Get(_ context.Context, id ledger.ReservationID) (*booking.Reservation, error) {
	r, exists := v.st.reservations[id]
	if !exists {
		return nil, nil
	}
	return &r, nil
}

func (v view) Transition(_ context.Context, t booking.Transition) (bool, error) {
	r, exists := v.st.reservations[t.ID]
	if !exists || r.Status != t.From {
		return false, nil
	}
	r.Status = t.To
	r.Settlement = t.Settlement
	r.UpdatedAt = t.At
	v.st.reservations[t.ID] = r
	return true, nil
}

func (v view) ListDue(_ context.Context, before time.Time, limit int) ([]booking.Reservation, error) {
	var out []booking.Reservation
	for _, r := range v.st.reservations {
		if r.Status == booking.StatusBooked && !r.EndsAt.After(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndsAt.Before(out[j].EndsAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyEvent(e ledger.Event) ledger.Event {
	if e.Meta != nil {
		meta := make(ledger.Meta, len(e.Meta))
		for k, v := range e.Meta {
			meta[k] = v
		}
		e.Meta = meta
	}
	return e
}

// =============================================================================
// LOCKED VIEW - Used outside transactions
// =============================================================================

type locked struct {
	m *Memory
}

func (l locked) read() view {
	return view{st: l.m.st, now: l.m.now}
}

func (l locked) EnsureRow(ctx context.Context, account ledger.AccountID) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.read().EnsureRow(ctx, account)
}

func (l locked) GetBalance(ctx context.Context, account ledger.AccountID) (int64, error) {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	return l.read().GetBalance(ctx, account)
}

func (l locked) Increment(ctx context.Context, account ledger.AccountID, amount int64) (int64, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.read().Increment(ctx, account, amount)
}

func (l locked) DecrementIfEnough(ctx context.Context, account ledger.AccountID, amount int64) (int64, bool, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.read().DecrementIfEnough(ctx, account, amount)
}

func (l locked) Append(ctx context.Context, e ledger.Event) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.read().Append(ctx, e)
}

func (l locked) ExistsExternalPaymentID(ctx context.Context, externalPaymentID string) (bool, error) {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	return l.read().ExistsExternalPaymentID(ctx, externalPaymentID)
}

func (l locked) FindByReservation(ctx context.Context, reservation ledger.ReservationID, types ...ledger.EventType) (*ledger.Event, error) {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	return l.read().FindByReservation(ctx, reservation, types...)
}

func (l locked) ListByAccount(ctx context.Context, account ledger.AccountID) ([]ledger.Event, error) {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	return l.read().ListByAccount(ctx, account)
}

func (l locked) SumDeltas(ctx context.Context, account ledger.AccountID) (int64, int, error) {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	return l.read().SumDeltas(ctx, account)
}

func (l locked) Insert(ctx context.Context, r booking.Reservation) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.read().Insert(ctx, r)
}

func (l locked) Get(ctx context.Context, id ledger.ReservationID) (*booking.Reservation, error) {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	return l.read().Get(ctx, id)
}

func (l locked) Transition(ctx context.Context, t booking.Transition) (bool, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.read().Transition(ctx, t)
}

func (l locked) ListDue(ctx context.Context, before time.Time, limit int) ([]booking.Reservation, error) {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	return l.read().ListDue(ctx, before, limit)
}
