package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-ledger/booking"
	"github.com/warp/lesson-ledger/ledger"
	"github.com/warp/lesson-ledger/store/memory"
)

func credit(id, account, paymentID string, delta int64) ledger.Event {
	return ledger.Event{
		ID:                ledger.EventID(id),
		AccountID:         ledger.AccountID(account),
		Type:              ledger.EventCredit,
		Delta:             delta,
		ExternalPaymentID: paymentID,
	}
}

func TestMemory_WithTx_RollbackRestoresState(t *testing.T) {
	// GIVEN: A committed credit
	// WHEN: A later transaction writes and then fails
	// THEN: Only the committed state remains

	m := memory.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.Balances().EnsureRow(ctx, "acct-1"))
		_, err := tx.Balances().Increment(ctx, "acct-1", 2)
		require.NoError(t, err)
		return tx.Events().Append(ctx, credit("e1", "acct-1", "pi_1", 2))
	}))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.Balances().Increment(ctx, "acct-1", 5)
		require.NoError(t, err)
		require.NoError(t, tx.Events().Append(ctx, credit("e2", "acct-1", "pi_2", 5)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	balance, err := m.Balances().GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)

	exists, err := m.Events().ExistsExternalPaymentID(ctx, "pi_2")
	require.NoError(t, err)
	assert.False(t, exists, "rolled back payment id must be free again")

	sum, count, err := m.Events().SumDeltas(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum)
	assert.Equal(t, 1, count)
}

func TestMemory_WithTx_PanicRestoresState(t *testing.T) {
	m := memory.NewMemory()
	ctx := context.Background()

	// GIVEN: A transaction that writes and then panics
	assert.Panics(t, func() {
		_ = m.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := tx.Balances().Increment(ctx, "acct-1", 5)
			require.NoError(t, err)
			panic("handler bug")
		})
	})

	// THEN: The write is gone and the store is still usable
	balance, err := m.Balances().GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, balance)

	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.Balances().Increment(ctx, "acct-1", 1)
		return err
	}))
	balance, err = m.Balances().GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
}

func TestMemory_Increment_CreatesMissingRow(t *testing.T) {
	m := memory.NewMemory()
	ctx := context.Background()

	b, err := m.Balances().Increment(ctx, "acct-new", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), b)

	balance, err := m.Balances().GetBalance(ctx, "acct-new")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestMemory_Append_UniquenessRules(t *testing.T) {
	m := memory.NewMemory()
	ctx := context.Background()
	events := m.Events()

	require.NoError(t, events.Append(ctx, credit("e1", "acct-1", "pi_1", 1)))
	assert.ErrorIs(t, events.Append(ctx, credit("e2", "acct-2", "pi_1", 1)), ledger.ErrDuplicateExternalPayment)

	reserve := ledger.Event{ID: "e3", AccountID: "acct-1", ReservationID: "res-1", Type: ledger.EventReserve, Delta: -1}
	require.NoError(t, events.Append(ctx, reserve))
	reserve.ID = "e4"
	assert.ErrorIs(t, events.Append(ctx, reserve), ledger.ErrDuplicateReservationEvent)

	release := ledger.Event{ID: "e5", AccountID: "acct-1", ReservationID: "res-1", Type: ledger.EventRelease, Delta: 1}
	require.NoError(t, events.Append(ctx, release))
	consume := ledger.Event{ID: "e6", AccountID: "acct-1", ReservationID: "res-1", Type: ledger.EventConsume}
	assert.ErrorIs(t, events.Append(ctx, consume), ledger.ErrDuplicateReservationEvent)

	found, err := events.FindByReservation(ctx, "res-1", ledger.EventRelease, ledger.EventConsume)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, ledger.EventID("e5"), found.ID)
}

func TestMemory_DecrementIfEnough(t *testing.T) {
	m := memory.NewMemory()
	ctx := context.Background()
	balances := m.Balances()

	_, ok, err := balances.DecrementIfEnough(ctx, "acct-1", 1)
	require.NoError(t, err)
	assert.False(t, ok, "missing row has nothing to debit")

	require.NoError(t, balances.EnsureRow(ctx, "acct-1"))
	_, err = balances.Increment(ctx, "acct-1", 1)
	require.NoError(t, err)

	left, ok, err := balances.DecrementIfEnough(ctx, "acct-1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, left)

	_, ok, err = balances.DecrementIfEnough(ctx, "acct-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_Reservations(t *testing.T) {
	m := memory.NewMemory()
	ctx := context.Background()
	store := m.Reservations()
	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

	for i, id := range []ledger.ReservationID{"res-late", "res-early", "res-mid"} {
		offsets := []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour}
		require.NoError(t, store.Insert(ctx, booking.Reservation{
			ID:        id,
			AccountID: "acct-1",
			StartsAt:  base.Add(offsets[i] - time.Hour),
			EndsAt:    base.Add(offsets[i]),
			Status:    booking.StatusBooked,
		}))
	}
	assert.ErrorIs(t, store.Insert(ctx, booking.Reservation{ID: "res-mid"}), booking.ErrDuplicateReservation)

	due, err := store.ListDue(ctx, base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, ledger.ReservationID("res-early"), due[0].ID)
	assert.Equal(t, ledger.ReservationID("res-mid"), due[1].ID)

	applied, err := store.Transition(ctx, booking.Transition{
		ID: "res-early", From: booking.StatusBooked, To: booking.StatusHeld,
		Settlement: booking.SettlementConsumed, At: base,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.Transition(ctx, booking.Transition{
		ID: "res-early", From: booking.StatusBooked, To: booking.StatusCancelled, At: base,
	})
	require.NoError(t, err)
	assert.False(t, applied, "second transition out of booked must not apply")

	r, err := store.Get(ctx, "res-early")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusHeld, r.Status)
	assert.Equal(t, booking.SettlementConsumed, r.Settlement)

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
