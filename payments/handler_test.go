package payments_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-ledger/ledger"
	"github.com/warp/lesson-ledger/payments"
	"github.com/warp/lesson-ledger/store/memory"
)

func newTestHandler(t *testing.T) (*payments.Handler, *ledger.Service) {
	t.Helper()
	svc := ledger.NewService(memory.NewMemory())
	return payments.NewHandler(svc, payments.DefaultCatalog(), nil), svc
}

func succeeded(paymentID, packID string) payments.Notification {
	return payments.Notification{
		PaymentID: paymentID,
		AccountID: "acct-1",
		Status:    payments.StatusSucceeded,
		PackID:    packID,
	}
}

func TestHandler_CreditsPackTokens(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	n := succeeded("pi_1", "pack-5")
	n.Quantity = 2
	n.Amount = "280.00"
	n.Currency = "eur"

	res, err := h.Handle(ctx, n)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(10), res.Balance)

	events, err := svc.History(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pi_1", events[0].ExternalPaymentID)
}

func TestHandler_RedeliveryIsAlreadyCredited(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	_, err := h.Handle(ctx, succeeded("pi_1", "single"))
	require.NoError(t, err)

	res, err := h.Handle(ctx, succeeded("pi_1", "single"))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAlreadyCredited, res.Reason)

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
}

func TestHandler_ExplicitTokens(t *testing.T) {
	h, _ := newTestHandler(t)

	res, err := h.Handle(context.Background(), payments.Notification{
		PaymentID: "pi_promo",
		AccountID: "acct-1",
		Status:    payments.StatusSucceeded,
		Tokens:    3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Balance)
}

func TestHandler_IgnoresUnsettled(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	n := succeeded("pi_1", "single")
	n.Status = payments.StatusPending
	_, err := h.Handle(ctx, n)
	assert.ErrorIs(t, err, payments.ErrNotSettled)

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestHandler_RejectsInvalid(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name   string
		mutate func(n *payments.Notification)
	}{
		{"missing payment id", func(n *payments.Notification) { n.PaymentID = "" }},
		{"missing account", func(n *payments.Notification) { n.AccountID = "" }},
		{"unknown pack", func(n *payments.Notification) { n.PackID = "pack-99" }},
		{"no pack and no tokens", func(n *payments.Notification) { n.PackID = "" }},
		{"wrong amount", func(n *payments.Notification) { n.Amount = "10.00"; n.Currency = "EUR" }},
		{"wrong currency", func(n *payments.Notification) { n.Amount = "30"; n.Currency = "USD" }},
		{"garbage amount", func(n *payments.Notification) { n.Amount = "thirty"; n.Currency = "EUR" }},
		{"tokens disagree with pack", func(n *payments.Notification) { n.Tokens = 4 }},
		{"negative quantity", func(n *payments.Notification) { n.Quantity = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := succeeded("pi_1", "single")
			tt.mutate(&n)
			_, err := h.Handle(context.Background(), n)
			var invalid *payments.InvalidNotificationError
			assert.True(t, errors.As(err, &invalid), "got %v", err)
		})
	}
}

func TestCatalog(t *testing.T) {
	c := payments.DefaultCatalog()
	packs := c.Packs()
	require.Len(t, packs, 3)
	assert.Equal(t, "single", packs[0].ID)
	assert.Equal(t, "pack-10", packs[2].ID)

	p, ok := c.Lookup("pack-10")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("780").Equal(p.Price(3)))

	_, err := payments.NewCatalog(payments.Pack{ID: "x", Tokens: 1}, payments.Pack{ID: "x", Tokens: 2})
	assert.Error(t, err)
	_, err = payments.NewCatalog(payments.Pack{ID: "empty"})
	assert.Error(t, err)
}
