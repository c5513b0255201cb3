/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Payment webhook crediting, redelivery and ignored statuses
- Booking debit, rejection and validation
- Cancellation and completion settling the token
- Adjustments, signup bonus, packs
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-ledger/booking"
	"github.com/warp/lesson-ledger/ledger"
	"github.com/warp/lesson-ledger/payments"
	"github.com/warp/lesson-ledger/store/sqlite"
)

var testNow = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, _ := test.NewNullLogger()
	ledgerSvc := ledger.NewService(store, ledger.WithLogger(log))
	bookingSvc := booking.NewService(store, ledgerSvc, booking.DefaultPolicy(), log)
	bookingSvc.SetClock(func() time.Time { return testNow })
	catalog := payments.DefaultCatalog()

	h := NewHandler(ledgerSvc, bookingSvc, payments.NewHandler(ledgerSvc, catalog, log), catalog, log)
	return NewRouter(h, RouterOptions{})
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func payment(id, account, pack string) payments.Notification {
	return payments.Notification{
		PaymentID: id,
		AccountID: account,
		Status:    payments.StatusSucceeded,
		PackID:    pack,
	}
}

func bookBody(id, account string) BookRequest {
	return BookRequest{
		ReservationID: id,
		AccountID:     account,
		ProfessorID:   "prof-1",
		StartsAt:      testNow.Add(72 * time.Hour),
		EndsAt:        testNow.Add(73 * time.Hour),
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPaymentWebhook_CreditsOnce(t *testing.T) {
	router := newTestRouter(t)

	// GIVEN: A succeeded pack-5 payment with matching amount
	n := payment("pi_1", "acct-1", "pack-5")
	n.Amount, n.Currency = "140.00", "eur"

	// WHEN: The provider delivers it twice
	first := do(t, router, http.MethodPost, "/api/webhooks/payments", n)
	second := do(t, router, http.MethodPost, "/api/webhooks/payments", n)

	// THEN: Both are 200, only the first credits
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	got := decode[WebhookResponse](t, first)
	assert.Equal(t, "credited", got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, int64(5), got.Result.Balance)

	require.Equal(t, http.StatusOK, second.Code)
	got = decode[WebhookResponse](t, second)
	assert.Equal(t, "already_credited", got.Status)
	assert.Equal(t, string(ledger.OutcomeAlreadyCredited), got.Result.Reason)

	balance := decode[BalanceDTO](t, do(t, router, http.MethodGet, "/api/accounts/acct-1/balance", nil))
	assert.Equal(t, int64(5), balance.Balance)
}

func TestPaymentWebhook_NonCreditingResponses(t *testing.T) {
	router := newTestRouter(t)

	pending := payment("pi_2", "acct-1", "pack-5")
	pending.Status = payments.StatusPending

	wrongAmount := payment("pi_3", "acct-1", "pack-5")
	wrongAmount.Amount, wrongAmount.Currency = "10.00", "EUR"

	tests := []struct {
		name string
		body any
		want int
	}{
		{"pending is accepted and ignored", pending, http.StatusAccepted},
		{"unknown pack", payment("pi_4", "acct-1", "pack-99"), http.StatusBadRequest},
		{"amount mismatch", wrongAmount, http.StatusBadRequest},
		{"missing account", payment("pi_5", "", "single"), http.StatusBadRequest},
		{"malformed json", `{"payment_id":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/webhooks/payments", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	balance := decode[BalanceDTO](t, do(t, router, http.MethodGet, "/api/accounts/acct-1/balance", nil))
	assert.Zero(t, balance.Balance)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func TestBookAndCancel(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/webhooks/payments", payment("pi_1", "acct-1", "single")).Code)

	// WHEN: The student books a slot three days out
	rec := do(t, router, http.MethodPost, "/api/reservations", bookBody("res-1", "acct-1"))

	// THEN: The reservation exists and the token is debited
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	booked := decode[BookingResponse](t, rec)
	require.NotNil(t, booked.Reservation)
	assert.Equal(t, "booked", booked.Reservation.Status)
	assert.True(t, booked.Result.OK)
	assert.Zero(t, booked.Result.Balance)

	got := decode[ReservationDTO](t, do(t, router, http.MethodGet, "/api/reservations/res-1", nil))
	assert.Equal(t, "prof-1", got.ProfessorID)

	// WHEN: Cancelled before the cutoff
	rec = do(t, router, http.MethodPost, "/api/reservations/res-1/cancel", nil)

	// THEN: The token is released
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decode[BookingResponse](t, rec)
	assert.Equal(t, "cancelled", cancelled.Reservation.Status)
	assert.Equal(t, "released", cancelled.Reservation.Settlement)
	assert.Equal(t, int64(1), cancelled.Result.Balance)

	// A second cancel conflicts
	rec = do(t, router, http.MethodPost, "/api/reservations/res-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "cancelled", decode[ErrorResponse](t, rec).Code)

	audit := decode[AuditDTO](t, do(t, router, http.MethodGet, "/api/accounts/acct-1/audit", nil))
	assert.True(t, audit.Consistent)
	assert.Equal(t, 3, audit.EventCount)
}

func TestBook_NotEnoughTokens(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/reservations", bookBody("res-1", "acct-empty"))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	got := decode[BookingResponse](t, rec)
	assert.Nil(t, got.Reservation)
	assert.False(t, got.Result.OK)
	assert.Equal(t, string(ledger.OutcomeNotEnoughTokens), got.Result.Reason)

	// The rejected booking left no row behind
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/api/reservations/res-1", nil).Code)
}

func TestBook_AlreadyReserved(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/webhooks/payments", payment("pi_1", "acct-1", "pack-5")).Code)

	require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, "/api/reservations", bookBody("res-1", "acct-1")).Code)
	rec := do(t, router, http.MethodPost, "/api/reservations", bookBody("res-1", "acct-1"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	got := decode[BookingResponse](t, rec)
	assert.Equal(t, string(ledger.OutcomeAlreadyReserved), got.Result.Reason)

	balance := decode[BalanceDTO](t, do(t, router, http.MethodGet, "/api/accounts/acct-1/balance", nil))
	assert.Equal(t, int64(4), balance.Balance)
}

func TestBook_Validation(t *testing.T) {
	router := newTestRouter(t)

	noProfessor := bookBody("res-1", "acct-1")
	noProfessor.ProfessorID = ""

	backwards := bookBody("res-2", "acct-1")
	backwards.EndsAt = backwards.StartsAt.Add(-time.Hour)

	inPast := bookBody("res-3", "acct-1")
	inPast.StartsAt, inPast.EndsAt = testNow.Add(-2*time.Hour), testNow.Add(-time.Hour)

	tests := []struct {
		name string
		body any
	}{
		{"missing professor", noProfessor},
		{"ends before start", backwards},
		{"starts in the past", inPast},
		{"unknown field", `{"account_id":"acct-1","room":"b12"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/reservations", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCompleteReservation(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/webhooks/payments", payment("pi_1", "acct-1", "single")).Code)
	require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, "/api/reservations", bookBody("res-1", "acct-1")).Code)

	rec := do(t, router, http.MethodPost, "/api/reservations/res-1/complete", CompleteRequest{Outcome: "late"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/reservations/res-1/complete", CompleteRequest{Outcome: "no_show"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[BookingResponse](t, rec)
	assert.Equal(t, "no_show", got.Reservation.Status)
	assert.Equal(t, "consumed", got.Reservation.Settlement)
	assert.Zero(t, got.Result.Balance)

	rec = do(t, router, http.MethodPost, "/api/reservations/missing/complete", CompleteRequest{Outcome: "held"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestSignupBonusAndEvents(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/accounts/acct-1/signup-bonus", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), decode[ResultDTO](t, rec).Balance)

	events := decode[[]EventDTO](t, do(t, router, http.MethodGet, "/api/accounts/acct-1/events", nil))
	require.Len(t, events, 1)
	assert.Equal(t, "CREDIT", events[0].Type)
	assert.Equal(t, int64(1), events[0].Delta)
	assert.Equal(t, ledger.ReasonSignupBonus, events[0].Meta[ledger.MetaReason])
}

func TestCreateAdjustment(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/accounts/acct-1/adjustments", AdjustmentRequest{Delta: 3, Reason: "goodwill"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(3), decode[ResultDTO](t, rec).Balance)

	// Overdraw is refused without touching the balance
	rec = do(t, router, http.MethodPost, "/api/accounts/acct-1/adjustments", AdjustmentRequest{Delta: -5, Reason: "chargeback"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(ledger.OutcomeNotEnoughTokens), decode[ResultDTO](t, rec).Reason)

	rec = do(t, router, http.MethodPost, "/api/accounts/acct-1/adjustments", AdjustmentRequest{Delta: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decode[ErrorResponse](t, rec).Code)

	balance := decode[BalanceDTO](t, do(t, router, http.MethodGet, "/api/accounts/acct-1/balance", nil))
	assert.Equal(t, int64(3), balance.Balance)
}

func TestListPacksAndHealth(t *testing.T) {
	router := newTestRouter(t)

	packs := decode[[]PackDTO](t, do(t, router, http.MethodGet, "/api/packs", nil))
	require.Len(t, packs, 3)
	assert.Equal(t, "single", packs[0].ID)
	assert.Equal(t, "30.00", packs[0].UnitPrice)

	rec := do(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
