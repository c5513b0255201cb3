/*
handlers.go - HTTP API handlers for the lesson-token ledger

PURPOSE:
  Exposes the ledger, booking and payment flows via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the services.

ENDPOINTS:
  Accounts:
    GET    /api/accounts/{id}/balance       Current balance
    GET    /api/accounts/{id}/events        Event history, append order
    GET    /api/accounts/{id}/audit         Balance row vs Σ delta
    POST   /api/accounts/{id}/signup-bonus  Onboarding credit (+1)
    POST   /api/accounts/{id}/adjustments   Manual correction {delta, reason}

  Reservations:
    POST   /api/reservations                Book a slot (debits one token)
    GET    /api/reservations/{id}           Reservation details
    POST   /api/reservations/{id}/cancel    Cancel (release or consume)
    POST   /api/reservations/{id}/complete  Mark held / no_show {outcome}

  Payments:
    POST   /api/webhooks/payments           Provider notification
    GET    /api/packs                       Token pack catalog

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: NOT_ENOUGH_TOKENS
  - 404: Reservation not found
  - 409: Other ledger outcomes, reservation not booked
  - 500: Internal errors

  Ledger outcomes are not errors: the body is the ResultDTO with its reason.
  A redelivered payment webhook is 200 already_credited so the provider
  stops retrying.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/lesson-ledger/booking"
	"github.com/warp/lesson-ledger/ledger"
	"github.com/warp/lesson-ledger/payments"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the services behind the HTTP API.
type Handler struct {
	ledger   *ledger.Service
	booking  *booking.Service
	payments *payments.Handler
	catalog  *payments.Catalog
	validate *validator.Validate
	log      logrus.FieldLogger
}

// NewHandler creates a handler. catalog defaults to payments.DefaultCatalog.
func NewHandler(l *ledger.Service, b *booking.Service, p *payments.Handler, catalog *payments.Catalog, log logrus.FieldLogger) *Handler {
	if catalog == nil {
		catalog = payments.DefaultCatalog()
	}
	if log == nil {
		discard := logrus.New()
		discard.SetLevel(logrus.PanicLevel)
		log = discard
	}
	return &Handler{
		ledger:   l,
		booking:  b,
		payments: p,
		catalog:  catalog,
		validate: validator.New(),
		log:      log.WithField("component", "api"),
	}
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// GetBalance returns the current balance. Unknown accounts have 0.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := ledger.AccountID(chi.URLParam(r, "id"))

	balance, err := h.ledger.GetBalance(r.Context(), account)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{AccountID: string(account), Balance: balance})
}

func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	account := ledger.AccountID(chi.URLParam(r, "id"))

	events, err := h.ledger.History(r.Context(), account)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]EventDTO, len(events))
	for i, e := range events {
		out[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	account := ledger.AccountID(chi.URLParam(r, "id"))

	report, err := h.ledger.Audit(r.Context(), account)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditDTO{
		AccountID:  string(report.AccountID),
		Balance:    report.Balance,
		EventSum:   report.EventSum,
		EventCount: report.EventCount,
		Consistent: report.Consistent(),
	})
}

// CreditSignupBonus grants the onboarding token. The onboarding flow calls
// it once per account; repeated calls credit again.
func (h *Handler) CreditSignupBonus(w http.ResponseWriter, r *http.Request) {
	account := ledger.AccountID(chi.URLParam(r, "id"))

	res, err := h.ledger.CreditSignupBonus(r.Context(), account)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, res)
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	account := ledger.AccountID(chi.URLParam(r, "id"))

	var req AdjustmentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	res, err := h.ledger.Adjust(r.Context(), account, req.Delta, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, res)
}

// =============================================================================
// RESERVATION ENDPOINTS
// =============================================================================

// Book inserts the reservation and debits one token atomically.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	out, err := h.booking.Book(r.Context(), booking.BookRequest{
		ReservationID: ledger.ReservationID(req.ReservationID),
		AccountID:     ledger.AccountID(req.AccountID),
		ProfessorID:   req.ProfessorID,
		StartsAt:      req.StartsAt,
		EndsAt:        req.EndsAt,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !out.OK() {
		status = outcomeStatus(out.Ledger.Reason)
	}
	writeJSON(w, status, BookingResponse{
		Reservation: toReservationDTO(out.Reservation),
		Result:      toResultDTO(out.Ledger),
	})
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	id := ledger.ReservationID(chi.URLParam(r, "id"))

	res, err := h.booking.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// CancelReservation releases the token before the cutoff and consumes it
// after.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id := ledger.ReservationID(chi.URLParam(r, "id"))

	out, err := h.booking.Cancel(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BookingResponse{
		Reservation: toReservationDTO(out.Reservation),
		Result:      toResultDTO(out.Ledger),
	})
}

func (h *Handler) CompleteReservation(w http.ResponseWriter, r *http.Request) {
	id := ledger.ReservationID(chi.URLParam(r, "id"))

	var req CompleteRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	out, err := h.booking.Complete(r.Context(), id, booking.Status(req.Outcome))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BookingResponse{
		Reservation: toReservationDTO(out.Reservation),
		Result:      toResultDTO(out.Ledger),
	})
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

// PaymentWebhook credits a provider notification. Providers retry until
// they see a 2xx, so redeliveries and unsettled payments are acknowledged.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var n payments.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := h.payments.Handle(r.Context(), n)
	var invalid *payments.InvalidNotificationError
	switch {
	case errors.Is(err, payments.ErrNotSettled):
		writeJSON(w, http.StatusAccepted, WebhookResponse{Status: "ignored"})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid payment notification",
			Code:    "invalid_notification",
			Details: invalid.Reason,
		})
	case err != nil:
		h.writeServiceError(w, r, err)
	case !res.OK:
		result := toResultDTO(res)
		writeJSON(w, http.StatusOK, WebhookResponse{Status: "already_credited", Result: &result})
	default:
		result := toResultDTO(res)
		writeJSON(w, http.StatusOK, WebhookResponse{Status: "credited", Result: &result})
	}
}

func (h *Handler) ListPacks(w http.ResponseWriter, r *http.Request) {
	packs := h.catalog.Packs()
	out := make([]PackDTO, len(packs))
	for i, p := range packs {
		out[i] = toPackDTO(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeJSON decodes and validates a request body. It writes the 400
// response and returns false on failure.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation failed",
			Code:    "validation_failed",
			Details: describeValidation(err),
		})
		return false
	}
	return true
}

// outcomeStatus maps a ledger outcome to its HTTP status.
func outcomeStatus(reason ledger.Outcome) int {
	if reason == ledger.OutcomeNotEnoughTokens {
		return http.StatusPaymentRequired
	}
	return http.StatusConflict
}

func writeResult(w http.ResponseWriter, okStatus int, res ledger.Result) {
	if !res.OK {
		writeJSON(w, outcomeStatus(res.Reason), toResultDTO(res))
		return
	}
	writeJSON(w, okStatus, toResultDTO(res))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var stateErr *booking.StateError
	var settleErr *booking.SettlementError

	switch {
	case ledger.IsClientError(err), errors.Is(err, booking.ErrInvalidBooking):
		writeError(w, http.StatusBadRequest, "invalid request", err)
	case errors.Is(err, booking.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, "reservation not found", err)
	case errors.As(err, &stateErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "reservation is not booked",
			Code:    string(stateErr.Status),
			Details: err.Error(),
		})
	case errors.As(err, &settleErr):
		h.log.WithError(err).WithField("reservation_id", settleErr.ID).Error("ledger refused settlement")
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "settlement rejected",
			Code:    string(settleErr.Reason),
			Details: err.Error(),
		})
	default:
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
