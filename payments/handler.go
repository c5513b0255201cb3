package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/lesson-ledger/ledger"
)

// =============================================================================
// NOTIFICATION
// =============================================================================

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Notification is a provider payment event. Either PackID (with an optional
// Quantity, default 1) or Tokens determines how many tokens are credited.
type Notification struct {
	PaymentID string `json:"payment_id" validate:"required"`
	AccountID string `json:"account_id" validate:"required"`
	Status    Status `json:"status" validate:"required"`
	PackID    string `json:"pack_id,omitempty" validate:"required_without=Tokens"`
	Quantity  int64  `json:"quantity,omitempty" validate:"gte=0"`
	Tokens    int64  `json:"tokens,omitempty" validate:"gte=0"`
	Amount    string `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty" validate:"omitempty,len=3"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotSettled is returned for notifications whose status is not succeeded.
// Nothing is credited.
var ErrNotSettled = errors.New("payment not settled")

// InvalidNotificationError describes a notification that can never be credited.
type InvalidNotificationError struct {
	PaymentID string
	Reason    string
}

func (e *InvalidNotificationError) Error() string {
	return fmt.Sprintf("invalid payment notification %s: %s", e.PaymentID, e.Reason)
}

// =============================================================================
// HANDLER
// =============================================================================

// Crediter is the ledger operation the handler needs.
type Crediter interface {
	CreditFromExternalPayment(ctx context.Context, account ledger.AccountID, amount int64, externalPaymentID string) (ledger.Result, error)
}

type Handler struct {
	ledger   Crediter
	catalog  *Catalog
	validate *validator.Validate
	log      logrus.FieldLogger
}

func NewHandler(l Crediter, catalog *Catalog, log logrus.FieldLogger) *Handler {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if log == nil {
		discard := logrus.New()
		discard.SetLevel(logrus.PanicLevel)
		log = discard
	}
	return &Handler{
		ledger:   l,
		catalog:  catalog,
		validate: validator.New(),
		log:      log.WithField("component", "payments"),
	}
}

// Handle credits a succeeded payment. A redelivered payment returns the
// ALREADY_CREDITED result with a nil error.
func (h *Handler) Handle(ctx context.Context, n Notification) (ledger.Result, error) {
	if err := h.validate.Struct(n); err != nil {
		return ledger.Result{}, &InvalidNotificationError{PaymentID: n.PaymentID, Reason: describeValidation(err)}
	}
	if n.Status != StatusSucceeded {
		h.log.WithFields(logrus.Fields{"external_payment_id": n.PaymentID, "status": n.Status}).Debug("ignoring unsettled payment")
		return ledger.Result{}, ErrNotSettled
	}

	tokens, err := h.tokensFor(n)
	if err != nil {
		return ledger.Result{}, err
	}

	res, err := h.ledger.CreditFromExternalPayment(ctx, ledger.AccountID(n.AccountID), tokens, n.PaymentID)
	if err != nil {
		if ledger.IsClientError(err) {
			return ledger.Result{}, &InvalidNotificationError{PaymentID: n.PaymentID, Reason: err.Error()}
		}
		return ledger.Result{}, fmt.Errorf("credit payment %s: %w", n.PaymentID, err)
	}
	return res, nil
}

func (h *Handler) tokensFor(n Notification) (int64, error) {
	invalid := func(format string, args ...any) error {
		return &InvalidNotificationError{PaymentID: n.PaymentID, Reason: fmt.Sprintf(format, args...)}
	}

	if n.PackID == "" {
		if n.Tokens <= 0 {
			return 0, invalid("tokens must be positive")
		}
		return n.Tokens, nil
	}

	pack, ok := h.catalog.Lookup(n.PackID)
	if !ok {
		return 0, invalid("unknown pack %q", n.PackID)
	}
	quantity := n.Quantity
	if quantity == 0 {
		quantity = 1
	}
	tokens := pack.Tokens * quantity
	if n.Tokens != 0 && n.Tokens != tokens {
		return 0, invalid("tokens %d do not match %d x %s", n.Tokens, quantity, pack.ID)
	}

	if n.Amount != "" {
		paid, err := decimal.NewFromString(n.Amount)
		if err != nil {
			return 0, invalid("amount %q is not a decimal", n.Amount)
		}
		if !paid.Equal(pack.Price(quantity)) {
			return 0, invalid("paid %s, expected %s", paid.StringFixed(2), pack.Price(quantity).StringFixed(2))
		}
		if !strings.EqualFold(n.Currency, pack.Currency) {
			return 0, invalid("currency %q, expected %s", n.Currency, pack.Currency)
		}
	}
	return tokens, nil
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
