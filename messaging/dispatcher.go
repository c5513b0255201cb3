/*
Package messaging consumes payment notifications from RabbitMQ.

PURPOSE:
  The broker delivers at least once. Every delivery is decoded by the
  Dispatcher, which decides its fate; the Consumer only owns the connection,
  the channel and the ack/nack calls.

DISPOSITIONS:
  Ack      credited, already credited, or a status we ignore
  Reject   malformed envelope or a notification that can never be credited
           (not requeued, dead-lettered if the queue is configured for it)
  Requeue  infrastructure failure, retried on redelivery

ENVELOPE:
  {"type": "payment.succeeded", "payload": { ...payments.Notification... }}

SEE ALSO:
  - consumer.go: Connection handling and workers
  - payments/handler.go: Notification validation and crediting
*/
package messaging

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/warp/lesson-ledger/ledger"
	"github.com/warp/lesson-ledger/payments"
)

type Disposition int

const (
	Ack Disposition = iota
	Reject
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	}
	return "unknown"
}

// Message types.
const (
	TypePaymentSucceeded = "payment.succeeded"
	TypePaymentUpdated   = "payment.updated"
)

// Envelope wraps every message on the payments queue.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PaymentHandler credits a payment notification.
type PaymentHandler interface {
	Handle(ctx context.Context, n payments.Notification) (ledger.Result, error)
}

type Dispatcher struct {
	payments PaymentHandler
	log      logrus.FieldLogger
}

func NewDispatcher(h PaymentHandler, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{payments: h, log: log.WithField("component", "dispatcher")}
}

// Dispatch decodes body and returns what to do with the delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) Disposition {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		d.log.WithError(err).WithField("body", string(body)).Error("failed to unmarshal envelope")
		return Reject
	}

	switch env.Type {
	case TypePaymentSucceeded, TypePaymentUpdated:
	default:
		d.log.WithField("type", env.Type).Warn("unknown message type")
		return Reject
	}

	var n payments.Notification
	if err := json.Unmarshal(env.Payload, &n); err != nil {
		d.log.WithError(err).WithField("type", env.Type).Error("failed to unmarshal payment payload")
		return Reject
	}
	if env.Type == TypePaymentSucceeded && n.Status == "" {
		n.Status = payments.StatusSucceeded
	}

	fields := logrus.Fields{"external_payment_id": n.PaymentID, "account_id": n.AccountID}
	res, err := d.payments.Handle(ctx, n)

	var invalid *payments.InvalidNotificationError
	switch {
	case errors.Is(err, payments.ErrNotSettled):
		d.log.WithFields(fields).WithField("status", n.Status).Debug("payment not settled, acking")
		return Ack
	case errors.As(err, &invalid):
		d.log.WithFields(fields).WithError(err).Error("rejecting invalid payment notification")
		return Reject
	case err != nil:
		d.log.WithFields(fields).WithError(err).Warn("payment handling failed, requeueing")
		return Requeue
	case !res.OK:
		d.log.WithFields(fields).WithField("reason", res.Reason).Info("payment already credited")
		return Ack
	}

	d.log.WithFields(fields).WithField("balance", res.Balance).Info("payment credited")
	return Ack
}
