// Package notifier emails patients when one of their prescriptions is created.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/domain/prescription"
	"github.com/medirx/rxcore/internal/export"
	"github.com/medirx/rxcore/internal/infrastructure/redpanda"
	"github.com/medirx/rxcore/internal/notification"
	"github.com/medirx/rxcore/internal/observability/metrics"
	"github.com/medirx/rxcore/pkg/idempotency"
)

// HandlerName identifies this consumer in the idempotency inbox.
const HandlerName = "notifier.prescription-email"

// Notification outcomes exported on notifications_sent_total.
const (
	OutcomeSent      = "sent"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Prescriptions loads a committed prescription regardless of caller.
type Prescriptions interface {
	Get(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error)
}

// Inbox deduplicates deliveries.
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.Outcome, error)
}

// Notifier handles prescription events.
type Notifier struct {
	prescriptions Prescriptions
	inbox         Inbox
	sender        notification.Sender
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// New creates a notifier. m may be nil.
func New(prescriptions Prescriptions, inbox Inbox, sender notification.Sender, m *metrics.Metrics, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Notifier{
		prescriptions: prescriptions,
		inbox:         inbox,
		sender:        sender,
		metrics:       m,
		logger:        logger,
	}
}

// Handle is a redpanda.MessageHandler. Only prescription.created events send
// mail; other events are acknowledged untouched.
func (n *Notifier) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	evt, err := prescription.DecodeEvent(msg.Value)
	if err != nil {
		n.metrics.NotificationsSent.WithLabelValues(OutcomeSkipped).Inc()
		n.logger.Warn("dropping undecodable event",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if evt.Type != prescription.EventCreated {
		return nil
	}

	key := idempotency.Key(HandlerName, evt.ID.String())
	out, err := n.inbox.Process(ctx, key, HandlerName, msg.Value, func(ctx context.Context) (json.RawMessage, error) {
		return n.send(ctx, evt)
	})
	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrPreviouslyFailed):
		n.metrics.NotificationsSent.WithLabelValues(OutcomeDuplicate).Inc()
		return nil
	case Permanent(err):
		n.metrics.NotificationsSent.WithLabelValues(OutcomeSkipped).Inc()
		n.logger.Warn("prescription email not deliverable",
			zap.String("prescription_id", evt.PrescriptionID.String()),
			zap.Error(err))
		return nil
	case err != nil:
		n.metrics.NotificationsSent.WithLabelValues(OutcomeFailed).Inc()
		return fmt.Errorf("notify %s: %w", evt.Code, err)
	case out.Duplicate:
		n.metrics.NotificationsSent.WithLabelValues(OutcomeDuplicate).Inc()
		return nil
	}

	n.metrics.NotificationsSent.WithLabelValues(OutcomeSent).Inc()
	n.logger.Info("prescription email sent",
		zap.String("code", evt.Code),
		zap.String("prescription_id", evt.PrescriptionID.String()),
		zap.Bool("recovered", out.Recovered))
	return nil
}

type sendResult struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func (n *Notifier) send(ctx context.Context, evt prescription.Event) (json.RawMessage, error) {
	rx, err := n.prescriptions.Get(ctx, evt.PrescriptionID)
	if err != nil {
		return nil, err
	}
	mail, err := export.PrescriptionEmail(rx)
	if err != nil {
		return nil, err
	}
	if err := n.sender.Send(ctx, mail.To, mail.Subject, mail.HTML); err != nil {
		return nil, err
	}
	return json.Marshal(sendResult{To: mail.To, Subject: mail.Subject})
}

// Permanent reports failures that retrying cannot fix: the prescription is
// gone or the recipient is rejected.
func Permanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, notification.ErrBadRecipient)
}

// Retryable is the worker pool policy matching Permanent.
func Retryable(err error) bool {
	return !Permanent(err) && !errors.Is(err, idempotency.ErrPreviouslyFailed)
}
