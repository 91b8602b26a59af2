package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/smsgate/smsgate/internal/jobs"
	"github.com/smsgate/smsgate/internal/message"
	"github.com/smsgate/smsgate/internal/modem"
)

// DeliveryFailedMessage is stored when the modem reports a failed delivery.
const DeliveryFailedMessage = "Delivery failed (modem reported)"

// Reconciler is the sms_status job handler: it asks the modem for the
// delivery state of messages sent more than minAge ago.
type Reconciler struct {
	modem    ModemClient
	messages *message.Store
	logger   *slog.Logger

	minAge    time.Duration
	batchSize int
}

// NewReconciler creates the delivery-status reconciler.
func NewReconciler(client ModemClient, messages *message.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		modem:     client,
		messages:  messages,
		logger:    logger,
		minAge:    5 * time.Minute,
		batchSize: 100,
	}
}

// Handle runs one reconciliation sweep.
func (r *Reconciler) Handle(ctx context.Context, _ *jobs.Job) error {
	due, err := r.messages.ListDeliveryChecks(ctx, r.minAge, r.batchSize)
	if err != nil {
		return err
	}

	for i := range due {
		msg := &due[i]
		status, err := r.modem.GetStatus(ctx, *msg.ModemMessageID)
		if modem.IsCircuitOpen(err) {
			// Abandon the cycle; the next sweep retries everything.
			return nil
		}
		if err != nil {
			r.logger.Warn("delivery status check failed",
				"message_id", msg.ID, "error", err)
			continue
		}

		switch status {
		case modem.DeliveryDelivered:
			if _, err := r.messages.MarkDelivered(ctx, msg.ID); err != nil {
				r.logger.Error("failed to mark delivered", "message_id", msg.ID, "error", err)
				continue
			}
			r.logger.Info("message delivered", "message_id", msg.ID)
		case modem.DeliveryFailed:
			if _, err := r.messages.MarkFailed(ctx, msg.ID, DeliveryFailedMessage); err != nil {
				r.logger.Error("failed to mark failed", "message_id", msg.ID, "error", err)
				continue
			}
			r.logger.Warn("delivery failed", "message_id", msg.ID)
		default:
			// pending, sent, unknown: check again next sweep.
		}
	}
	return nil
}
