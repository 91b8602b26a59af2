// Package gateway wires the modem client to the message store: the
// outbound send dispatcher, the delivery-status reconciler, the inbound
// poller, and the modem status monitor.
package gateway

import (
	"context"

	"github.com/smsgate/smsgate/internal/message"
	"github.com/smsgate/smsgate/internal/modem"
)

// ModemClient is the slice of the modem client the gateway consumes.
// Narrowed to an interface so tests can script modem behavior.
type ModemClient interface {
	SendSMS(ctx context.Context, phone, content string) (string, error)
	ListInbox(ctx context.Context, boxType int) ([]modem.InboxMessage, error)
	GetStatus(ctx context.Context, modemMessageID string) (modem.DeliveryStatus, error)
	HealthCheck(ctx context.Context) (*modem.Health, error)
}

// MessageStore is the slice of the message store the send dispatcher
// walks a message through.
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*message.Message, error)
	MarkSending(ctx context.Context, id string) (*message.Message, error)
	MarkSent(ctx context.Context, id, modemMessageID string) (*message.Message, error)
	MarkFailed(ctx context.Context, id, errorMessage string) (*message.Message, error)
	Requeue(ctx context.Context, id string) (*message.Message, error)
}

// QueueController is the slice of the job service the monitor uses to
// gate the outbound queue.
type QueueController interface {
	Pause(queue string)
	Resume(queue string)
	Paused(queue string) bool
}
