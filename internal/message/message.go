// Package message holds the SMS message domain: the status state
// machine, validation, and persistence.
package message

import (
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"
)

// Direction of a message relative to the gateway.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Status is the message lifecycle state. Outgoing messages walk
// pending -> queued -> sending -> sent -> {delivered, failed}; failures
// before send also land on failed. Incoming messages are created as
// received and never transition.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusReceived  Status = "received"
)

// MaxContentRunes is the single-segment SMS limit. Long-message
// segmentation is not supported.
const MaxContentRunes = 160

var (
	ErrNotFound          = errors.New("message not found")
	ErrInvalidTransition = errors.New("invalid message status transition")
	ErrDuplicateIncoming = errors.New("incoming message already ingested")
	ErrContentRequired   = errors.New("content is required")
	ErrContentTooLong    = errors.New("content exceeds 160 characters")
)

// Message represents a row in messages.
type Message struct {
	ID             string
	Direction      Direction
	PhoneNumber    string
	Content        string
	Status         Status
	ModemMessageID *string
	ErrorMessage   *string
	APIKeyID       *string
	SentAt         *time.Time
	DeliveredAt    *time.Time
	ReceivedAt     *time.Time
	Metadata       json.RawMessage
	InsertedAt     time.Time
	UpdatedAt      time.Time
}

// Rendered is the API representation of a message. Unset optional
// fields are omitted; timestamps are ISO 8601 UTC.
type Rendered struct {
	ID             string `json:"id"`
	Direction      string `json:"direction"`
	Phone          string `json:"phone"`
	Content        string `json:"content"`
	Status         string `json:"status"`
	ModemMessageID string `json:"modemMessageId,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	SentAt         string `json:"sentAt,omitempty"`
	DeliveredAt    string `json:"deliveredAt,omitempty"`
	ReceivedAt     string `json:"receivedAt,omitempty"`
	InsertedAt     string `json:"insertedAt"`
	UpdatedAt      string `json:"updatedAt"`
}

func isoUTC(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Render formats a message for API responses.
func (m *Message) Render() Rendered {
	r := Rendered{
		ID:          m.ID,
		Direction:   string(m.Direction),
		Phone:       m.PhoneNumber,
		Content:     m.Content,
		Status:      string(m.Status),
		SentAt:      isoUTC(m.SentAt),
		DeliveredAt: isoUTC(m.DeliveredAt),
		ReceivedAt:  isoUTC(m.ReceivedAt),
		InsertedAt:  m.InsertedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   m.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if m.ModemMessageID != nil {
		r.ModemMessageID = *m.ModemMessageID
	}
	if m.ErrorMessage != nil {
		r.ErrorMessage = *m.ErrorMessage
	}
	return r
}

// ValidateContent enforces the single-segment limit by rune count, not
// bytes, so multi-byte characters are counted correctly.
func ValidateContent(content string) error {
	if content == "" {
		return ErrContentRequired
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return ErrContentTooLong
	}
	return nil
}
