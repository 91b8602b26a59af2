package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smsgate/smsgate/internal/jobs"
	"github.com/smsgate/smsgate/internal/message"
	"github.com/smsgate/smsgate/internal/modem"
)

// snoozeOnCircuitOpen is how long a send job waits out an open breaker.
// Snoozing does not charge the job's attempt budget.
const snoozeOnCircuitOpen = 60 * time.Second

// Sender is the sms_send job handler: it walks one message through
// sending and settles the outcome against the retry policy.
type Sender struct {
	modem    ModemClient
	messages MessageStore
	logger   *slog.Logger
}

// NewSender creates the outbound dispatcher.
func NewSender(client ModemClient, messages MessageStore, logger *slog.Logger) *Sender {
	return &Sender{modem: client, messages: messages, logger: logger}
}

// Handle processes one sms_send job.
func (s *Sender) Handle(ctx context.Context, job *jobs.Job) error {
	var payload message.SendPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &jobs.CancelError{Reason: fmt.Sprintf("malformed payload: %v", err)}
	}

	msg, err := s.messages.GetByID(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return &jobs.CancelError{Reason: "message not found"}
		}
		return err
	}

	// At-least-once dedup: a message already past sending is done from
	// this job's point of view.
	switch msg.Status {
	case message.StatusSent, message.StatusDelivered, message.StatusFailed:
		s.logger.Info("skipping send, message already settled",
			"message_id", msg.ID, "status", msg.Status)
		return &jobs.CancelError{Reason: "message not actionable"}
	}

	if _, err := s.messages.MarkSending(ctx, msg.ID); err != nil {
		if errors.Is(err, message.ErrInvalidTransition) {
			// Another worker holds the message.
			return nil
		}
		// A store failure at the claim point is not retried: the
		// message fails with a diagnostic rather than looping on a
		// store we cannot trust to record the attempt.
		reason := fmt.Sprintf("store failure before send: %v", err)
		if _, ferr := s.messages.MarkFailed(ctx, msg.ID, reason); ferr != nil {
			s.logger.Error("could not mark message failed after store error",
				"message_id", msg.ID, "error", ferr)
		}
		return &jobs.CancelError{Reason: reason}
	}

	modemMessageID, sendErr := s.modem.SendSMS(ctx, msg.PhoneNumber, msg.Content)
	if sendErr == nil {
		if _, err := s.messages.MarkSent(ctx, msg.ID, modemMessageID); err != nil {
			return err
		}
		s.logger.Info("message sent", "message_id", msg.ID, "modem_message_id", modemMessageID)
		return nil
	}

	return s.settleFailure(ctx, job, msg.ID, sendErr)
}

func (s *Sender) settleFailure(ctx context.Context, job *jobs.Job, messageID string, sendErr error) error {
	// An open breaker is not a failure: wait it out without charging
	// the retry budget or the message.
	if modem.IsCircuitOpen(sendErr) {
		if _, err := s.messages.Requeue(ctx, messageID); err != nil {
			return err
		}
		return &jobs.SnoozeError{Delay: snoozeOnCircuitOpen}
	}

	var me *modem.Error
	retryable := !errors.As(sendErr, &me) || me.Retryable()
	reason := FailureMessage(sendErr)

	if retryable && job.Attempt < job.MaxAttempts {
		if _, err := s.messages.Requeue(ctx, messageID); err != nil {
			return err
		}
		return sendErr // re-scheduled with backoff
	}

	// Non-retryable, or the budget is spent: the message fails now.
	if _, err := s.messages.MarkFailed(ctx, messageID, reason); err != nil {
		return err
	}
	s.logger.Warn("message failed", "message_id", messageID, "reason", reason)
	if retryable {
		return sendErr // final attempt; the job is discarded
	}
	return &jobs.CancelError{Reason: reason}
}

// FailureMessage renders a send error as the operator-facing
// errorMessage stored on the message.
func FailureMessage(err error) string {
	var me *modem.Error
	if !errors.As(err, &me) {
		return "Send failed"
	}
	switch me.Kind {
	case modem.ErrKindParse:
		return "Unexpected modem response"
	case modem.ErrKindTimeout:
		return "Modem timeout"
	case modem.ErrKindHTTP:
		if me.Code >= 400 && me.Code < 500 {
			return fmt.Sprintf("Modem rejected request (%d)", me.Code)
		}
		return "Modem unreachable"
	case modem.ErrKindModem:
		switch me.Code {
		case modem.CodeSMSBusy:
			return "Modem busy (113)"
		case modem.CodeSMSBoxFull:
			return "SMS box full (114)"
		case modem.CodeNetworkError:
			return "Network error (115)"
		case modem.CodeInvalidPhoneNumber:
			return "Invalid phone number (117)"
		case modem.CodeNetworkUnavailable:
			return "Network temporarily unavailable (118)"
		default:
			return fmt.Sprintf("Modem error (%d)", me.Code)
		}
	}
	return "Send failed"
}
