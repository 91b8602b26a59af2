package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/smsgate/smsgate/internal/jobs"
	"github.com/smsgate/smsgate/internal/message"
	"github.com/smsgate/smsgate/internal/modem"
	"github.com/smsgate/smsgate/internal/testutil"
)

// stubStore scripts the message store so store failures can be injected
// without a database.
type stubStore struct {
	msg *message.Message

	markSendingErr error
	markFailedErr  error

	failedReason string
	requeued     bool
	sentModemID  string
}

func (s *stubStore) GetByID(ctx context.Context, id string) (*message.Message, error) {
	if s.msg == nil {
		return nil, message.ErrNotFound
	}
	return s.msg, nil
}

func (s *stubStore) MarkSending(ctx context.Context, id string) (*message.Message, error) {
	if s.markSendingErr != nil {
		return nil, s.markSendingErr
	}
	s.msg.Status = message.StatusSending
	return s.msg, nil
}

func (s *stubStore) MarkSent(ctx context.Context, id, modemMessageID string) (*message.Message, error) {
	s.sentModemID = modemMessageID
	s.msg.Status = message.StatusSent
	return s.msg, nil
}

func (s *stubStore) MarkFailed(ctx context.Context, id, errorMessage string) (*message.Message, error) {
	if s.markFailedErr != nil {
		return nil, s.markFailedErr
	}
	s.failedReason = errorMessage
	s.msg.Status = message.StatusFailed
	return s.msg, nil
}

func (s *stubStore) Requeue(ctx context.Context, id string) (*message.Message, error) {
	s.requeued = true
	s.msg.Status = message.StatusQueued
	return s.msg, nil
}

type sendingModem struct {
	scriptedModem

	sendID  string
	sendErr error
	calls   int
}

func (m *sendingModem) SendSMS(ctx context.Context, phone, content string) (string, error) {
	m.calls++
	return m.sendID, m.sendErr
}

func sendJob(t *testing.T, messageID string) *jobs.Job {
	t.Helper()
	payload, err := json.Marshal(message.SendPayload{MessageID: messageID})
	testutil.NoError(t, err)
	return &jobs.Job{ID: 1, Queue: jobs.QueueSMSSend, Payload: payload, Attempt: 1, MaxAttempts: 5}
}

func queuedMessage(id string) *message.Message {
	return &message.Message{
		ID:          id,
		Direction:   message.DirectionOutgoing,
		PhoneNumber: "+33612345678",
		Content:     "hello",
		Status:      message.StatusQueued,
	}
}

func TestSenderStoreFailureBeforeSendCancels(t *testing.T) {
	store := &stubStore{msg: queuedMessage("m1"), markSendingErr: errors.New("connection reset")}
	client := &sendingModem{sendID: "M-1"}
	s := NewSender(client, store, testutil.DiscardLogger())

	err := s.Handle(context.Background(), sendJob(t, "m1"))

	var ce *jobs.CancelError
	testutil.True(t, errors.As(err, &ce), "expected cancel, got %v", err)
	testutil.Contains(t, ce.Reason, "store failure before send")
	testutil.Contains(t, ce.Reason, "connection reset")
	testutil.Contains(t, store.failedReason, "connection reset")
	testutil.Equal(t, 0, client.calls)
}

func TestSenderStoreFailureCancelsEvenWhenMarkFailedFails(t *testing.T) {
	store := &stubStore{
		msg:            queuedMessage("m1"),
		markSendingErr: errors.New("connection reset"),
		markFailedErr:  errors.New("still down"),
	}
	s := NewSender(&sendingModem{}, store, testutil.DiscardLogger())

	err := s.Handle(context.Background(), sendJob(t, "m1"))

	var ce *jobs.CancelError
	testutil.True(t, errors.As(err, &ce), "expected cancel, got %v", err)
}

func TestSenderSettledMessageCancelsAsNotActionable(t *testing.T) {
	msg := queuedMessage("m1")
	msg.Status = message.StatusSent
	store := &stubStore{msg: msg}
	client := &sendingModem{}
	s := NewSender(client, store, testutil.DiscardLogger())

	err := s.Handle(context.Background(), sendJob(t, "m1"))

	var ce *jobs.CancelError
	testutil.True(t, errors.As(err, &ce), "expected cancel, got %v", err)
	testutil.Equal(t, "message not actionable", ce.Reason)
	testutil.Equal(t, 0, client.calls)
}

func TestSenderConcurrentClaimCompletesQuietly(t *testing.T) {
	store := &stubStore{msg: queuedMessage("m1"), markSendingErr: message.ErrInvalidTransition}
	client := &sendingModem{}
	s := NewSender(client, store, testutil.DiscardLogger())

	err := s.Handle(context.Background(), sendJob(t, "m1"))
	testutil.Nil(t, err)
	testutil.Equal(t, 0, client.calls)
}

func TestSenderHTTPRejectionFailsMessage(t *testing.T) {
	store := &stubStore{msg: queuedMessage("m1")}
	client := &sendingModem{sendErr: &modem.Error{Kind: modem.ErrKindHTTP, Code: 404, Op: "send"}}
	s := NewSender(client, store, testutil.DiscardLogger())

	err := s.Handle(context.Background(), sendJob(t, "m1"))

	var ce *jobs.CancelError
	testutil.True(t, errors.As(err, &ce), "expected cancel, got %v", err)
	testutil.Equal(t, "Modem rejected request (404)", ce.Reason)
	testutil.Equal(t, "Modem rejected request (404)", store.failedReason)
	testutil.False(t, store.requeued)
}

func TestSenderHTTPServerErrorRequeues(t *testing.T) {
	store := &stubStore{msg: queuedMessage("m1")}
	client := &sendingModem{sendErr: &modem.Error{Kind: modem.ErrKindHTTP, Code: 502, Op: "send"}}
	s := NewSender(client, store, testutil.DiscardLogger())

	err := s.Handle(context.Background(), sendJob(t, "m1"))

	var ce *jobs.CancelError
	testutil.False(t, errors.As(err, &ce), "502 should retry, not cancel")
	testutil.NotNil(t, err)
	testutil.True(t, store.requeued)
}
