package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smsgate/smsgate/internal/modem"
	"github.com/smsgate/smsgate/internal/testutil"
)

type scriptedModem struct {
	health    *modem.Health
	healthErr error
}

func (s *scriptedModem) SendSMS(ctx context.Context, phone, content string) (string, error) {
	return "", errors.New("not scripted")
}

func (s *scriptedModem) ListInbox(ctx context.Context, boxType int) ([]modem.InboxMessage, error) {
	return nil, errors.New("not scripted")
}

func (s *scriptedModem) GetStatus(ctx context.Context, id string) (modem.DeliveryStatus, error) {
	return modem.DeliveryUnknown, errors.New("not scripted")
}

func (s *scriptedModem) HealthCheck(ctx context.Context) (*modem.Health, error) {
	return s.health, s.healthErr
}

type recordingQueues struct {
	pauses  int
	resumes int
	paused  bool
}

func (q *recordingQueues) Pause(queue string)       { q.pauses++; q.paused = true }
func (q *recordingQueues) Resume(queue string)      { q.resumes++; q.paused = false }
func (q *recordingQueues) Paused(queue string) bool { return q.paused }

func TestMonitorPausesOnFirstFailureOnly(t *testing.T) {
	client := &scriptedModem{healthErr: errors.New("connection refused")}
	queues := &recordingQueues{}
	m := NewMonitor(client, queues, testutil.DiscardLogger(), time.Minute)

	m.CheckOnce(context.Background())
	testutil.Equal(t, 1, queues.pauses)
	testutil.True(t, queues.paused)

	// Staying unhealthy does not re-pause.
	m.CheckOnce(context.Background())
	m.CheckOnce(context.Background())
	testutil.Equal(t, 1, queues.pauses)

	_, healthy := m.Status()
	testutil.False(t, healthy)
}

func TestMonitorResumesOnRecovery(t *testing.T) {
	client := &scriptedModem{healthErr: errors.New("timeout")}
	queues := &recordingQueues{}
	m := NewMonitor(client, queues, testutil.DiscardLogger(), time.Minute)

	m.CheckOnce(context.Background())
	testutil.True(t, queues.paused)

	client.healthErr = nil
	client.health = &modem.Health{SignalStrength: 72, NetworkType: "LTE", ConnectionStatus: "connected"}
	m.CheckOnce(context.Background())

	testutil.Equal(t, 1, queues.resumes)
	testutil.False(t, queues.paused)

	health, healthy := m.Status()
	testutil.True(t, healthy)
	testutil.NotNil(t, health)
	testutil.Equal(t, 72, health.SignalStrength)

	// Staying healthy does not re-resume.
	m.CheckOnce(context.Background())
	testutil.Equal(t, 1, queues.resumes)
}

func TestMonitorHealthyRunDoesNotTouchQueue(t *testing.T) {
	client := &scriptedModem{health: &modem.Health{SignalStrength: 15}}
	queues := &recordingQueues{}
	m := NewMonitor(client, queues, testutil.DiscardLogger(), time.Minute)

	// Low signal warns but does not pause.
	m.CheckOnce(context.Background())
	testutil.Equal(t, 0, queues.pauses)
	testutil.Equal(t, 0, queues.resumes)
}

func TestMonitorStatusBeforeFirstCheck(t *testing.T) {
	m := NewMonitor(&scriptedModem{}, &recordingQueues{}, testutil.DiscardLogger(), time.Minute)
	health, healthy := m.Status()
	testutil.Nil(t, health)
	testutil.True(t, healthy)
}

func TestFailureMessageMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&modem.Error{Kind: modem.ErrKindModem, Code: 113}, "Modem busy (113)"},
		{&modem.Error{Kind: modem.ErrKindModem, Code: 114}, "SMS box full (114)"},
		{&modem.Error{Kind: modem.ErrKindModem, Code: 115}, "Network error (115)"},
		{&modem.Error{Kind: modem.ErrKindModem, Code: 117}, "Invalid phone number (117)"},
		{&modem.Error{Kind: modem.ErrKindModem, Code: 118}, "Network temporarily unavailable (118)"},
		{&modem.Error{Kind: modem.ErrKindModem, Code: 42}, "Modem error (42)"},
		{&modem.Error{Kind: modem.ErrKindParse}, "Unexpected modem response"},
		{&modem.Error{Kind: modem.ErrKindTimeout}, "Modem timeout"},
		{&modem.Error{Kind: modem.ErrKindHTTP, Code: 502}, "Modem unreachable"},
		{&modem.Error{Kind: modem.ErrKindHTTP, Code: 404}, "Modem rejected request (404)"},
		{&modem.Error{Kind: modem.ErrKindHTTP}, "Modem unreachable"},
		{errors.New("surprise"), "Send failed"},
	}
	for _, tc := range cases {
		testutil.Equal(t, tc.want, FailureMessage(tc.err))
	}
}
