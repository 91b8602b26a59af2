package jobs

import (
	"testing"
	"time"

	"github.com/smsgate/smsgate/internal/testutil"
)

func TestPauseResume(t *testing.T) {
	s := NewService(nil, testutil.DiscardLogger(), DefaultServiceConfig())

	testutil.False(t, s.Paused(QueueSMSSend))

	s.Pause(QueueSMSSend)
	testutil.True(t, s.Paused(QueueSMSSend))
	testutil.False(t, s.Paused(QueueSMSStatus), "pausing one queue must not pause others")

	// Pause is idempotent.
	s.Pause(QueueSMSSend)
	testutil.True(t, s.Paused(QueueSMSSend))

	s.Resume(QueueSMSSend)
	testutil.False(t, s.Paused(QueueSMSSend))
}

func TestPauseUnknownQueueIsNoop(t *testing.T) {
	s := NewService(nil, testutil.DiscardLogger(), DefaultServiceConfig())
	s.Pause("no_such_queue")
	testutil.False(t, s.Paused("no_such_queue"))
}

func TestDefaultServiceConfigMatchesModemLimits(t *testing.T) {
	cfg := DefaultServiceConfig()
	testutil.SliceLen(t, cfg.Queues, 2)

	send := cfg.Queues[0]
	testutil.Equal(t, QueueSMSSend, send.Name)
	testutil.Equal(t, 6, send.Concurrency)
	testutil.Equal(t, 6, send.RateLimit)
	testutil.Equal(t, 60*time.Second, send.RatePeriod)

	status := cfg.Queues[1]
	testutil.Equal(t, QueueSMSStatus, status.Name)
	testutil.Equal(t, 3, status.Concurrency)
	testutil.Equal(t, 0, status.RateLimit)
}

func TestCronNextTime(t *testing.T) {
	ref := time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)

	next, err := CronNextTime("*/5 * * * *", "UTC", ref)
	testutil.NoError(t, err)
	testutil.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), next)

	_, err = CronNextTime("not-a-cron", "UTC", ref)
	testutil.ErrorContains(t, err, "invalid cron expression")

	_, err = CronNextTime("*/5 * * * *", "Neverland/Nowhere", ref)
	testutil.ErrorContains(t, err, "invalid timezone")
}
