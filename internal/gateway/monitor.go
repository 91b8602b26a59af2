package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smsgate/smsgate/internal/jobs"
	"github.com/smsgate/smsgate/internal/modem"
)

// lowSignalThreshold is the signal strength below which the monitor
// logs a warning.
const lowSignalThreshold = 20

// Monitor health-checks the modem on a fixed interval and gates the
// sms_send queue: unhealthy pauses it, recovery resumes it.
type Monitor struct {
	modem    ModemClient
	queues   QueueController
	logger   *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	healthy    bool
	lastHealth *modem.Health
	checkedAt  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates the status monitor. It starts out assuming the
// modem is healthy, so the first failed check pauses the queue.
func NewMonitor(client ModemClient, queues QueueController, logger *slog.Logger, interval time.Duration) *Monitor {
	return &Monitor{
		modem:    client,
		queues:   queues,
		logger:   logger,
		interval: interval,
		healthy:  true,
	}
}

// Start begins periodic health checks.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("status monitor started", "interval", m.interval)
}

// Stop halts the monitor.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs one health check and applies the pause/resume rule.
func (m *Monitor) CheckOnce(ctx context.Context) {
	health, err := m.modem.HealthCheck(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		if m.healthy {
			m.healthy = false
			m.queues.Pause(jobs.QueueSMSSend)
			m.logger.Warn("modem unhealthy, outbound queue paused", "error", err)
		}
		return
	}

	m.lastHealth = health
	m.checkedAt = time.Now()

	if health.SignalStrength < lowSignalThreshold {
		m.logger.Warn("low modem signal", "signal_strength", health.SignalStrength)
	}

	if !m.healthy {
		m.healthy = true
		m.queues.Resume(jobs.QueueSMSSend)
		m.logger.Info("modem recovered, outbound queue resumed",
			"signal_strength", health.SignalStrength)
	}
}

// Status returns the last known health snapshot. health is nil when no
// successful check has happened yet.
func (m *Monitor) Status() (health *modem.Health, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHealth, m.healthy
}
