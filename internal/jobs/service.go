package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
)

// QueueConfig describes one worker pool.
type QueueConfig struct {
	Name        string
	Concurrency int
	// RateLimit caps job starts per RatePeriod. 0 disables the cap.
	RateLimit    int
	RatePeriod   time.Duration
	PollInterval time.Duration
}

// ServiceConfig holds runtime parameters for the job service.
type ServiceConfig struct {
	Queues          []QueueConfig
	LeaseDuration   time.Duration
	SchedulerTick   time.Duration
	ShutdownTimeout time.Duration
	WorkerID        string // unique identifier for this instance
}

// DefaultServiceConfig returns production defaults: the modem-bound
// sms_send pool capped at the hardware rate, and the sms_status pool
// for reconciliation sweeps.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Queues: []QueueConfig{
			{
				Name:         QueueSMSSend,
				Concurrency:  6,
				RateLimit:    6,
				RatePeriod:   60 * time.Second,
				PollInterval: 1 * time.Second,
			},
			{
				Name:         QueueSMSStatus,
				Concurrency:  3,
				PollInterval: 1 * time.Second,
			},
		},
		LeaseDuration:   5 * time.Minute,
		SchedulerTick:   15 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		WorkerID:        fmt.Sprintf("worker-%d", time.Now().UnixNano()),
	}
}

// Service orchestrates the job queue: per-queue worker pools, the cron
// scheduler, and crash recovery.
type Service struct {
	store  *Store
	logger *slog.Logger
	cfg    ServiceConfig

	mu       sync.RWMutex // protects handlers
	handlers map[string]Handler

	paused  map[string]*atomic.Bool
	buckets map[string]*tokenBucket

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new job Service.
func NewService(store *Store, logger *slog.Logger, cfg ServiceConfig) *Service {
	s := &Service{
		store:    store,
		logger:   logger,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		paused:   make(map[string]*atomic.Bool),
		buckets:  make(map[string]*tokenBucket),
	}
	for _, qc := range cfg.Queues {
		s.paused[qc.Name] = &atomic.Bool{}
		if qc.RateLimit > 0 {
			s.buckets[qc.Name] = newTokenBucket(qc.RateLimit, qc.RatePeriod)
		}
	}
	return s
}

// RegisterHandler registers the handler for a queue.
func (s *Service) RegisterHandler(queue string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[queue] = handler
}

// Pause stops starting new jobs on a queue. In-flight jobs run to
// completion. The status monitor pauses sms_send when the modem is down.
func (s *Service) Pause(queue string) {
	if flag, ok := s.paused[queue]; ok && !flag.Swap(true) {
		s.logger.Warn("queue paused", "queue", queue)
	}
}

// Resume re-enables job starts on a queue.
func (s *Service) Resume(queue string) {
	if flag, ok := s.paused[queue]; ok && flag.Swap(false) {
		s.logger.Info("queue resumed", "queue", queue)
	}
}

// Paused reports whether a queue is currently paused.
func (s *Service) Paused(queue string) bool {
	flag, ok := s.paused[queue]
	return ok && flag.Load()
}

// Start launches worker pools, the scheduler, and crash recovery.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, qc := range s.cfg.Queues {
		for i := 0; i < qc.Concurrency; i++ {
			s.wg.Add(1)
			go s.workerLoop(ctx, qc, i)
		}
	}

	s.wg.Add(1)
	go s.schedulerLoop(ctx)

	s.wg.Add(1)
	go s.recoveryLoop(ctx)

	s.logger.Info("job service started",
		"queues", len(s.cfg.Queues),
		"scheduler_tick", s.cfg.SchedulerTick,
	)
}

// Stop signals all goroutines to stop and waits for in-progress jobs to finish.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("job service stopped")
}

func (s *Service) workerLoop(ctx context.Context, qc QueueConfig, workerNum int) {
	defer s.wg.Done()
	workerID := fmt.Sprintf("%s-%s-%d", s.cfg.WorkerID, qc.Name, workerNum)
	ticker := time.NewTicker(qc.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAndProcess(ctx, qc, workerID)
		}
	}
}

func (s *Service) pollAndProcess(ctx context.Context, qc QueueConfig, workerID string) {
	if s.Paused(qc.Name) {
		return
	}

	// Reserve a rate-limit slot before claiming so a claimed job is
	// never stranded waiting for a token.
	bucket := s.buckets[qc.Name]
	if bucket != nil && !bucket.take() {
		return
	}

	job, err := s.store.Claim(ctx, qc.Name, workerID, s.cfg.LeaseDuration)
	if err != nil {
		if bucket != nil {
			bucket.put()
		}
		if ctx.Err() != nil {
			return // shutting down
		}
		s.logger.Error("failed to claim job", "error", err, "queue", qc.Name, "worker", workerID)
		return
	}
	if job == nil {
		if bucket != nil {
			bucket.put()
		}
		return // no jobs due
	}

	s.logger.Info("claimed job", "job_id", job.ID, "queue", job.Queue,
		"attempt", job.Attempt, "worker", workerID)

	s.mu.RLock()
	handler, ok := s.handlers[job.Queue]
	s.mu.RUnlock()

	// Use a separate context for handler execution so that in-flight jobs
	// can finish their DB operations during graceful shutdown. The poll
	// loop's ctx may already be cancelled, but the handler needs a live
	// context to complete or fail the job cleanly.
	handlerCtx, handlerCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer handlerCancel()

	// Lease renewal keeps crash recovery from reclaiming the job while
	// the handler is still running.
	renewCtx, renewCancel := context.WithCancel(handlerCtx)
	defer renewCancel()
	go s.renewLease(renewCtx, job.ID)

	var jobErr error
	if !ok {
		jobErr = fmt.Errorf("no handler registered for queue %q", job.Queue)
	} else {
		jobErr = handler(handlerCtx, job)
	}

	renewCancel()
	s.settle(handlerCtx, job, jobErr)
}

// settle records the handler outcome: complete, snooze, cancel, or
// fail-with-backoff.
func (s *Service) settle(ctx context.Context, job *Job, jobErr error) {
	if jobErr == nil {
		if _, err := s.store.Complete(ctx, job.ID); err != nil {
			s.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
			return
		}
		s.logger.Info("job completed", "job_id", job.ID, "queue", job.Queue)
		return
	}

	var snooze *SnoozeError
	if errors.As(jobErr, &snooze) {
		if _, err := s.store.Snooze(ctx, job.ID, snooze.Delay); err != nil {
			s.logger.Error("failed to snooze job", "job_id", job.ID, "error", err)
			return
		}
		s.logger.Info("job snoozed", "job_id", job.ID, "queue", job.Queue, "delay", snooze.Delay)
		return
	}

	var cancel *CancelError
	if errors.As(jobErr, &cancel) {
		if _, err := s.store.Cancel(ctx, job.ID, cancel.Reason); err != nil {
			s.logger.Error("failed to cancel job", "job_id", job.ID, "error", err)
			return
		}
		s.logger.Warn("job cancelled", "job_id", job.ID, "queue", job.Queue, "reason", cancel.Reason)
		return
	}

	backoff := ComputeBackoff(job.Attempt)
	failed, err := s.store.Fail(ctx, job.ID, jobErr.Error(), backoff)
	if err != nil {
		s.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
		return
	}
	s.logger.Warn("job failed", "job_id", job.ID, "queue", job.Queue,
		"attempt", job.Attempt, "state", failed.State, "error", jobErr.Error())
}

// renewLease periodically extends an executing job's lease until the
// context is cancelled.
func (s *Service) renewLease(ctx context.Context, jobID int64) {
	interval := s.cfg.LeaseDuration / 2
	if interval < 1*time.Second {
		interval = 1 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.store.ExtendLease(ctx, jobID, s.cfg.LeaseDuration)
			if err != nil {
				if ctx.Err() != nil {
					return // cancelled, expected during completion
				}
				s.logger.Error("failed to extend lease", "job_id", jobID, "error", err)
			}
		}
	}
}

func (s *Service) schedulerLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.schedulerTick(ctx)
		}
	}
}

func (s *Service) schedulerTick(ctx context.Context) {
	schedules, err := s.store.DueSchedules(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("failed to fetch due schedules", "error", err)
		return
	}

	for i := range schedules {
		sched := &schedules[i]
		nextRunAt, err := CronNextTime(sched.CronExpr, sched.Timezone, time.Now())
		if err != nil {
			s.logger.Error("failed to compute next run time",
				"schedule", sched.Name, "cron", sched.CronExpr, "error", err)
			continue
		}

		advanced, err := s.store.AdvanceScheduleAndEnqueue(
			ctx, sched.ID, nextRunAt, sched.Queue, sched.Payload, sched.MaxAttempts,
		)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to advance schedule and enqueue job",
				"schedule", sched.Name, "error", err)
			continue
		}
		if !advanced {
			continue // another instance handled this tick
		}

		s.logger.Info("enqueued scheduled job",
			"schedule", sched.Name, "queue", sched.Queue, "next_run", nextRunAt)
	}
}

func (s *Service) recoveryLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.LeaseDuration
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := s.store.RecoverStalled(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("failed to recover stalled jobs", "error", err)
				continue
			}
			if recovered > 0 {
				s.logger.Info("recovered stalled jobs", "count", recovered)
			}
		}
	}
}

// CronNextTime computes the next run time for a cron expression after
// refTime in the given timezone.
func CronNextTime(cronExpr, tz string, refTime time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	gron := gronx.New()
	if !gron.IsValid(cronExpr) {
		return time.Time{}, fmt.Errorf("invalid cron expression %q", cronExpr)
	}

	refInTZ := refTime.In(loc)
	next, err := gronx.NextTickAfter(cronExpr, refInTZ, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to compute next tick for %q: %w", cronExpr, err)
	}

	return next.UTC(), nil
}

// Enqueue delegates to the underlying store.
func (s *Service) Enqueue(ctx context.Context, queue string, payload json.RawMessage, opts EnqueueOpts) (*Job, error) {
	return s.store.Enqueue(ctx, queue, payload, opts)
}

// Stats delegates to the underlying store.
func (s *Service) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	return s.store.Stats(ctx, queue)
}

// RegisterDefaultSchedules inserts the built-in schedule definitions (idempotent).
func (s *Service) RegisterDefaultSchedules(ctx context.Context) error {
	defaults := []Schedule{
		{
			Name:        "delivery_status_sweep",
			Queue:       QueueSMSStatus,
			CronExpr:    "*/5 * * * *",
			Timezone:    "UTC",
			Enabled:     true,
			MaxAttempts: 1,
		},
	}

	for i := range defaults {
		sched := &defaults[i]
		next, err := CronNextTime(sched.CronExpr, sched.Timezone, time.Now())
		if err != nil {
			return fmt.Errorf("compute next_run_at for %s: %w", sched.Name, err)
		}
		sched.NextRunAt = &next

		if _, err := s.store.UpsertSchedule(ctx, sched); err != nil {
			return fmt.Errorf("upsert default schedule %s: %w", sched.Name, err)
		}
	}
	return nil
}
