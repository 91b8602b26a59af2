package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// intervalSec formats a time.Duration as a Postgres-compatible interval string.
// Go's Duration.String() produces "5m0s" which Postgres cannot parse;
// this produces "300 seconds" which is unambiguous.
func intervalSec(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

// Store handles database operations for the job queue.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new job Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const jobColumns = `id, queue, payload, state, attempt, max_attempts, scheduled_at,
	lease_until, attempted_by, last_error, inserted_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Queue, &j.Payload, &j.State, &j.Attempt, &j.MaxAttempts,
		&j.ScheduledAt, &j.LeaseUntil, &j.AttemptedBy, &j.LastError,
		&j.InsertedAt, &j.UpdatedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, so enqueue
// can run standalone or inside a caller's transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func enqueue(ctx context.Context, q rowQuerier, queue string, payload json.RawMessage, opts EnqueueOpts) (*Job, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	maxAttempts := 3
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}

	state := StateAvailable
	scheduledAt := time.Now()
	if opts.ScheduledAt != nil {
		state = StateScheduled
		scheduledAt = *opts.ScheduledAt
	}

	row := q.QueryRow(ctx,
		`INSERT INTO jobs (queue, payload, state, max_attempts, scheduled_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+jobColumns,
		queue, payload, state, maxAttempts, scheduledAt,
	)
	return scanJob(row)
}

// Enqueue inserts a new job, available immediately unless opts schedule it.
func (s *Store) Enqueue(ctx context.Context, queue string, payload json.RawMessage, opts EnqueueOpts) (*Job, error) {
	return enqueue(ctx, s.pool, queue, payload, opts)
}

// EnqueueTx inserts a new job inside the caller's transaction. Message
// creation uses this so a message never exists without its send job.
func (s *Store) EnqueueTx(ctx context.Context, tx pgx.Tx, queue string, payload json.RawMessage, opts EnqueueOpts) (*Job, error) {
	return enqueue(ctx, tx, queue, payload, opts)
}

// Claim atomically claims the next eligible job on a queue using
// FOR UPDATE SKIP LOCKED. The claim charges one attempt up front.
// Returns nil, nil if no job is due.
func (s *Store) Claim(ctx context.Context, queue, workerID string, leaseDuration time.Duration) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET
			state = 'executing',
			attempt = attempt + 1,
			lease_until = NOW() + $2::interval,
			attempted_by = $3,
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1
			  AND (state = 'available' OR (state = 'scheduled' AND scheduled_at <= NOW()))
			ORDER BY scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		queue, intervalSec(leaseDuration), workerID,
	)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// Complete marks an executing job as completed.
func (s *Store) Complete(ctx context.Context, jobID int64) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET
			state = 'completed',
			completed_at = NOW(),
			lease_until = NULL,
			attempted_by = NULL,
			updated_at = NOW()
		WHERE id = $1 AND state = 'executing'
		RETURNING `+jobColumns,
		jobID,
	)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %d not found or not executing", jobID)
	}
	return j, err
}

// Snooze re-schedules an executing job after delay and refunds the
// attempt charged at claim time. Used when the circuit is open: waiting
// out the breaker must not consume the retry budget.
func (s *Store) Snooze(ctx context.Context, jobID int64, delay time.Duration) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET
			state = 'scheduled',
			scheduled_at = NOW() + $2::interval,
			attempt = attempt - 1,
			lease_until = NULL,
			attempted_by = NULL,
			updated_at = NOW()
		WHERE id = $1 AND state = 'executing'
		RETURNING `+jobColumns,
		jobID, intervalSec(delay),
	)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %d not found or not executing", jobID)
	}
	return j, err
}

// Cancel terminates an executing job permanently with a reason.
func (s *Store) Cancel(ctx context.Context, jobID int64, reason string) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET
			state = 'cancelled',
			last_error = $2,
			completed_at = NOW(),
			lease_until = NULL,
			attempted_by = NULL,
			updated_at = NOW()
		WHERE id = $1 AND state = 'executing'
		RETURNING `+jobColumns,
		jobID, reason,
	)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %d not found or not executing", jobID)
	}
	return j, err
}

// Fail handles a job failure. If retries remain, re-schedules with
// backoff. Otherwise marks the job discarded.
func (s *Store) Fail(ctx context.Context, jobID int64, errMsg string, backoff time.Duration) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET
			state = 'scheduled',
			scheduled_at = NOW() + $2::interval,
			last_error = $3,
			lease_until = NULL,
			attempted_by = NULL,
			updated_at = NOW()
		WHERE id = $1 AND state = 'executing' AND attempt < max_attempts
		RETURNING `+jobColumns,
		jobID, intervalSec(backoff), errMsg,
	)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}

	// Budget exhausted.
	row = s.pool.QueryRow(ctx,
		`UPDATE jobs SET
			state = 'discarded',
			last_error = $2,
			lease_until = NULL,
			attempted_by = NULL,
			updated_at = NOW()
		WHERE id = $1 AND state = 'executing'
		RETURNING `+jobColumns,
		jobID, errMsg,
	)
	j, err = scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %d not found or not executing", jobID)
	}
	return j, err
}

// ExtendLease extends the lease of an executing job by the given duration from now.
func (s *Store) ExtendLease(ctx context.Context, jobID int64, leaseDuration time.Duration) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET
			lease_until = NOW() + $2::interval,
			updated_at = NOW()
		WHERE id = $1 AND state = 'executing'
		RETURNING `+jobColumns,
		jobID, intervalSec(leaseDuration),
	)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %d not found or not executing", jobID)
	}
	return j, err
}

// RecoverStalled finds executing jobs with expired leases and makes them
// available again. Returns the number of recovered jobs.
func (s *Store) RecoverStalled(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
			state = 'available',
			lease_until = NULL,
			attempted_by = NULL,
			updated_at = NOW()
		WHERE state = 'executing' AND lease_until < NOW()`,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Get returns a job by ID.
func (s *Store) Get(ctx context.Context, jobID int64) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`,
		jobID,
	)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %d not found", jobID)
	}
	return j, err
}

// Stats returns aggregate counts by state for one queue.
func (s *Store) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	var stats QueueStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'available' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'scheduled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'executing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'discarded' THEN 1 ELSE 0 END), 0)
		FROM jobs WHERE queue = $1
	`, queue).Scan(&stats.Available, &stats.Scheduled, &stats.Executing,
		&stats.Completed, &stats.Cancelled, &stats.Discarded)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// --- Schedule operations ---

const scheduleColumns = `id, name, queue, payload, cron_expr, timezone, enabled,
	max_attempts, next_run_at, last_run_at, inserted_at, updated_at`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	err := row.Scan(
		&s.ID, &s.Name, &s.Queue, &s.Payload, &s.CronExpr, &s.Timezone,
		&s.Enabled, &s.MaxAttempts, &s.NextRunAt, &s.LastRunAt, &s.InsertedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSchedule inserts a schedule if a row with the same name does not
// already exist (for default schedule registration).
func (s *Store) UpsertSchedule(ctx context.Context, sched *Schedule) (*Schedule, error) {
	if sched.Payload == nil {
		sched.Payload = json.RawMessage("{}")
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO job_schedules (name, queue, payload, cron_expr, timezone, enabled, max_attempts, next_run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name) DO NOTHING
		 RETURNING `+scheduleColumns,
		sched.Name, sched.Queue, sched.Payload, sched.CronExpr, sched.Timezone,
		sched.Enabled, sched.MaxAttempts, sched.NextRunAt,
	)
	result, err := scanSchedule(row)
	if err == pgx.ErrNoRows {
		return s.GetScheduleByName(ctx, sched.Name)
	}
	return result, err
}

// GetScheduleByName returns a schedule by name.
func (s *Store) GetScheduleByName(ctx context.Context, name string) (*Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM job_schedules WHERE name = $1`, name,
	)
	sched, err := scanSchedule(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("schedule %q not found", name)
	}
	return sched, err
}

// DueSchedules returns enabled schedules where next_run_at <= now.
func (s *Store) DueSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM job_schedules
		 WHERE enabled = true AND next_run_at IS NOT NULL AND next_run_at <= NOW()`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Schedule
	for rows.Next() {
		var sched Schedule
		if err := rows.Scan(
			&sched.ID, &sched.Name, &sched.Queue, &sched.Payload, &sched.CronExpr,
			&sched.Timezone, &sched.Enabled, &sched.MaxAttempts, &sched.NextRunAt,
			&sched.LastRunAt, &sched.InsertedAt, &sched.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, sched)
	}
	return result, rows.Err()
}

// AdvanceScheduleAndEnqueue atomically advances a schedule's next_run_at
// and enqueues the corresponding job in a single transaction, so a tick
// is never silently skipped. Returns false if another instance already
// advanced this tick.
func (s *Store) AdvanceScheduleAndEnqueue(ctx context.Context, scheduleID string, nextRunAt time.Time, queue string, payload json.RawMessage, maxAttempts int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE job_schedules SET
			last_run_at = NOW(),
			next_run_at = $2,
			updated_at = NOW()
		WHERE id = $1 AND enabled = true AND next_run_at <= NOW()`,
		scheduleID, nextRunAt,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil // another instance handled this tick
	}

	if payload == nil {
		payload = json.RawMessage("{}")
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (queue, payload, max_attempts)
		 VALUES ($1, $2, $3)`,
		queue, payload, maxAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}
