package message

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smsgate/smsgate/internal/jobs"
)

// Service creates and reads messages. Outgoing creation enqueues the
// send job in the same transaction as the message row, so a message can
// never exist without its job or vice versa.
type Service struct {
	pool   *pgxpool.Pool
	store  *Store
	jobs   *jobs.Store
	logger *slog.Logger
}

// NewService creates a message Service.
func NewService(pool *pgxpool.Pool, store *Store, jobsStore *jobs.Store, logger *slog.Logger) *Service {
	return &Service{pool: pool, store: store, jobs: jobsStore, logger: logger}
}

// SendPayload is the sms_send job payload.
type SendPayload struct {
	MessageID string `json:"message_id"`
}

// CreateOutgoing validates, persists, and enqueues one outbound
// message. Returns the message in status queued.
func (s *Service) CreateOutgoing(ctx context.Context, phone, content string, apiKeyID *string) (*Message, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	msg, err := s.store.CreateOutgoingTx(ctx, tx, normalized, content, apiKeyID)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	payload, err := json.Marshal(SendPayload{MessageID: msg.ID})
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.EnqueueTx(ctx, tx, jobs.QueueSMSSend, payload, jobs.EnqueueOpts{})
	if err != nil {
		return nil, fmt.Errorf("enqueue send job: %w", err)
	}

	queued, err := s.store.MarkQueuedTx(ctx, tx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("mark queued: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Info("message accepted", "message_id", queued.ID, "job_id", job.ID)
	return queued, nil
}

// Get returns one message by id.
func (s *Service) Get(ctx context.Context, id string) (*Message, error) {
	return s.store.GetByID(ctx, id)
}

// List returns messages newest-first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Message, error) {
	return s.store.List(ctx, filter)
}
