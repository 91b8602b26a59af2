package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store handles database operations for messages.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new message Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const messageColumns = `id, direction, phone_number, content, status, modem_message_id,
	error_message, api_key_id, sent_at, delivered_at, received_at, metadata,
	inserted_at, updated_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.Direction, &m.PhoneNumber, &m.Content, &m.Status,
		&m.ModemMessageID, &m.ErrorMessage, &m.APIKeyID, &m.SentAt,
		&m.DeliveredAt, &m.ReceivedAt, &m.Metadata, &m.InsertedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateOutgoingTx inserts a new outgoing message as pending inside the
// caller's transaction.
func (s *Store) CreateOutgoingTx(ctx context.Context, tx pgx.Tx, phone, content string, apiKeyID *string) (*Message, error) {
	row := tx.QueryRow(ctx,
		`INSERT INTO messages (direction, phone_number, content, status, api_key_id)
		 VALUES ('outgoing', $1, $2, 'pending', $3)
		 RETURNING `+messageColumns,
		phone, content, apiKeyID,
	)
	return scanMessage(row)
}

// MarkQueuedTx transitions pending -> queued inside the caller's transaction.
func (s *Store) MarkQueuedTx(ctx context.Context, tx pgx.Tx, id string) (*Message, error) {
	return s.transition(ctx, tx, id,
		`UPDATE messages SET status = 'queued', updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+messageColumns, id)
}

// MarkSending transitions pending|queued -> sending. The pending case
// covers a worker racing the enqueue transaction's final update.
func (s *Store) MarkSending(ctx context.Context, id string) (*Message, error) {
	return s.transition(ctx, s.pool, id,
		`UPDATE messages SET status = 'sending', updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'queued')
		 RETURNING `+messageColumns, id)
}

// MarkSent transitions sending -> sent, recording the modem message id
// and the send time. sentAt is set exactly once here.
func (s *Store) MarkSent(ctx context.Context, id, modemMessageID string) (*Message, error) {
	return s.transition(ctx, s.pool, id,
		`UPDATE messages SET status = 'sent', modem_message_id = $2,
			sent_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'sending'
		 RETURNING `+messageColumns, id, modemMessageID)
}

// Requeue returns a sending message to queued after a retryable send
// failure, so the next job attempt can claim it again.
func (s *Store) Requeue(ctx context.Context, id string) (*Message, error) {
	return s.transition(ctx, s.pool, id,
		`UPDATE messages SET status = 'queued', updated_at = NOW()
		 WHERE id = $1 AND status = 'sending'
		 RETURNING `+messageColumns, id)
}

// MarkDelivered transitions sent -> delivered.
func (s *Store) MarkDelivered(ctx context.Context, id string) (*Message, error) {
	return s.transition(ctx, s.pool, id,
		`UPDATE messages SET status = 'delivered', delivered_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'sent'
		 RETURNING `+messageColumns, id)
}

// MarkFailed transitions any non-terminal outgoing state to failed with
// an operator-facing error message.
func (s *Store) MarkFailed(ctx context.Context, id, errorMessage string) (*Message, error) {
	return s.transition(ctx, s.pool, id,
		`UPDATE messages SET status = 'failed', error_message = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'queued', 'sending', 'sent')
		 RETURNING `+messageColumns, id, errorMessage)
}

// transition runs a guarded status update. Zero rows means either the
// message is gone or its current status does not allow the transition.
func (s *Store) transition(ctx context.Context, q rowQuerier, id, sql string, args ...any) (*Message, error) {
	m, err := scanMessage(q.QueryRow(ctx, sql, args...))
	if err == nil {
		return m, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}
	if _, getErr := s.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrInvalidTransition
}

// GetByID returns a message by ID.
func (s *Store) GetByID(ctx context.Context, id string) (*Message, error) {
	// Guard the uuid cast: a malformed id is a lookup miss, not a
	// database error.
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

// ListFilter narrows List results. Zero values mean no filter.
// APIKeyID matches exactly; VisibleTo additionally admits rows with no
// owning key, which is how incoming messages stay visible to API callers.
type ListFilter struct {
	Direction Direction
	Status    Status
	Phone     string
	APIKeyID  string
	VisibleTo string
	Limit     int
	Offset    int
}

// List returns messages newest-first with optional filters.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	args := []any{}
	argN := 1

	if filter.Direction != "" {
		query += fmt.Sprintf(" AND direction = $%d", argN)
		args = append(args, filter.Direction)
		argN++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	if filter.Phone != "" {
		query += fmt.Sprintf(" AND phone_number = $%d", argN)
		args = append(args, filter.Phone)
		argN++
	}
	if filter.APIKeyID != "" {
		query += fmt.Sprintf(" AND api_key_id = $%d", argN)
		args = append(args, filter.APIKeyID)
		argN++
	}
	if filter.VisibleTo != "" {
		query += fmt.Sprintf(" AND (api_key_id = $%d OR api_key_id IS NULL)", argN)
		args = append(args, filter.VisibleTo)
		argN++
	}
	query += " ORDER BY inserted_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argN)
	args = append(args, limit)
	argN++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.Direction, &m.PhoneNumber, &m.Content, &m.Status,
			&m.ModemMessageID, &m.ErrorMessage, &m.APIKeyID, &m.SentAt,
			&m.DeliveredAt, &m.ReceivedAt, &m.Metadata, &m.InsertedAt, &m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// Incoming describes one inbound SMS pulled from the modem inbox.
type Incoming struct {
	Phone       string
	Content     string
	ModemIndex  int
	ModemStatus string
	ModemDate   string
}

// CreateIncoming inserts an inbound message as received. The partial
// unique index on metadata->>'modem_index' makes re-ingesting the same
// inbox slot return ErrDuplicateIncoming, which keeps polling
// idempotent across cursor resets.
func (s *Store) CreateIncoming(ctx context.Context, in Incoming) (*Message, error) {
	metadata, err := json.Marshal(map[string]any{
		"modem_index":  in.ModemIndex,
		"modem_status": in.ModemStatus,
		"modem_date":   in.ModemDate,
	})
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (direction, phone_number, content, status, received_at, metadata)
		 VALUES ('incoming', $1, $2, 'received', NOW(), $3)
		 RETURNING `+messageColumns,
		truncateRunes(in.Phone, 20), truncateRunes(in.Content, MaxContentRunes), metadata,
	)
	m, err := scanMessage(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateIncoming
		}
		return nil, err
	}
	return m, nil
}

// ListDeliveryChecks returns sent messages whose delivery state is due
// for reconciliation: sent more than olderThan ago with a modem id.
func (s *Store) ListDeliveryChecks(ctx context.Context, olderThan time.Duration, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE status = 'sent' AND modem_message_id IS NOT NULL
		   AND sent_at < NOW() - $1::interval
		 ORDER BY sent_at
		 LIMIT $2`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.Direction, &m.PhoneNumber, &m.Content, &m.Status,
			&m.ModemMessageID, &m.ErrorMessage, &m.APIKeyID, &m.SentAt,
			&m.DeliveredAt, &m.ReceivedAt, &m.Metadata, &m.InsertedAt, &m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
