package gateway

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const inboxCursorKey = "inbox_last_seen_index"

// StateStore persists small gateway cursors in gateway_state. The
// inbound poller keeps its last-seen inbox index here so a restart does
// not re-ingest the whole inbox.
type StateStore struct {
	pool *pgxpool.Pool
}

// NewStateStore creates a StateStore.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

type inboxCursor struct {
	LastSeenIndex int `json:"last_seen_index"`
}

// LastSeenIndex returns the persisted inbox cursor, or 0 when none has
// been recorded yet.
func (s *StateStore) LastSeenIndex(ctx context.Context) (int, error) {
	var raw json.RawMessage
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM gateway_state WHERE key = $1`, inboxCursorKey).Scan(&raw)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var cursor inboxCursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return 0, err
	}
	return cursor.LastSeenIndex, nil
}

// SetLastSeenIndex upserts the inbox cursor.
func (s *StateStore) SetLastSeenIndex(ctx context.Context, index int) error {
	value, err := json.Marshal(inboxCursor{LastSeenIndex: index})
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO gateway_state (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		inboxCursorKey, value)
	return err
}
