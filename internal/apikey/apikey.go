// Package apikey manages API keys and the per-key hourly rate limiter
// guarding the submission endpoint.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix is the fixed prefix for all gateway API keys.
const KeyPrefix = "sk_live_"

// keyRawBytes is the number of random bytes in a generated key.
const keyRawBytes = 16

// lookupPrefixLen is how many leading characters identify a key. The
// key_prefix column is unique among active keys at this length.
const lookupPrefixLen = 20

// bcryptCost trades verification latency for brute-force resistance.
const bcryptCost = 12

// ErrKeyNotFound is returned when an API key doesn't exist.
var ErrKeyNotFound = errors.New("api key not found")

// ErrInvalidKey is returned when a presented credential fails lookup or
// hash verification. Both cases share one error so responses do not
// leak which keys exist.
var ErrInvalidKey = errors.New("invalid api key")

// APIKey represents an API key record (without the secret).
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"keyPrefix"`
	IsActive   bool       `json:"isActive"`
	RateLimit  *int       `json:"rateLimit"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
	InsertedAt time.Time  `json:"insertedAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Service handles API key persistence and verification.
type Service struct {
	pool             *pgxpool.Pool
	logger           *slog.Logger
	defaultRateLimit int

	lastUsed  chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewService creates the API key service and starts the background
// last_used_at writer.
func NewService(pool *pgxpool.Pool, logger *slog.Logger, defaultRateLimit int) *Service {
	s := &Service{
		pool:             pool,
		logger:           logger,
		defaultRateLimit: defaultRateLimit,
		lastUsed:         make(chan string, 256),
		done:             make(chan struct{}),
	}
	go s.lastUsedLoop()
	return s
}

// Close stops the background last_used_at writer after draining
// queued updates. Safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.lastUsed)
		<-s.done
	})
}

const apiKeyColumns = `id, name, key_prefix, is_active, rate_limit, last_used_at, inserted_at, updated_at`

func scanAPIKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.Name, &k.KeyPrefix, &k.IsActive, &k.RateLimit,
		&k.LastUsedAt, &k.InsertedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Create generates a new API key. Returns the plaintext secret (shown
// once) and the stored record. rateLimit nil means the global default
// applies.
func (s *Service) Create(ctx context.Context, name string, rateLimit *int) (string, *APIKey, error) {
	raw := make([]byte, keyRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generating api key: %w", err)
	}

	plaintext := KeyPrefix + hex.EncodeToString(raw)
	prefix := plaintext[:lookupPrefixLen]

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing api key: %w", err)
	}

	key, err := scanAPIKey(s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (name, key_hash, key_prefix, rate_limit)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+apiKeyColumns,
		name, string(hash), prefix, rateLimit,
	))
	if err != nil {
		return "", nil, fmt.Errorf("inserting api key: %w", err)
	}

	s.logger.Info("api key created", "key_id", key.ID, "name", name, "prefix", prefix)
	return plaintext, key, nil
}

// Verify authenticates a presented credential: prefix lookup among
// active keys, then bcrypt comparison (constant-time under the hood).
// On success the key's last_used_at is updated asynchronously.
func (s *Service) Verify(ctx context.Context, presented string) (*APIKey, error) {
	if len(presented) < lookupPrefixLen {
		return nil, ErrInvalidKey
	}
	prefix := presented[:lookupPrefixLen]

	var k APIKey
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+`, key_hash FROM api_keys
		 WHERE key_prefix = $1 AND is_active`,
		prefix,
	).Scan(&k.ID, &k.Name, &k.KeyPrefix, &k.IsActive, &k.RateLimit,
		&k.LastUsedAt, &k.InsertedAt, &k.UpdatedAt, &hash)
	if err == pgx.ErrNoRows {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) != nil {
		return nil, ErrInvalidKey
	}

	s.touchLastUsed(k.ID)
	return &k, nil
}

// EffectiveLimit resolves a key's hourly limit against the global default.
func (s *Service) EffectiveLimit(k *APIKey) int {
	if k.RateLimit != nil {
		return *k.RateLimit
	}
	return s.defaultRateLimit
}

// List returns all keys, newest first.
func (s *Service) List(ctx context.Context) ([]APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY inserted_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []APIKey{}
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyPrefix, &k.IsActive, &k.RateLimit,
			&k.LastUsedAt, &k.InsertedAt, &k.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

// Revoke deactivates a key. Revoked keys fail Verify but their message
// history is preserved.
func (s *Service) Revoke(ctx context.Context, id string) (*APIKey, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrKeyNotFound
	}
	key, err := scanAPIKey(s.pool.QueryRow(ctx,
		`UPDATE api_keys SET is_active = FALSE, updated_at = NOW()
		 WHERE id = $1 AND is_active
		 RETURNING `+apiKeyColumns,
		id,
	))
	if err == pgx.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("api key revoked", "key_id", id)
	return key, nil
}

// touchLastUsed queues a best-effort last_used_at update. Drops the
// update when the queue is full rather than blocking the request path.
func (s *Service) touchLastUsed(keyID string) {
	select {
	case s.lastUsed <- keyID:
	default:
	}
}

func (s *Service) lastUsedLoop() {
	defer close(s.done)
	for keyID := range s.lastUsed {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := s.pool.Exec(ctx,
			`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, keyID)
		cancel()
		if err != nil {
			s.logger.Warn("failed to update api key last_used_at", "key_id", keyID, "error", err)
		}
	}
}
