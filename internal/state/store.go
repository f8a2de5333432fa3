package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the durable home of the bot-state aggregate: one document, loaded
// at boot and saved atomically on every mutation.
type Store interface {
	Load(ctx context.Context) ([]byte, bool, error)
	Save(ctx context.Context, data []byte) error
}

// PgStore keeps the document in a single jsonb row.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Load(ctx context.Context) ([]byte, bool, error) {
	if s.pool == nil {
		return nil, false, fmt.Errorf("state store not configured")
	}
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM bot_state WHERE id = 1`).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load state: %w", err)
	}
	return data, true, nil
}

func (s *PgStore) Save(ctx context.Context, data []byte) error {
	if s.pool == nil {
		return fmt.Errorf("state store not configured")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_state (id, doc, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		data)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// MemoryStore is an in-process store for tests and ephemeral runs.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, false, nil
	}
	return append([]byte(nil), s.data...), true, nil
}

func (s *MemoryStore) Save(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}
