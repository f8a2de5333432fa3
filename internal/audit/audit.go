// Package audit appends processing records for every inbound message. The
// core only writes audit data; it is read by operators out of band.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Statuses of an audit record.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Record is one processed inbound message.
type Record struct {
	ID         string
	Timestamp  time.Time
	UserID     string
	ChatID     string
	RawMessage string
	Parsed     string
	Status     string
	Response   string
	Error      string
}

// Sink stores audit records. Append writes a pending record; Resolve settles
// its final status.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Resolve(ctx context.Context, id, status, response, errText string) error
}

// NewRecord builds a pending record for an inbound message.
func NewRecord(userID, chatID, raw string) Record {
	return Record{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		UserID:     userID,
		ChatID:     chatID,
		RawMessage: raw,
		Status:     StatusPending,
	}
}

// PgSink appends to the audit_log table.
type PgSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPgSink(log *slog.Logger, pool *pgxpool.Pool) *PgSink {
	if log == nil {
		log = slog.Default()
	}
	return &PgSink{
		pool:   pool,
		logger: log.With(slog.String("service", "audit")),
	}
}

func (s *PgSink) Append(ctx context.Context, rec Record) error {
	if s.pool == nil {
		return fmt.Errorf("audit sink not configured")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, ts, user_id, chat_id, raw_message, parsed, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Timestamp, rec.UserID, rec.ChatID, rec.RawMessage, rec.Parsed, rec.Status)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (s *PgSink) Resolve(ctx context.Context, id, status, response, errText string) error {
	if s.pool == nil {
		return fmt.Errorf("audit sink not configured")
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE audit_log SET status = $2, response = $3, error = $4 WHERE id = $1`,
		id, status, response, errText)
	if err != nil {
		return fmt.Errorf("resolve audit record: %w", err)
	}
	return nil
}

// MemorySink keeps records in memory for tests.
type MemorySink struct {
	mu      sync.Mutex
	Records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = append(s.Records, rec)
	return nil
}

func (s *MemorySink) Resolve(ctx context.Context, id, status, response, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Records {
		if s.Records[i].ID == id {
			s.Records[i].Status = status
			s.Records[i].Response = response
			s.Records[i].Error = errText
			return nil
		}
	}
	return nil
}

// Snapshot returns a copy of all records.
func (s *MemorySink) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.Records...)
}
