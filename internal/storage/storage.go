// Package storage layers record-list CRUD over the state document. Each
// scope is bound to one (chat, service) pair; a service can only reach the
// storage lists its definition declares.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/wappabot/wappa/internal/schema"
	"github.com/wappabot/wappa/internal/state"
)

// IDField is the key of the generated record id.
const IDField = "_id"

var (
	ErrStorageNotDeclared = errors.New("storage not declared by service")
	ErrUnknownAggregate   = errors.New("unknown aggregate op")
)

// Manager builds storage scopes.
type Manager struct {
	logger *slog.Logger
	loader *schema.Loader
}

func NewManager(log *slog.Logger, loader *schema.Loader) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		logger: log.With(slog.String("service", "storage")),
		loader: loader,
	}
}

// Scope binds the CRUD surface to one service instance. The router creates
// it while holding the chat lock; all operations run under that lock.
func (m *Manager) Scope(inst *state.ServiceInstance, serviceID string) (*Scope, error) {
	svc, ok := m.loader.Get(serviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrServiceNotFound, serviceID)
	}
	return &Scope{inst: inst, svc: svc}, nil
}

// Scope implements schema.Storage for one (chat, service) pair.
type Scope struct {
	inst *state.ServiceInstance
	svc  *schema.ServiceDef
}

func (s *Scope) list(name string) ([]map[string]any, error) {
	declared := false
	for _, def := range s.svc.Storage {
		if def.Name == name {
			declared = true
			break
		}
	}
	if !declared {
		return nil, fmt.Errorf("%w: %s/%s", ErrStorageNotDeclared, s.svc.ID, name)
	}
	return s.inst.Storage[name], nil
}

func (s *Scope) put(name string, records []map[string]any) {
	if s.inst.Storage == nil {
		s.inst.Storage = map[string][]map[string]any{}
	}
	s.inst.Storage[name] = records
}

// Add assigns a unique id, appends and returns the stored record.
func (s *Scope) Add(ctx context.Context, name string, item map[string]any) (map[string]any, error) {
	records, err := s.list(name)
	if err != nil {
		return nil, err
	}
	stored := make(map[string]any, len(item)+1)
	for k, v := range item {
		stored[k] = v
	}
	stored[IDField] = uuid.NewString()
	s.put(name, append(records, stored))
	return stored, nil
}

func (s *Scope) Get(ctx context.Context, name, id string) (map[string]any, bool, error) {
	records, err := s.list(name)
	if err != nil {
		return nil, false, err
	}
	for _, rec := range records {
		if rec[IDField] == id {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// GetByIndex returns the record at the 1-based position.
func (s *Scope) GetByIndex(ctx context.Context, name string, index int) (map[string]any, bool, error) {
	records, err := s.list(name)
	if err != nil {
		return nil, false, err
	}
	if index < 1 || index > len(records) {
		return nil, false, nil
	}
	return records[index-1], true, nil
}

// Update shallow-merges patch into the record with the given id.
func (s *Scope) Update(ctx context.Context, name, id string, patch map[string]any) (map[string]any, bool, error) {
	records, err := s.list(name)
	if err != nil {
		return nil, false, err
	}
	for _, rec := range records {
		if rec[IDField] == id {
			merge(rec, patch)
			return rec, true, nil
		}
	}
	return nil, false, nil
}

func (s *Scope) UpdateByIndex(ctx context.Context, name string, index int, patch map[string]any) (map[string]any, bool, error) {
	records, err := s.list(name)
	if err != nil {
		return nil, false, err
	}
	if index < 1 || index > len(records) {
		return nil, false, nil
	}
	merge(records[index-1], patch)
	return records[index-1], true, nil
}

func (s *Scope) Delete(ctx context.Context, name, id string) (bool, error) {
	records, err := s.list(name)
	if err != nil {
		return false, err
	}
	for i, rec := range records {
		if rec[IDField] == id {
			s.put(name, append(records[:i], records[i+1:]...))
			return true, nil
		}
	}
	return false, nil
}

func (s *Scope) DeleteByIndex(ctx context.Context, name string, index int) (bool, error) {
	records, err := s.list(name)
	if err != nil {
		return false, err
	}
	if index < 1 || index > len(records) {
		return false, nil
	}
	s.put(name, append(records[:index-1], records[index:]...))
	return true, nil
}

func (s *Scope) Clear(ctx context.Context, name string) error {
	if _, err := s.list(name); err != nil {
		return err
	}
	s.put(name, nil)
	return nil
}

// Query returns records matching the equality filter, preserving order.
func (s *Scope) Query(ctx context.Context, name string, filter map[string]any) ([]map[string]any, error) {
	records, err := s.list(name)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, rec := range records {
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Aggregate folds a numeric field over the (optionally filtered) records.
func (s *Scope) Aggregate(ctx context.Context, name, field, op string, filter map[string]any) (float64, error) {
	records, err := s.Query(ctx, name, filter)
	if err != nil {
		return 0, err
	}
	if op == "count" {
		return float64(len(records)), nil
	}
	var sum float64
	var minV, maxV float64
	n := 0
	for _, rec := range records {
		v, ok := toFloat(rec[field])
		if !ok {
			continue
		}
		if n == 0 {
			minV, maxV = v, v
		}
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		sum += v
		n++
	}
	switch op {
	case "sum":
		return sum, nil
	case "avg":
		if n == 0 {
			return 0, nil
		}
		return sum / float64(n), nil
	case "min":
		return minV, nil
	case "max":
		return maxV, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownAggregate, op)
	}
}

// Paginate returns the 1-based page of records and the total count.
func (s *Scope) Paginate(ctx context.Context, name string, page, limit int) ([]map[string]any, int, error) {
	records, err := s.list(name)
	if err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = len(records)
	}
	start := (page - 1) * limit
	if start >= len(records) {
		return nil, len(records), nil
	}
	end := start + limit
	if end > len(records) {
		end = len(records)
	}
	return records[start:end], len(records), nil
}

func (s *Scope) Count(ctx context.Context, name string, filter map[string]any) (int, error) {
	records, err := s.Query(ctx, name, filter)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func merge(rec, patch map[string]any) {
	for k, v := range patch {
		if k == IDField {
			continue
		}
		rec[k] = v
	}
}

func matches(rec, filter map[string]any) bool {
	for k, want := range filter {
		if !looseEqual(rec[k], want) {
			return false
		}
	}
	return true
}

// looseEqual compares values the way JSON round-trips leave them: numbers by
// value, everything else by string form.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
