package calls

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store persists call records.
//
// UpdateByRoomOrID must be an atomic read-modify-write of a single record and
// must refuse to touch terminal records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	FindByRoomOrID(ctx context.Context, key string) (*Record, error)
	UpdateByRoomOrID(ctx context.Context, key string, p Patch) (*Record, error)
}

// MemoryStore keeps records in process memory. Used for tests and the
// "memory" store backend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byRoom  map[string]string
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byRoom:  make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := rec.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
		rec.CreatedAt = stored.CreatedAt
	}
	s.records[stored.ID] = stored
	if stored.ChatID != "" {
		s.byRoom[stored.ChatID] = stored.ID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) FindByRoomOrID(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.resolve(strings.TrimSpace(key))
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateByRoomOrID(ctx context.Context, key string, p Patch) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.resolve(strings.TrimSpace(key))
	if rec == nil {
		return nil, ErrNotFound
	}
	next := rec.Clone()
	if err := next.Apply(p); err != nil {
		return nil, err
	}
	s.records[next.ID] = next
	return next.Clone(), nil
}

// resolve prefers a call id and falls back to the room's latest call.
func (s *MemoryStore) resolve(key string) *Record {
	if key == "" {
		return nil
	}
	if rec, ok := s.records[key]; ok {
		return rec
	}
	if id, ok := s.byRoom[key]; ok {
		return s.records[id]
	}
	return nil
}
