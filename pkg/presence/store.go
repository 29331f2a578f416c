package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store tracks which users currently hold at least one signaling connection.
// A user with several open connections stays online until the last one closes.
type Store interface {
	Reset(ctx context.Context) error
	Connect(ctx context.Context, userID string) error
	Disconnect(ctx context.Context, userID string) error
	Online(ctx context.Context) ([]string, error)
}

// RedisStore implements Store with a Redis hash of per-user connection counts.
type RedisStore struct {
	rdb       *redis.Client
	keyOnline string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "skillswap").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "skillswap"
	}
	return &RedisStore{
		rdb:       rdb,
		keyOnline: fmt.Sprintf("%s:online", p),
	}
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyOnline).Err()
}

func (s *RedisStore) Connect(ctx context.Context, userID string) error {
	return s.rdb.HIncrBy(ctx, s.keyOnline, userID, 1).Err()
}

func (s *RedisStore) Disconnect(ctx context.Context, userID string) error {
	n, err := s.rdb.HIncrBy(ctx, s.keyOnline, userID, -1).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		return s.rdb.HDel(ctx, s.keyOnline, userID).Err()
	}
	return nil
}

func (s *RedisStore) Online(ctx context.Context) ([]string, error) {
	vals, err := s.rdb.HGetAll(ctx, s.keyOnline).Result()
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(vals))
	for id, v := range vals {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users, nil
}

// MemoryStore is the in-process Store used with the memory backend.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int)}
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	s.counts = make(map[string]int)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Connect(_ context.Context, userID string) error {
	s.mu.Lock()
	s.counts[userID]++
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Disconnect(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[userID] <= 1 {
		delete(s.counts, userID)
		return nil
	}
	s.counts[userID]--
	return nil
}

func (s *MemoryStore) Online(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.counts))
	for id := range s.counts {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}
