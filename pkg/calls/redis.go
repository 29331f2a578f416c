package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 8

// RedisStore persists call records as Redis hashes. The latest call of each
// room is indexed under a separate key so records can be found by room.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore builds a call store scoped under the provided prefix (e.g., "skillswap").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "skillswap"
	}
	return &RedisStore{rdb: rdb, prefix: p}
}

func (s *RedisStore) callKey(id string) string {
	return fmt.Sprintf("%s:calls:%s", s.prefix, id)
}

func (s *RedisStore) roomKey(chatID string) string {
	return fmt.Sprintf("%s:calls:room:%s", s.prefix, chatID)
}

// Create stores rec and points its room index at it.
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.callKey(rec.ID), encodeHash(rec))
		if rec.ChatID != "" {
			pipe.Set(ctx, s.roomKey(rec.ChatID), rec.ID, 0)
		}
		return nil
	})
	return err
}

// Get fetches a record by call id, returning ErrNotFound when missing.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	vals, err := s.rdb.HGetAll(ctx, s.callKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(vals)
}

func (s *RedisStore) FindByRoomOrID(ctx context.Context, key string) (*Record, error) {
	id, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// UpdateByRoomOrID applies p inside a WATCH/MULTI transaction on the record
// key, retrying when a concurrent writer wins the race.
func (s *RedisStore) UpdateByRoomOrID(ctx context.Context, key string, p Patch) (*Record, error) {
	id, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	k := s.callKey(id)

	var updated *Record
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, k).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return ErrNotFound
		}
		rec, err := decodeHash(vals)
		if err != nil {
			return err
		}
		if err := rec.Apply(p); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, encodeHash(rec))
			return nil
		})
		if err == nil {
			updated = rec
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err = s.rdb.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update call %s: %w", id, err)
}

func (s *RedisStore) resolve(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrNotFound
	}
	exists, err := s.rdb.Exists(ctx, s.callKey(key)).Result()
	if err != nil {
		return "", err
	}
	if exists > 0 {
		return key, nil
	}
	id, err := s.rdb.Get(ctx, s.roomKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func encodeHash(rec *Record) map[string]interface{} {
	return map[string]interface{}{
		"id":               rec.ID,
		"chat_id":          rec.ChatID,
		"caller_id":        rec.CallerID,
		"receiver_id":      rec.ReceiverID,
		"status":           string(rec.Status),
		"offer":            string(rec.Offer),
		"answer":           string(rec.Answer),
		"created_at":       rec.CreatedAt.Format(time.RFC3339Nano),
		"started_at":       formatTime(rec.StartedAt),
		"ended_at":         formatTime(rec.EndedAt),
		"duration_seconds": formatInt(rec.DurationSeconds),
	}
}

func decodeHash(vals map[string]string) (*Record, error) {
	rec := &Record{
		ID:         vals["id"],
		ChatID:     vals["chat_id"],
		CallerID:   vals["caller_id"],
		ReceiverID: vals["receiver_id"],
		Status:     Status(vals["status"]),
	}
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("call %s: unknown status %q", rec.ID, rec.Status)
	}
	if v := vals["offer"]; v != "" {
		rec.Offer = json.RawMessage(v)
	}
	if v := vals["answer"]; v != "" {
		rec.Answer = json.RawMessage(v)
	}

	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, vals["created_at"]); err != nil {
		return nil, fmt.Errorf("call %s: created_at: %w", rec.ID, err)
	}
	if rec.StartedAt, err = parseTime(vals["started_at"]); err != nil {
		return nil, fmt.Errorf("call %s: started_at: %w", rec.ID, err)
	}
	if rec.EndedAt, err = parseTime(vals["ended_at"]); err != nil {
		return nil, fmt.Errorf("call %s: ended_at: %w", rec.ID, err)
	}
	if v := vals["duration_seconds"]; v != "" {
		d, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("call %s: duration_seconds: %w", rec.ID, err)
		}
		rec.DurationSeconds = &d
	}
	return rec, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
