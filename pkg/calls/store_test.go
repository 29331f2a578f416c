package calls

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// testStore runs the behaviour every Store backend must share.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Millisecond)

	first := &Record{
		ID:         "call-a",
		ChatID:     "room-1",
		CallerID:   "alice",
		ReceiverID: "bob",
		Status:     StatusRinging,
		Offer:      json.RawMessage(`{"type":"offer","sdp":"x"}`),
		CreatedAt:  created,
	}
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Run("get by id", func(t *testing.T) {
		got, err := s.Get(ctx, "call-a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.CallerID != "alice" || got.ReceiverID != "bob" || got.Status != StatusRinging {
			t.Fatalf("unexpected record: %+v", got)
		}
		var offer map[string]string
		if err := json.Unmarshal(got.Offer, &offer); err != nil || offer["sdp"] != "x" {
			t.Fatalf("offer round trip: %s (%v)", got.Offer, err)
		}
		if got.Answer != nil || got.StartedAt != nil {
			t.Fatalf("fresh record has answer/startedAt: %+v", got)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get missing err = %v", err)
		}
		if _, err := s.FindByRoomOrID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("find missing err = %v", err)
		}
		if _, err := s.UpdateByRoomOrID(ctx, "nope", Patch{Status: StatusOngoing}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update missing err = %v", err)
		}
	})

	t.Run("find by room resolves latest call", func(t *testing.T) {
		second := &Record{
			ID:         "call-b",
			ChatID:     "room-1",
			CallerID:   "bob",
			ReceiverID: "alice",
			Status:     StatusRinging,
			CreatedAt:  created.Add(time.Second),
		}
		if err := s.Create(ctx, second); err != nil {
			t.Fatalf("create second: %v", err)
		}
		got, err := s.FindByRoomOrID(ctx, "room-1")
		if err != nil {
			t.Fatalf("find by room: %v", err)
		}
		if got.ID != "call-b" {
			t.Fatalf("room resolved to %s, want call-b", got.ID)
		}
		got, err = s.FindByRoomOrID(ctx, "call-a")
		if err != nil || got.ID != "call-a" {
			t.Fatalf("find by id: %+v, %v", got, err)
		}
	})

	t.Run("update lifecycle and terminal guard", func(t *testing.T) {
		started := created.Add(3 * time.Second)
		got, err := s.UpdateByRoomOrID(ctx, "call-a", Patch{
			Status: StatusOngoing,
			Answer: json.RawMessage(`{"sdp":"y"}`),
			At:     started,
		})
		if err != nil {
			t.Fatalf("answer update: %v", err)
		}
		if got.Status != StatusOngoing || got.StartedAt == nil || got.Answer == nil {
			t.Fatalf("after answer: %+v", got)
		}

		ended := started.Add(10 * time.Second)
		got, err = s.UpdateByRoomOrID(ctx, "call-a", Patch{Status: StatusEnded, At: ended})
		if err != nil {
			t.Fatalf("end update: %v", err)
		}
		if got.Status != StatusEnded || got.DurationSeconds == nil || *got.DurationSeconds != 10 {
			t.Fatalf("after end: %+v", got)
		}

		if _, err := s.UpdateByRoomOrID(ctx, "call-a", Patch{Status: StatusOngoing, Answer: json.RawMessage(`{}`)}); !errors.Is(err, ErrTerminal) {
			t.Fatalf("update after end err = %v, want ErrTerminal", err)
		}
		stored, err := s.Get(ctx, "call-a")
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status != StatusEnded || string(stored.Answer) != `{"sdp":"y"}` {
			t.Fatalf("terminal record changed: %+v", stored)
		}
	})

	t.Run("concurrent updates stay consistent", func(t *testing.T) {
		rec := &Record{
			ID:         "call-c",
			ChatID:     "room-2",
			CallerID:   "carol",
			ReceiverID: "dave",
			Status:     StatusRinging,
			CreatedAt:  created,
		}
		if err := s.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.UpdateByRoomOrID(ctx, "room-2", Patch{Status: StatusOngoing, At: created.Add(time.Second)})
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdateByRoomOrID(ctx, "room-2", Patch{Status: StatusRejected, At: created.Add(time.Second)})
		}()
		wg.Wait()

		got, err := s.Get(ctx, "call-c")
		if err != nil {
			t.Fatal(err)
		}
		switch got.Status {
		case StatusOngoing:
			if got.StartedAt == nil {
				t.Fatalf("ongoing without startedAt: %+v", got)
			}
		case StatusRejected:
			if got.EndedAt == nil {
				t.Fatalf("rejected without endedAt: %+v", got)
			}
		default:
			t.Fatalf("unexpected status %s", got.Status)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := &Record{ID: "c1", ChatID: "r1", CallerID: "a", ReceiverID: "b", Status: StatusRinging}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Status = StatusEnded

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	got.Status = StatusMissed

	again, _ := s.Get(ctx, "c1")
	if again.Status != StatusRinging {
		t.Fatalf("stored record aliased caller memory: %s", again.Status)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := NewRedisStore(rdb, "test")
	testStore(t, s)

	if !mr.Exists("test:calls:call-a") {
		t.Fatal("record hash not written under prefix")
	}
	if got, err := mr.Get("test:calls:room:room-1"); err != nil || got != "call-b" {
		t.Fatalf("room index = %q (%v), want call-b", got, err)
	}
}

func TestRedisStoreRejectsCorruptStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mr.HSet("skillswap:calls:bad", "id", "bad", "status", "exploded", "created_at", time.Now().Format(time.RFC3339Nano))

	s := NewRedisStore(rdb, "")
	if _, err := s.Get(context.Background(), "bad"); err == nil {
		t.Fatal("expected decode error for unknown status")
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM calls WHERE id IN ('call-a', 'call-b', 'call-c')`)
		s.Close()
	})
	_, _ = s.db.ExecContext(ctx, `DELETE FROM calls WHERE id IN ('call-a', 'call-b', 'call-c')`)

	testStore(t, s)
}
