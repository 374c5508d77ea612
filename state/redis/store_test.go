package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/howardjong/AgentPrice-sub003/state"
	"github.com/howardjong/AgentPrice-sub003/state/storetest"
)

func newTestRedisStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "agentprice-test-" + uuid.NewString()

	s, err := New(addr, append([]Option{WithPrefix(prefix)}, opts...)...)
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) state.Store { return newTestRedisStore(t) })
}

func TestRedisStore_TTL(t *testing.T) {
	s := newTestRedisStore(t, WithTTL(5*time.Minute))
	ctx := context.Background()

	if err := s.Save(ctx, state.ResearchJob{ID: "ttl-job", Query: "q", Status: state.StatusQueued}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.SetQueueJobID(ctx, "ttl-job", "1-0"); err != nil {
		t.Fatalf("SetQueueJobID failed: %v", err)
	}
	ttl, err := s.client.TTL(ctx, s.jobKey("ttl-job")).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 5*time.Minute {
		t.Fatalf("expected ttl to survive the narrow update, got %s", ttl)
	}
}

func TestRedisStore_NoTTLByDefault(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, state.ResearchJob{ID: "forever", Query: "q", Status: state.StatusQueued}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	ttl, err := s.client.TTL(ctx, s.jobKey("forever")).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl != -1 {
		t.Fatalf("expected no expiry, got %s", ttl)
	}
}
