package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/howardjong/AgentPrice-sub003/runtimeconfig"
	"github.com/howardjong/AgentPrice-sub003/state/hybrid"
	"github.com/howardjong/AgentPrice-sub003/state/memory"
	sqlitestore "github.com/howardjong/AgentPrice-sub003/state/sqlite"
)

func storeConfig(t *testing.T, backend string) runtimeconfig.StoreConfig {
	cfg := runtimeconfig.Default().Store
	cfg.Backend = backend
	cfg.SQLitePath = filepath.Join(t.TempDir(), "jobs.db")
	return cfg
}

func TestNew_SQLite(t *testing.T) {
	s, err := New(context.Background(), storeConfig(t, "sqlite"), nil)
	if err != nil {
		t.Fatalf("sqlite store failed: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*sqlitestore.Store); !ok {
		t.Fatalf("expected *sqlite.Store, got %T", s)
	}
}

func TestNew_Memory(t *testing.T) {
	s, err := New(context.Background(), storeConfig(t, "memory"), nil)
	if err != nil {
		t.Fatalf("memory store failed: %v", err)
	}
	if _, ok := s.(*memory.Store); !ok {
		t.Fatalf("expected *memory.Store, got %T", s)
	}
}

func TestNew_HybridFallsBackWhenRedisUnavailable(t *testing.T) {
	cfg := storeConfig(t, "hybrid")
	cfg.RedisAddr = "127.0.0.1:1"

	s, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("hybrid store failed unexpectedly: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*hybrid.HybridStore); !ok {
		t.Fatalf("expected hybrid store, got %T", s)
	}
}

func TestNew_InvalidBackend(t *testing.T) {
	if _, err := New(context.Background(), storeConfig(t, "nope"), nil); err == nil {
		t.Fatalf("expected error for invalid backend")
	}
}
