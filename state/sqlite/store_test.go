package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/howardjong/AgentPrice-sub003/state"
	"github.com/howardjong/AgentPrice-sub003/state/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) state.Store { return newTestStore(t) })
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	now := time.Now().UTC()
	if err := s.Save(ctx, state.ResearchJob{ID: "persist", Query: "q", Status: state.StatusQueued, CreatedAt: now}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	_ = s.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(ctx, "persist")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Status != state.StatusQueued || got.Query != "q" {
		t.Fatalf("unexpected job after reopen: %#v", got)
	}
}

func TestNew_RequiresPath(t *testing.T) {
	if _, err := New(" "); err == nil {
		t.Fatalf("expected error for blank path")
	}
}
