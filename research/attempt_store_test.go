package research

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newAttemptStore(t *testing.T) *SQLiteAttemptStore {
	t.Helper()
	s, err := NewSQLiteAttemptStore(filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatalf("attempt store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAttemptStore_AttemptLifecycle(t *testing.T) {
	s := newAttemptStore(t)
	ctx := context.Background()

	if err := s.StartAttempt(ctx, AttemptRecord{JobID: "j1", Attempt: 1, WorkerID: "w1"}); err != nil {
		t.Fatalf("start attempt 1: %v", err)
	}
	if err := s.FinishAttempt(ctx, "j1", 1, "failed", "rate limited"); err != nil {
		t.Fatalf("finish attempt 1: %v", err)
	}
	if err := s.StartAttempt(ctx, AttemptRecord{JobID: "j1", Attempt: 2, WorkerID: "w2", Metadata: map[string]any{"messageId": "5-0"}}); err != nil {
		t.Fatalf("start attempt 2: %v", err)
	}

	got, err := s.ListAttempts(ctx, "j1", 10)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(got))
	}
	if got[0].Attempt != 2 || got[0].Status != "running" || got[0].EndedAt != nil {
		t.Fatalf("unexpected latest attempt: %+v", got[0])
	}
	if got[0].Metadata["messageId"] != "5-0" {
		t.Fatalf("metadata not round-tripped: %+v", got[0].Metadata)
	}
	if got[1].Status != "failed" || got[1].Error != "rate limited" || got[1].EndedAt == nil {
		t.Fatalf("unexpected first attempt: %+v", got[1])
	}
}

func TestAttemptStore_RejectsMissingKeys(t *testing.T) {
	s := newAttemptStore(t)
	ctx := context.Background()
	if err := s.StartAttempt(ctx, AttemptRecord{Attempt: 1}); err == nil {
		t.Fatalf("expected error without job id")
	}
	if err := s.StartAttempt(ctx, AttemptRecord{JobID: "j"}); err == nil {
		t.Fatalf("expected error without attempt number")
	}
	if err := s.SaveWorkerHeartbeat(ctx, WorkerHeartbeat{}); err == nil {
		t.Fatalf("expected error without worker id")
	}
	if err := s.SaveQueueEvent(ctx, QueueEvent{JobID: "j"}); err == nil {
		t.Fatalf("expected error without event name")
	}
}

func TestAttemptStore_HeartbeatsUpsert(t *testing.T) {
	s := newAttemptStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = s.SaveWorkerHeartbeat(ctx, WorkerHeartbeat{WorkerID: "w1", LastSeenAt: base, Capacity: 1})
	_ = s.SaveWorkerHeartbeat(ctx, WorkerHeartbeat{WorkerID: "w2", LastSeenAt: base.Add(time.Second), Capacity: 2})
	_ = s.SaveWorkerHeartbeat(ctx, WorkerHeartbeat{WorkerID: "w1", Status: "offline", LastSeenAt: base.Add(2 * time.Second), Capacity: 1})

	got, err := s.ListWorkerHeartbeats(ctx, 10)
	if err != nil {
		t.Fatalf("list heartbeats: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected one row per worker, got %d", len(got))
	}
	if got[0].WorkerID != "w1" || got[0].Status != "offline" {
		t.Fatalf("expected latest heartbeat first, got %+v", got[0])
	}
	if !got[0].LastSeenAt.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("unexpected last seen: %v", got[0].LastSeenAt)
	}
}

func TestAttemptStore_QueueEventsNewestFirst(t *testing.T) {
	s := newAttemptStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = s.SaveQueueEvent(ctx, QueueEvent{JobID: "j1", Event: QueueEventEnqueued, At: base})
	_ = s.SaveQueueEvent(ctx, QueueEvent{JobID: "j2", Event: QueueEventEnqueued, At: base.Add(time.Millisecond)})
	_ = s.SaveQueueEvent(ctx, QueueEvent{JobID: "j1", Event: QueueEventClaimed, At: base.Add(10 * time.Second), Payload: map[string]any{"workerId": "w1"}})

	got, err := s.ListQueueEvents(ctx, "j1", 10)
	if err != nil {
		t.Fatalf("list queue events: %v", err)
	}
	if len(got) != 2 || got[0].Event != QueueEventClaimed || got[1].Event != QueueEventEnqueued {
		t.Fatalf("unexpected events: %+v", got)
	}
	if got[0].Payload["workerId"] != "w1" {
		t.Fatalf("payload not round-tripped: %+v", got[0].Payload)
	}

	all, err := s.ListQueueEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all queue events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events across jobs, got %d", len(all))
	}
}

func TestAttemptStore_PruneKeepsRunningAttempts(t *testing.T) {
	s := newAttemptStore(t)
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(30 * 24 * time.Hour)

	s.now = func() time.Time { return old }
	_ = s.StartAttempt(ctx, AttemptRecord{JobID: "done", Attempt: 1})
	_ = s.FinishAttempt(ctx, "done", 1, AttemptCompleted, "")
	_ = s.StartAttempt(ctx, AttemptRecord{JobID: "stuck", Attempt: 1})
	_ = s.SaveWorkerHeartbeat(ctx, WorkerHeartbeat{WorkerID: "gone"})
	_ = s.SaveQueueEvent(ctx, QueueEvent{JobID: "done", Event: QueueEventEnqueued})

	s.now = func() time.Time { return recent }
	_ = s.SaveWorkerHeartbeat(ctx, WorkerHeartbeat{WorkerID: "alive"})
	_ = s.SaveQueueEvent(ctx, QueueEvent{JobID: "fresh", Event: QueueEventEnqueued})

	n, err := s.Prune(ctx, recent.Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows pruned, got %d", n)
	}
	if got, _ := s.ListAttempts(ctx, "done", 10); len(got) != 0 {
		t.Fatalf("finished attempt should be pruned: %+v", got)
	}
	if got, _ := s.ListAttempts(ctx, "stuck", 10); len(got) != 1 || got[0].Status != AttemptRunning {
		t.Fatalf("running attempt should survive: %+v", got)
	}
	if got, _ := s.ListWorkerHeartbeats(ctx, 10); len(got) != 1 || got[0].WorkerID != "alive" {
		t.Fatalf("unexpected heartbeats after prune: %+v", got)
	}
	if got, _ := s.ListQueueEvents(ctx, "", 10); len(got) != 1 || got[0].JobID != "fresh" {
		t.Fatalf("unexpected queue events after prune: %+v", got)
	}
}
