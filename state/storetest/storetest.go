// Package storetest holds behaviour checks shared by every state.Store
// backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/howardjong/AgentPrice-sub003/state"
	"github.com/howardjong/AgentPrice-sub003/types"
)

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) state.Store) {
	t.Run("SaveGetRoundTrip", func(t *testing.T) { testSaveGet(t, newStore(t)) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, newStore(t)) })
	t.Run("SetQueueJobIDIsNarrow", func(t *testing.T) { testSetQueueJobID(t, newStore(t)) })
	t.Run("ListByStatus", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("RejectsBrokenInvariant", func(t *testing.T) { testRejectsInvalid(t, newStore(t)) })
	t.Run("RejectsForbiddenTransition", func(t *testing.T) { testRejectsTransition(t, newStore(t)) })
}

func queuedJob(id string, created time.Time) state.ResearchJob {
	return state.ResearchJob{
		ID:    id,
		Query: "price of widgets in 2025",
		Options: state.JobOptions{
			Model:    "sonar-pro",
			Priority: state.PriorityHigh,
			Extra:    map[string]any{"region": "eu"},
		},
		Status:    state.StatusQueued,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testSaveGet(t *testing.T, s state.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	job := queuedJob("job-1", now)
	if err := s.Save(ctx, job); err != nil {
		t.Fatalf("Save queued failed: %v", err)
	}

	started := now.Add(time.Second)
	completed := now.Add(5 * time.Second)
	job.Status = state.StatusProcessing
	job.Attempt = 1
	job.StartedAt = &started
	job.UpdatedAt = started
	if err := s.Save(ctx, job); err != nil {
		t.Fatalf("Save processing failed: %v", err)
	}

	job.Status = state.StatusCompleted
	job.Progress = 100
	job.Attempt = 1
	job.WorkerID = "worker-a"
	job.StartedAt = &started
	job.CompletedAt = &completed
	job.UpdatedAt = completed
	job.Stages = []state.StageRecord{{
		Name:        "research",
		Provider:    "perplexity",
		Output:      "findings",
		Citations:   []types.Citation{{URL: "https://example.com/a", Title: "A"}},
		CompletedAt: completed,
	}}
	job.Result = &state.JobResult{
		Report:    "final report",
		Citations: []types.Citation{{URL: "https://example.com/a"}},
		Providers: []string{"perplexity", "claude"},
	}
	if err := s.Save(ctx, job); err != nil {
		t.Fatalf("Save completed failed: %v", err)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != state.StatusCompleted || got.Progress != 100 {
		t.Fatalf("unexpected status/progress: %s %d", got.Status, got.Progress)
	}
	if got.Result == nil || got.Result.Report != "final report" || len(got.Result.Citations) != 1 {
		t.Fatalf("unexpected result: %#v", got.Result)
	}
	if got.Options.Priority != state.PriorityHigh || got.Options.Extra["region"] != "eu" {
		t.Fatalf("options not round-tripped: %#v", got.Options)
	}
	if stage, ok := got.Stage("research"); !ok || stage.Citations[0].URL != "https://example.com/a" {
		t.Fatalf("stage checkpoint not round-tripped: %#v", got.Stages)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("unexpected startedAt: %v", got.StartedAt)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Fatalf("unexpected completedAt: %v", got.CompletedAt)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("createdAt changed: %v vs %v", got.CreatedAt, now)
	}
}

func testGetUnknown(t *testing.T, s state.Store) {
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetQueueJobID(context.Background(), "missing", "q-1"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from SetQueueJobID, got %v", err)
	}
}

func testSetQueueJobID(t *testing.T, s state.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	job := queuedJob("job-q", now)
	if err := s.Save(ctx, job); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// The worker may already have moved the job on before the handler
	// attaches the queue id.
	job.Status = state.StatusProcessing
	job.Progress = 30
	job.WorkerID = "worker-b"
	if err := s.Save(ctx, job); err != nil {
		t.Fatalf("Save processing failed: %v", err)
	}
	if err := s.SetQueueJobID(ctx, "job-q", "1700000000000-0"); err != nil {
		t.Fatalf("SetQueueJobID failed: %v", err)
	}

	got, err := s.Get(ctx, "job-q")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.QueueJobID != "1700000000000-0" {
		t.Fatalf("queue id not attached: %q", got.QueueJobID)
	}
	if got.Status != state.StatusProcessing || got.Progress != 30 || got.WorkerID != "worker-b" {
		t.Fatalf("narrow update clobbered worker fields: %#v", got)
	}

	// A later full save without the queue id keeps it.
	job.Progress = 60
	if err := s.Save(ctx, job); err != nil {
		t.Fatalf("Save after attach failed: %v", err)
	}
	got, _ = s.Get(ctx, "job-q")
	if got.QueueJobID != "1700000000000-0" {
		t.Fatalf("queue id lost after worker save: %q", got.QueueJobID)
	}
}

func testList(t *testing.T, s state.Store) {
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		job := queuedJob(fmt.Sprintf("job-%d", i), base.Add(time.Duration(i)*time.Second))
		if i%2 == 1 {
			job.Status = state.StatusFailed
			job.Error = "provider exhausted"
		}
		if err := s.Save(ctx, job); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	all, err := s.List(ctx, state.ListQuery{Limit: 10})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(all))
	}
	if all[0].ID != "job-3" {
		t.Fatalf("expected newest first, got %s", all[0].ID)
	}

	failed, err := s.List(ctx, state.ListQuery{Status: state.StatusFailed, Limit: 10})
	if err != nil {
		t.Fatalf("List failed status failed: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed jobs, got %d", len(failed))
	}
	for _, j := range failed {
		if j.Status != state.StatusFailed {
			t.Fatalf("unexpected status in filtered list: %s", j.Status)
		}
	}
}

func testRejectsInvalid(t *testing.T, s state.Store) {
	job := queuedJob("job-bad", time.Now().UTC())
	job.Status = state.StatusCompleted
	if err := s.Save(context.Background(), job); err == nil {
		t.Fatalf("expected completed job without result to be rejected")
	}
}

func testRejectsTransition(t *testing.T, s state.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	job := queuedJob("job-t", now)
	if err := s.Save(ctx, job); err != nil {
		t.Fatalf("Save queued failed: %v", err)
	}

	skip := job
	skip.Status = state.StatusCompleted
	skip.Progress = 100
	skip.Result = &state.JobResult{Report: "early"}
	if err := s.Save(ctx, skip); !errors.Is(err, state.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for queued -> completed, got %v", err)
	}

	job.Status = state.StatusProcessing
	job.Attempt = 1
	if err := s.Save(ctx, job); err != nil {
		t.Fatalf("Save processing failed: %v", err)
	}
	done := job
	done.Status = state.StatusCompleted
	done.Progress = 100
	done.Result = &state.JobResult{Report: "final"}
	if err := s.Save(ctx, done); err != nil {
		t.Fatalf("Save completed failed: %v", err)
	}

	// A stale worker writing a checkpoint after completion must not reopen the job.
	if err := s.Save(ctx, job); !errors.Is(err, state.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for completed -> processing, got %v", err)
	}
	got, err := s.Get(ctx, "job-t")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != state.StatusCompleted || got.Result == nil || got.Result.Report != "final" {
		t.Fatalf("completed job was overwritten: %s %#v", got.Status, got.Result)
	}
}
