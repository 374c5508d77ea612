package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/howardjong/AgentPrice-sub003/observe"
	observestore "github.com/howardjong/AgentPrice-sub003/observe/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_JobTimelineAndMetrics(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inputs := []observe.Event{
		{JobID: "j1", Kind: observe.KindJob, Name: observe.EventJobQueued, Status: observe.StatusStarted, Timestamp: now},
		{JobID: "j1", Kind: observe.KindJob, Name: observe.EventJobProgress, Status: observe.StatusProgress, Stage: "research", Progress: 40, Timestamp: now.Add(time.Millisecond)},
		{JobID: "j1", Kind: observe.KindProvider, Name: observe.EventProviderCall, Provider: "perplexity", Status: observe.StatusFailed, Error: "429", Timestamp: now.Add(2 * time.Millisecond)},
		{JobID: "j1", Kind: observe.KindProvider, Name: observe.EventProviderCall, Provider: "claude", Status: observe.StatusCompleted, Timestamp: now.Add(3 * time.Millisecond)},
		{JobID: "j1", Kind: observe.KindJob, Name: observe.EventJobCompleted, Status: observe.StatusCompleted, Timestamp: now.Add(4 * time.Millisecond)},
		{JobID: "j2", Kind: observe.KindJob, Name: observe.EventJobQueued, Status: observe.StatusStarted, Timestamp: now.Add(5 * time.Millisecond)},
		{Kind: observe.KindProvider, Name: observe.EventProviderState, Provider: "perplexity", Status: observe.StatusCompleted, Timestamp: now.Add(6 * time.Millisecond)},
	}
	for _, in := range inputs {
		if err := store.SaveEvent(ctx, in); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}

	events, err := store.ListEventsByJob(ctx, "j1", observestore.ListQuery{Limit: 20})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if events[1].Stage != "research" || events[1].Progress != 40 {
		t.Fatalf("stage fields not round-tripped: %+v", events[1])
	}
	if events[0].Name != observe.EventJobQueued || events[4].Name != observe.EventJobCompleted {
		t.Fatalf("events not ordered by time: %s .. %s", events[0].Name, events[4].Name)
	}

	metrics, err := store.AggregateMetrics(ctx, observestore.MetricsQuery{})
	if err != nil {
		t.Fatalf("aggregate metrics: %v", err)
	}
	want := observestore.MetricsSummary{
		JobsQueued:       2,
		JobsCompleted:    1,
		ProviderCalls:    2,
		ProviderFailures: 1,
		StateChanges:     1,
	}
	if metrics != want {
		t.Fatalf("unexpected metrics: got %+v want %+v", metrics, want)
	}

	since := now.Add(5 * time.Millisecond)
	recent, err := store.AggregateMetrics(ctx, observestore.MetricsQuery{Since: &since})
	if err != nil {
		t.Fatalf("aggregate recent: %v", err)
	}
	if recent.JobsQueued != 1 || recent.ProviderCalls != 0 {
		t.Fatalf("unexpected recent metrics: %+v", recent)
	}
}

func TestStore_AsSink(t *testing.T) {
	store := newStore(t)
	sink := observe.NewMultiSink(store)
	ev := observe.JobEvent(observe.EventJobFailed, "j9")
	ev.SessionID = "sess-1"
	if err := sink.Emit(context.Background(), ev); err != nil {
		t.Fatalf("emit: %v", err)
	}
	events, err := store.ListEventsBySession(context.Background(), "sess-1", observestore.ListQuery{})
	if err != nil {
		t.Fatalf("list by session: %v", err)
	}
	if len(events) != 1 || events[0].JobID != "j9" || events[0].Status != observe.StatusFailed {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestStore_RequiresIDs(t *testing.T) {
	store := newStore(t)
	if _, err := store.ListEventsByJob(context.Background(), " ", observestore.ListQuery{}); err == nil {
		t.Fatalf("expected error for empty job id")
	}
}
