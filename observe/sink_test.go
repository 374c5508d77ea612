package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMultiSink_DeliversToAllAndJoinsErrors(t *testing.T) {
	failing := &recordingSink{err: errors.New("disk full")}
	ok := &recordingSink{}
	sink := NewMultiSink(nil, failing, ok)

	err := sink.Emit(context.Background(), JobEvent(EventJobQueued, "job-1"))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if failing.count() != 1 || ok.count() != 1 {
		t.Fatalf("expected both sinks to receive the event")
	}
	if _, isNoop := NewMultiSink().(NoopSink); !isNoop {
		t.Fatalf("expected NoopSink for empty input")
	}
}

func TestAsyncSink_DrainsOnClose(t *testing.T) {
	down := &recordingSink{}
	as := NewAsyncSink(down, 16)
	for i := 0; i < 10; i++ {
		_ = as.Emit(context.Background(), JobEvent(EventJobProgress, "job-1"))
	}
	as.Close()
	if down.count() != 10 {
		t.Fatalf("expected 10 events after close, got %d", down.count())
	}
}

func TestJobEventStatus(t *testing.T) {
	cases := map[string]Status{
		EventJobQueued:    StatusStarted,
		EventJobProgress:  StatusProgress,
		EventJobCompleted: StatusCompleted,
		EventJobFailed:    StatusFailed,
		EventJobRetried:   StatusRetried,
	}
	for name, want := range cases {
		e := JobEvent(name, "j")
		if e.Status != want || e.Kind != KindJob || e.Timestamp.IsZero() {
			t.Fatalf("%s: unexpected event %+v", name, e)
		}
	}
}

func TestProviderStateEvent(t *testing.T) {
	e := ProviderStateEvent("claude", "connected", "throttled", "rateLimited")
	if e.Provider != "claude" || e.Attributes["to"] != "throttled" || e.Attributes["outcome"] != "rateLimited" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewLogSink(logger)
	ev := JobEvent(EventJobFailed, "job-9")
	ev.Error = "provider exhausted"
	if err := sink.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "job_id=job-9") {
		t.Fatalf("unexpected log output: %s", out)
	}
}
