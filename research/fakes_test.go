package research

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/howardjong/AgentPrice-sub003/observe"
	"github.com/howardjong/AgentPrice-sub003/router"
	"github.com/howardjong/AgentPrice-sub003/runtime/queue"
	queuememory "github.com/howardjong/AgentPrice-sub003/runtime/queue/memory"
	"github.com/howardjong/AgentPrice-sub003/state"
	statememory "github.com/howardjong/AgentPrice-sub003/state/memory"
	"github.com/howardjong/AgentPrice-sub003/types"
)

type routeCall struct {
	stage string
	hint  string
	opts  router.Options
	input string
}

// fakeRouter answers by stage. failFor, when set, is consulted before each
// call with the stage name and the per-stage call count.
type fakeRouter struct {
	mu      sync.Mutex
	calls   []routeCall
	counts  map[string]int
	failFor func(stage string, n int) error
	delay   time.Duration
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{counts: map[string]int{}}
}

func stageOf(opts router.Options) string {
	switch opts.SystemPrompt {
	case clarifyPrompt:
		return StageClarify
	case researchPrompt:
		return StageResearch
	default:
		return StageSynthesize
	}
}

func (f *fakeRouter) Route(ctx context.Context, history []types.Message, hint string, opts router.Options) (router.Result, error) {
	stage := stageOf(opts)
	f.mu.Lock()
	f.counts[stage]++
	n := f.counts[stage]
	f.calls = append(f.calls, routeCall{stage: stage, hint: hint, opts: opts, input: types.LatestUserText(history)})
	failFor := f.failFor
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return router.Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	if failFor != nil {
		if err := failFor(stage, n); err != nil {
			return router.Result{}, &router.RoutingFailure{Err: err}
		}
	}
	switch stage {
	case StageClarify:
		return router.Result{Provider: "claude", Response: types.Response{Text: "1. Which market?\n2. Which currency?"}}, nil
	case StageResearch:
		cites := []types.Citation{{URL: "https://example.com/a"}, {URL: "https://example.com/b"}}
		return router.Result{Provider: "perplexity", Response: types.Response{Text: "findings", Citations: cites}, Citations: cites}, nil
	default:
		return router.Result{
			Provider:  "claude",
			Response:  types.Response{Text: "Buyers tolerate $20.\n\nDetails follow."},
			Citations: []types.Citation{{URL: "https://example.com/a"}},
		}, nil
	}
}

func (f *fakeRouter) Conversational() string { return "claude" }
func (f *fakeRouter) Research() string       { return "perplexity" }

func (f *fakeRouter) count(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[stage]
}

type recordingSink struct {
	mu     sync.Mutex
	events []observe.Event
}

func (s *recordingSink) Emit(_ context.Context, e observe.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Name)
	}
	return out
}

type failingQueue struct {
	queue.Queue
}

func (failingQueue) Enqueue(context.Context, queue.Task) (string, error) {
	return "", errors.New("queue unavailable")
}

type harness struct {
	store    *statememory.Store
	queue    *queuememory.Queue
	attempts *SQLiteAttemptStore
	router   *fakeRouter
	sink     *recordingSink
	orch     *Orchestrator
}

func newHarness(t *testing.T, queueOpts ...queuememory.Option) *harness {
	t.Helper()
	attempts, err := NewSQLiteAttemptStore(filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatalf("attempt store: %v", err)
	}
	t.Cleanup(func() { _ = attempts.Close() })
	h := &harness{
		store:    statememory.New(),
		queue:    queuememory.New(queueOpts...),
		attempts: attempts,
		router:   newFakeRouter(),
		sink:     &recordingSink{},
	}
	h.orch, err = NewOrchestrator(h.store, h.queue, WithSink(h.sink), WithAttemptStore(attempts), WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return h
}

func testPolicy() RuntimePolicy {
	return RuntimePolicy{
		MaxAttempts:       2,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		ClaimBlock:        10 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	}
}

// runUntil starts a worker and stops it once done reports true or the
// deadline passes.
func (h *harness) runUntil(t *testing.T, done func() bool) {
	t.Helper()
	pipeline, err := NewPipeline(h.router)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	w, err := NewWorker(WorkerConfig{WorkerID: "w1"}, h.store, h.attempts, h.queue, h.sink, testPolicy(), pipeline, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for !done() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("stop worker: %v", err)
	}
	<-errCh
}

func (h *harness) jobIn(t *testing.T, id string, statuses ...state.JobStatus) func() bool {
	return func() bool {
		job, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		for _, s := range statuses {
			if job.Status == s {
				return true
			}
		}
		return false
	}
}
