package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/howardjong/AgentPrice-sub003/llm"
	"github.com/howardjong/AgentPrice-sub003/status"
	"github.com/howardjong/AgentPrice-sub003/types"
)

type fakeProvider struct {
	name     string
	research bool
	mu       sync.Mutex
	calls    int
	generate func(ctx context.Context, req types.Request) (types.Response, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Research: p.research, Conversational: !p.research}
}

func (p *fakeProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.generate != nil {
		return p.generate(ctx, req)
	}
	return types.Response{Text: p.name + " says hi"}, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type countingRecorder struct {
	*status.Registry
	mu       sync.Mutex
	recorded []string
}

func (c *countingRecorder) RecordOutcome(name string, outcome status.Outcome) status.ProviderStatus {
	c.mu.Lock()
	c.recorded = append(c.recorded, name+":"+string(outcome))
	c.mu.Unlock()
	return c.Registry.RecordOutcome(name, outcome)
}

func newFixture(t *testing.T) (*Router, *countingRecorder, *fakeProvider, *fakeProvider) {
	t.Helper()
	reg := status.NewRegistry()
	reg.Register("claude", "claude-3-7", true)
	reg.Register("perplexity", "sonar-pro", true)
	rec := &countingRecorder{Registry: reg}
	claude := &fakeProvider{name: "claude"}
	pplx := &fakeProvider{name: "perplexity", research: true}
	r, err := New(rec, []llm.Provider{claude, pplx}, WithTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r, rec, claude, pplx
}

func userTurn(text string) []types.Message {
	return []types.Message{{Role: types.RoleUser, Content: text}}
}

func TestDecide_HintWinsWhenNotOffline(t *testing.T) {
	r, rec, _, _ := newFixture(t)
	d := r.Decide(userTurn("tell me a joke"), "Perplexity")
	if d.Primary != "perplexity" || d.Reason != ReasonHint || d.Fallback != "claude" {
		t.Fatalf("unexpected decision: %+v", d)
	}

	rec.Registry.RecordOutcome("perplexity", status.OutcomeAuthError)
	d = r.Decide(userTurn("tell me a joke"), "perplexity")
	if d.Primary != "claude" || d.Reason != ReasonDefault || d.Fallback != "" {
		t.Fatalf("expected offline hint to be ignored, got %+v", d)
	}
}

func TestDecide_LiveInfoHeuristic(t *testing.T) {
	r, _, _, _ := newFixture(t)
	d := r.Decide(userTurn("What is the current price of lumber?"), "")
	if d.Primary != "perplexity" || d.Reason != ReasonLiveInfo {
		t.Fatalf("unexpected decision: %+v", d)
	}
	d = r.Decide(userTurn("Help me word this email"), "")
	if d.Primary != "claude" || d.Reason != ReasonDefault {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestRoute_DefaultSuccess(t *testing.T) {
	r, rec, claude, pplx := newFixture(t)
	res, err := r.Route(context.Background(), userTurn("hello"), "", Options{})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Provider != "claude" || res.Response.Text != "claude says hi" || res.FailedOver {
		t.Fatalf("unexpected result: %+v", res)
	}
	if claude.Calls() != 1 || pplx.Calls() != 0 {
		t.Fatalf("unexpected calls: claude=%d perplexity=%d", claude.Calls(), pplx.Calls())
	}
	if len(rec.recorded) != 1 || rec.recorded[0] != "claude:success" {
		t.Fatalf("unexpected outcomes: %#v", rec.recorded)
	}
}

func TestRoute_FailoverOnRateLimit(t *testing.T) {
	r, rec, claude, pplx := newFixture(t)
	claude.generate = func(context.Context, types.Request) (types.Response, error) {
		return types.Response{}, llm.NewStatusError("claude", 429, "rate limited")
	}

	res, err := r.Route(context.Background(), userTurn("hello"), "", Options{})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Provider != "perplexity" || !res.FailedOver || len(res.Attempts) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if claude.Calls() != 1 || pplx.Calls() != 1 {
		t.Fatalf("unexpected calls: claude=%d perplexity=%d", claude.Calls(), pplx.Calls())
	}
	if len(rec.recorded) != 2 || rec.recorded[0] != "claude:rateLimited" || rec.recorded[1] != "perplexity:success" {
		t.Fatalf("expected one failure and one success, got %#v", rec.recorded)
	}
	if got := rec.GetStatus("claude").State; got != status.StateThrottled {
		t.Fatalf("expected claude throttled, got %s", got)
	}
	if got := rec.GetStatus("perplexity").State; got != status.StateConnected {
		t.Fatalf("expected perplexity connected, got %s", got)
	}
	if r.Failovers() != 1 {
		t.Fatalf("expected one failover, got %d", r.Failovers())
	}
}

func TestRoute_BothOfflineFails(t *testing.T) {
	reg := status.NewRegistry()
	reg.Register("claude", "", false)
	reg.Register("perplexity", "", false)
	claude := &fakeProvider{name: "claude"}
	pplx := &fakeProvider{name: "perplexity"}
	r, err := New(reg, []llm.Provider{claude, pplx})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = r.Route(context.Background(), userTurn("hello"), "claude", Options{})
	var failure *RoutingFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected RoutingFailure, got %v", err)
	}
	if !errors.Is(err, ErrNoEligibleProvider) {
		t.Fatalf("expected ErrNoEligibleProvider, got %v", err)
	}
	if claude.Calls()+pplx.Calls() != 0 {
		t.Fatalf("expected no provider calls")
	}
}

func TestRoute_NonRetryableDoesNotFailOver(t *testing.T) {
	r, rec, claude, pplx := newFixture(t)
	claude.generate = func(context.Context, types.Request) (types.Response, error) {
		return types.Response{}, llm.NewStatusError("claude", 401, "bad key")
	}
	_, err := r.Route(context.Background(), userTurn("hello"), "", Options{})
	var failure *RoutingFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected RoutingFailure, got %v", err)
	}
	if failure.Class() != llm.ClassAuthError || len(failure.Attempts) != 1 {
		t.Fatalf("unexpected failure: %+v", failure)
	}
	if pplx.Calls() != 0 {
		t.Fatalf("expected no failover on auth error")
	}
	if got := rec.GetStatus("claude").State; got != status.StateOffline {
		t.Fatalf("expected claude offline, got %s", got)
	}
}

func TestRoute_BothFailAtMostTwoAttempts(t *testing.T) {
	r, rec, claude, pplx := newFixture(t)
	fail := func(context.Context, types.Request) (types.Response, error) {
		return types.Response{}, llm.NewStatusError("x", 503, "down")
	}
	claude.generate = fail
	pplx.generate = fail

	_, err := r.Route(context.Background(), userTurn("hello"), "", Options{})
	var failure *RoutingFailure
	if !errors.As(err, &failure) || len(failure.Attempts) != 2 {
		t.Fatalf("expected RoutingFailure with two attempts, got %v", err)
	}
	if len(rec.recorded) != 2 {
		t.Fatalf("expected two recorded outcomes, got %#v", rec.recorded)
	}
	if rec.GetStatus("claude").State != status.StateDegraded || rec.GetStatus("perplexity").State != status.StateDegraded {
		t.Fatalf("expected both degraded")
	}
}

func TestRoute_TimeoutIsRetryable(t *testing.T) {
	r, rec, claude, _ := newFixture(t)
	claude.generate = func(ctx context.Context, _ types.Request) (types.Response, error) {
		<-ctx.Done()
		return types.Response{}, ctx.Err()
	}
	res, err := r.Route(context.Background(), userTurn("hello"), "", Options{})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Provider != "perplexity" {
		t.Fatalf("expected failover after timeout, got %s", res.Provider)
	}
	if rec.recorded[0] != "claude:serverError" {
		t.Fatalf("expected timeout recorded as serverError, got %#v", rec.recorded)
	}
}

func TestRoute_PassesModelPerProvider(t *testing.T) {
	r, _, _, pplx := newFixture(t)
	var gotModel string
	pplx.generate = func(_ context.Context, req types.Request) (types.Response, error) {
		gotModel = req.Model
		return types.Response{Text: "ok", Citations: []types.Citation{{URL: "https://x.example"}}}, nil
	}
	res, err := r.Route(context.Background(), userTurn("latest news on widgets"), "", Options{
		Models: map[string]string{"perplexity": "sonar-deep-research", "claude": "claude-x"},
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if gotModel != "sonar-deep-research" {
		t.Fatalf("unexpected model: %q", gotModel)
	}
	if len(res.Citations) != 1 {
		t.Fatalf("expected citations to be surfaced, got %+v", res.Citations)
	}
}
