package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/howardjong/AgentPrice-sub003/llm"
	"github.com/howardjong/AgentPrice-sub003/observe"
	"github.com/howardjong/AgentPrice-sub003/status"
	"github.com/howardjong/AgentPrice-sub003/types"
)

const defaultTimeout = 60 * time.Second

var ErrNoEligibleProvider = errors.New("no eligible provider")

// StatusRecorder is the slice of the status registry the router needs.
type StatusRecorder interface {
	GetStatus(name string) status.ProviderStatus
	RecordOutcome(name string, outcome status.Outcome) status.ProviderStatus
}

type Reason string

const (
	ReasonHint     Reason = "hint"
	ReasonLiveInfo Reason = "live_info"
	ReasonDefault  Reason = "default"
)

// Decision is the provider order chosen for one turn. Fallback is empty
// when no second eligible provider exists.
type Decision struct {
	Primary  string `json:"primary"`
	Fallback string `json:"fallback,omitempty"`
	Reason   Reason `json:"reason"`
	Rule     string `json:"rule,omitempty"`
}

type Options struct {
	SystemPrompt    string
	MaxOutputTokens int
	// Models overrides the model per provider name.
	Models map[string]string
	Extra  map[string]any
}

type Attempt struct {
	Provider string         `json:"provider"`
	Outcome  status.Outcome `json:"outcome"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

type Result struct {
	Provider      string               `json:"provider"`
	Response      types.Response       `json:"response"`
	Citations     []types.Citation     `json:"citations,omitempty"`
	Visualization *types.Visualization `json:"visualization,omitempty"`
	Decision      Decision             `json:"decision"`
	FailedOver    bool                 `json:"failedOver"`
	Attempts      []Attempt            `json:"attempts"`
}

// RoutingFailure is returned when no provider could serve the turn. The
// router does not retry beyond its single failover.
type RoutingFailure struct {
	Decision Decision
	Attempts []Attempt
	Err      error
}

func (f *RoutingFailure) Error() string {
	if f == nil {
		return ""
	}
	if len(f.Attempts) == 0 {
		return fmt.Sprintf("routing failed: %v", f.Err)
	}
	tried := make([]string, 0, len(f.Attempts))
	for _, a := range f.Attempts {
		tried = append(tried, a.Provider)
	}
	return fmt.Sprintf("routing failed after trying %s: %v", strings.Join(tried, ", "), f.Err)
}

func (f *RoutingFailure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Class returns the classification of the last provider error.
func (f *RoutingFailure) Class() llm.Class {
	if f == nil || errors.Is(f.Err, ErrNoEligibleProvider) {
		return ""
	}
	return llm.ClassOf(f.Err)
}

type Router struct {
	providers      map[string]llm.Provider
	registry       StatusRecorder
	conversational string
	research       string
	timeout        time.Duration
	heuristics     *Heuristics
	sink           observe.Sink
	logger         *slog.Logger
	failovers      atomic.Int64
}

type Option func(*Router)

func WithConversational(name string) Option {
	return func(r *Router) { r.conversational = strings.ToLower(strings.TrimSpace(name)) }
}

func WithResearch(name string) Option {
	return func(r *Router) { r.research = strings.ToLower(strings.TrimSpace(name)) }
}

// WithTimeout bounds each provider call. A call exceeding it is classified
// as a retryable server error.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithHeuristics(h *Heuristics) Option {
	return func(r *Router) {
		if h != nil {
			r.heuristics = h
		}
	}
}

func WithSink(s observe.Sink) Option {
	return func(r *Router) {
		if s != nil {
			r.sink = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(registry StatusRecorder, providers []llm.Provider, opts ...Option) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("status registry is required")
	}
	r := &Router{
		providers:      make(map[string]llm.Provider, len(providers)),
		registry:       registry,
		conversational: "claude",
		research:       "perplexity",
		timeout:        defaultTimeout,
		heuristics:     DefaultHeuristics(),
		sink:           observe.NoopSink{},
		logger:         slog.Default(),
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		r.providers[strings.ToLower(p.Name())] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "router"))
	return r, nil
}

// Failovers returns how many times a call was retried on a second provider.
func (r *Router) Failovers() int64 { return r.failovers.Load() }

func (r *Router) Conversational() string { return r.conversational }

func (r *Router) Research() string { return r.research }

// Decide picks the primary and fallback providers for history without
// calling anything.
func (r *Router) Decide(history []types.Message, hint string) Decision {
	hint = strings.ToLower(strings.TrimSpace(hint))
	d := Decision{Reason: ReasonDefault}
	preferred := r.conversational

	if hint != "" && r.eligible(hint) {
		preferred = hint
		d.Reason = ReasonHint
	} else if ok, rule := r.heuristics.NeedsLiveInfo(types.LatestUserText(history)); ok {
		preferred = r.research
		d.Reason = ReasonLiveInfo
		d.Rule = rule
	}

	order := r.preferenceOrder(preferred)
	if len(order) > 0 {
		d.Primary = order[0]
	}
	if len(order) > 1 {
		d.Fallback = order[1]
	}
	return d
}

// Route serves one conversational turn. It records exactly one outcome per
// provider attempted and makes at most two attempts.
func (r *Router) Route(ctx context.Context, history []types.Message, hint string, opts Options) (Result, error) {
	decision := r.Decide(history, hint)
	if decision.Primary == "" {
		r.logger.Warn("no eligible provider", slog.String("hint", hint))
		return Result{}, &RoutingFailure{Decision: decision, Err: ErrNoEligibleProvider}
	}

	attempts := make([]Attempt, 0, 2)
	resp, attempt, err := r.invoke(ctx, decision.Primary, history, opts)
	attempts = append(attempts, attempt)
	if err == nil {
		return r.result(decision.Primary, resp, decision, false, attempts), nil
	}

	class := llm.ClassOf(err)
	if !class.Retryable() || decision.Fallback == "" || ctx.Err() != nil || !r.eligible(decision.Fallback) {
		return Result{}, &RoutingFailure{Decision: decision, Attempts: attempts, Err: err}
	}

	r.failovers.Add(1)
	r.logger.Info("failing over",
		slog.String("from", decision.Primary),
		slog.String("to", decision.Fallback),
		slog.String("class", string(class)),
	)
	resp, attempt, err = r.invoke(ctx, decision.Fallback, history, opts)
	attempts = append(attempts, attempt)
	if err != nil {
		return Result{}, &RoutingFailure{Decision: decision, Attempts: attempts, Err: err}
	}
	return r.result(decision.Fallback, resp, decision, true, attempts), nil
}

func (r *Router) invoke(ctx context.Context, name string, history []types.Message, opts Options) (types.Response, Attempt, error) {
	provider := r.providers[name]
	req := types.Request{
		Model:           opts.Models[name],
		SystemPrompt:    opts.SystemPrompt,
		Messages:        history,
		MaxOutputTokens: opts.MaxOutputTokens,
		Extra:           opts.Extra,
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	_ = r.sink.Emit(ctx, observe.Event{
		Kind:     observe.KindProvider,
		Status:   observe.StatusStarted,
		Name:     observe.EventProviderCall,
		Provider: name,
	})
	resp, err := provider.Generate(callCtx, req)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = &llm.Error{Provider: name, Class: llm.ClassServerError, Message: fmt.Sprintf("timed out after %s", r.timeout), Err: err}
	}
	outcome := status.OutcomeFor(err)
	r.registry.RecordOutcome(name, outcome)

	attempt := Attempt{Provider: name, Outcome: outcome, Duration: time.Since(started)}
	ev := observe.Event{
		Kind:       observe.KindProvider,
		Status:     observe.StatusCompleted,
		Name:       observe.EventProviderCall,
		Provider:   name,
		DurationMs: attempt.Duration.Milliseconds(),
		Attributes: map[string]any{"outcome": string(outcome)},
	}
	if err != nil {
		attempt.Error = err.Error()
		ev.Status = observe.StatusFailed
		ev.Error = err.Error()
		r.logger.Warn("provider call failed",
			slog.String("provider", name),
			slog.String("outcome", string(outcome)),
			slog.Any("error", err),
		)
	}
	_ = r.sink.Emit(ctx, ev)
	return resp, attempt, err
}

func (r *Router) result(provider string, resp types.Response, d Decision, failedOver bool, attempts []Attempt) Result {
	return Result{
		Provider:      provider,
		Response:      resp,
		Citations:     resp.Citations,
		Visualization: resp.Visualization,
		Decision:      d,
		FailedOver:    failedOver,
		Attempts:      attempts,
	}
}

// preferenceOrder lists eligible providers starting with preferred, then
// the conversational and research defaults, then the rest by name.
func (r *Router) preferenceOrder(preferred string) []string {
	rest := make([]string, 0, len(r.providers))
	for name := range r.providers {
		rest = append(rest, name)
	}
	sort.Strings(rest)

	candidates := append([]string{preferred, r.conversational, r.research}, rest...)
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, 2)
	for _, name := range candidates {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if r.eligible(name) {
			out = append(out, name)
		}
	}
	return out
}

func (r *Router) eligible(name string) bool {
	if _, ok := r.providers[name]; !ok {
		return false
	}
	return r.registry.GetStatus(name).State != status.StateOffline
}
