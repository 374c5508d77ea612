package status

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/howardjong/AgentPrice-sub003/llm"
)

type State string

const (
	StateConnected  State = "connected"
	StateDegraded   State = "degraded"
	StateRecovering State = "recovering"
	StateThrottled  State = "throttled"
	StateOffline    State = "offline"
)

// Rank orders states from worst to best.
func (s State) Rank() int {
	switch s {
	case StateConnected:
		return 4
	case StateRecovering:
		return 3
	case StateDegraded:
		return 2
	case StateThrottled:
		return 1
	default:
		return 0
	}
}

type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rateLimited"
	OutcomeServerError Outcome = "serverError"
	OutcomeAuthError   Outcome = "authError"
	// OutcomeRequestError is a failure caused by the request itself. It says
	// nothing about provider health and leaves the state unchanged.
	OutcomeRequestError Outcome = "requestError"
)

// OutcomeFor maps a provider call result onto an Outcome.
func OutcomeFor(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	switch llm.ClassOf(err) {
	case llm.ClassRateLimited:
		return OutcomeRateLimited
	case llm.ClassServerError:
		return OutcomeServerError
	case llm.ClassAuthError:
		return OutcomeAuthError
	default:
		return OutcomeRequestError
	}
}

const DefaultRecoveryThreshold = 3

type ProviderStatus struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ModelVersion         string    `json:"modelVersion,omitempty"`
	LastUpdated          time.Time `json:"lastUpdated"`
	LastOutcome          Outcome   `json:"lastOutcome,omitempty"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
}

// Listener is notified after a provider's state changes.
type Listener func(prev, next ProviderStatus)

// Registry holds the live state of every upstream provider. Each key is
// written last-writer-wins; there are no cross-provider transactions.
type Registry struct {
	mu                sync.RWMutex
	providers         map[string]ProviderStatus
	listeners         []Listener
	recoveryThreshold int
	now               func() time.Time
}

type Option func(*Registry)

func WithRecoveryThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.recoveryThreshold = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		providers:         make(map[string]ProviderStatus),
		recoveryThreshold: DefaultRecoveryThreshold,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register seeds a provider. A present credential starts it connected,
// otherwise offline.
func (r *Registry) Register(name, modelVersion string, credentialPresent bool) ProviderStatus {
	name = normalizeName(name)
	st := ProviderStatus{
		Name:         name,
		State:        StateOffline,
		ModelVersion: modelVersion,
		LastUpdated:  r.now(),
	}
	if credentialPresent {
		st.State = StateConnected
	}
	r.mu.Lock()
	prev, existed := r.providers[name]
	r.providers[name] = st
	listeners := r.listeners
	r.mu.Unlock()

	if existed && prev.State != st.State {
		notify(listeners, prev, st)
	}
	return st
}

// RecordOutcome applies the result of a call attempt and returns the new
// status. Unknown providers are created on first record.
func (r *Registry) RecordOutcome(name string, outcome Outcome) ProviderStatus {
	name = normalizeName(name)
	r.mu.Lock()
	prev, ok := r.providers[name]
	if !ok {
		prev = ProviderStatus{Name: name, State: StateOffline}
	}
	next := Transition(prev, outcome, r.recoveryThreshold)
	next.LastUpdated = r.now()
	r.providers[name] = next
	listeners := r.listeners
	r.mu.Unlock()

	if prev.State != next.State {
		notify(listeners, prev, next)
	}
	return next
}

// GetStatus never blocks on I/O and never fails. Unknown providers report
// a synthetic offline status.
func (r *Registry) GetStatus(name string) ProviderStatus {
	name = normalizeName(name)
	r.mu.RLock()
	st, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return ProviderStatus{Name: name, State: StateOffline}
	}
	return st
}

// Snapshot returns every registered provider sorted by name.
func (r *Registry) Snapshot() []ProviderStatus {
	r.mu.RLock()
	out := make([]ProviderStatus, 0, len(r.providers))
	for _, st := range r.providers {
		out = append(out, st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) OnChange(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	listeners := make([]Listener, len(r.listeners), len(r.listeners)+1)
	copy(listeners, r.listeners)
	r.listeners = append(listeners, l)
}

// Transition is the fixed outcome-to-state mapping. Success from degraded
// or recovering passes through recovering until threshold consecutive
// successes have been seen.
func Transition(cur ProviderStatus, outcome Outcome, threshold int) ProviderStatus {
	if threshold < 1 {
		threshold = 1
	}
	next := cur
	next.LastOutcome = outcome
	switch outcome {
	case OutcomeSuccess:
		next.ConsecutiveSuccesses = cur.ConsecutiveSuccesses + 1
		switch cur.State {
		case StateDegraded, StateRecovering:
			if next.ConsecutiveSuccesses >= threshold {
				next.State = StateConnected
			} else {
				next.State = StateRecovering
			}
		default:
			next.State = StateConnected
		}
	case OutcomeRateLimited:
		next.State = StateThrottled
		next.ConsecutiveSuccesses = 0
	case OutcomeServerError:
		next.State = StateDegraded
		next.ConsecutiveSuccesses = 0
	case OutcomeAuthError:
		next.State = StateOffline
		next.ConsecutiveSuccesses = 0
	}
	return next
}

func notify(listeners []Listener, prev, next ProviderStatus) {
	for _, l := range listeners {
		l(prev, next)
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
