package status

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/howardjong/AgentPrice-sub003/llm"
)

func fixedClock() func() time.Time {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestGetStatus_UnknownProviderIsOffline(t *testing.T) {
	r := NewRegistry()
	r.Register("claude", "claude-3-7", true)
	for _, o := range []Outcome{OutcomeSuccess, OutcomeServerError, OutcomeRateLimited, OutcomeAuthError} {
		r.RecordOutcome("claude", o)
		st := r.GetStatus("mistral")
		if st.State != StateOffline || st.Name != "mistral" {
			t.Fatalf("expected synthetic offline status, got %+v", st)
		}
	}
}

func TestRegister_CredentialPresence(t *testing.T) {
	r := NewRegistry(WithClock(fixedClock()))
	if st := r.Register("Claude", "m", true); st.State != StateConnected || st.Name != "claude" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st := r.Register("perplexity", "", false); st.State != StateOffline {
		t.Fatalf("expected offline without credential, got %+v", st)
	}
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Name != "claude" || snap[1].Name != "perplexity" {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}
}

func TestRecordOutcome_Mapping(t *testing.T) {
	cases := []struct {
		outcome Outcome
		want    State
	}{
		{OutcomeRateLimited, StateThrottled},
		{OutcomeServerError, StateDegraded},
		{OutcomeAuthError, StateOffline},
		{OutcomeSuccess, StateConnected},
	}
	for _, tc := range cases {
		r := NewRegistry()
		r.Register("claude", "", true)
		if got := r.RecordOutcome("claude", tc.outcome).State; got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.outcome, tc.want, got)
		}
	}
}

func TestRecordOutcome_RecoveryThreshold(t *testing.T) {
	r := NewRegistry(WithRecoveryThreshold(3))
	r.Register("perplexity", "", true)
	r.RecordOutcome("perplexity", OutcomeServerError)

	want := []State{StateRecovering, StateRecovering, StateConnected}
	for i, w := range want {
		if got := r.RecordOutcome("perplexity", OutcomeSuccess).State; got != w {
			t.Fatalf("success %d: expected %s, got %s", i+1, w, got)
		}
	}

	r.RecordOutcome("perplexity", OutcomeServerError)
	r.RecordOutcome("perplexity", OutcomeSuccess)
	r.RecordOutcome("perplexity", OutcomeServerError)
	if got := r.RecordOutcome("perplexity", OutcomeSuccess); got.State != StateRecovering || got.ConsecutiveSuccesses != 1 {
		t.Fatalf("expected failure to reset the success streak, got %+v", got)
	}
}

func TestRecordOutcome_RequestErrorKeepsState(t *testing.T) {
	r := NewRegistry()
	r.Register("claude", "", true)
	r.RecordOutcome("claude", OutcomeServerError)
	if got := r.RecordOutcome("claude", OutcomeRequestError); got.State != StateDegraded {
		t.Fatalf("expected state unchanged, got %s", got.State)
	}
}

func TestOnChange_FiresOnlyOnStateChange(t *testing.T) {
	r := NewRegistry()
	r.Register("claude", "", true)

	var mu sync.Mutex
	var changes []string
	r.OnChange(func(prev, next ProviderStatus) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, fmt.Sprintf("%s->%s", prev.State, next.State))
	})

	r.RecordOutcome("claude", OutcomeSuccess)
	r.RecordOutcome("claude", OutcomeRateLimited)
	r.RecordOutcome("claude", OutcomeRateLimited)
	r.RecordOutcome("claude", OutcomeSuccess)

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[0] != "connected->throttled" || changes[1] != "throttled->connected" {
		t.Fatalf("unexpected changes: %#v", changes)
	}
}

func TestOutcomeFor(t *testing.T) {
	cases := map[Outcome]error{
		OutcomeSuccess:      nil,
		OutcomeRateLimited:  llm.NewStatusError("p", 429, ""),
		OutcomeServerError:  fmt.Errorf("wrapped: %w", llm.NewStatusError("p", 502, "")),
		OutcomeAuthError:    llm.NewStatusError("p", 401, ""),
		OutcomeRequestError: errors.New("bad request body"),
	}
	for want, err := range cases {
		if got := OutcomeFor(err); got != want {
			t.Fatalf("OutcomeFor(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestRegistry_ConcurrentRecord(t *testing.T) {
	r := NewRegistry()
	r.Register("claude", "", true)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				r.RecordOutcome("claude", OutcomeSuccess)
			} else {
				_ = r.GetStatus("claude")
			}
		}(i)
	}
	wg.Wait()
	if got := r.GetStatus("claude").State; got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
}
