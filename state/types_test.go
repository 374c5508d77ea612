package state

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := map[[2]JobStatus]bool{
		{StatusQueued, StatusProcessing}:     true,
		{StatusQueued, StatusFailed}:         true,
		{StatusProcessing, StatusProcessing}: true,
		{StatusProcessing, StatusCompleted}:  true,
		{StatusProcessing, StatusFailed}:     true,
	}
	all := []JobStatus{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]JobStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestParsePriority(t *testing.T) {
	for raw, want := range map[string]Priority{"": PriorityNormal, "HIGH": PriorityHigh, " low ": PriorityLow} {
		got, err := ParsePriority(raw)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatalf("expected error for unknown priority")
	}
}

func TestValidateTerminalInvariant(t *testing.T) {
	cases := []struct {
		name string
		job  ResearchJob
		ok   bool
	}{
		{"queued", ResearchJob{ID: "a", Status: StatusQueued}, true},
		{"completed with result", ResearchJob{ID: "a", Status: StatusCompleted, Progress: 100, Result: &JobResult{Report: "r"}}, true},
		{"completed without result", ResearchJob{ID: "a", Status: StatusCompleted}, false},
		{"completed with error", ResearchJob{ID: "a", Status: StatusCompleted, Result: &JobResult{}, Error: "x"}, false},
		{"failed with error", ResearchJob{ID: "a", Status: StatusFailed, Error: "boom"}, true},
		{"failed with result", ResearchJob{ID: "a", Status: StatusFailed, Error: "boom", Result: &JobResult{}}, false},
		{"processing with result", ResearchJob{ID: "a", Status: StatusProcessing, Result: &JobResult{}}, false},
		{"bad progress", ResearchJob{ID: "a", Status: StatusQueued, Progress: 101}, false},
		{"missing id", ResearchJob{Status: StatusQueued}, false},
	}
	for _, tc := range cases {
		err := tc.job.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestStageLookup(t *testing.T) {
	job := ResearchJob{Stages: []StageRecord{{Name: "research", Provider: "perplexity"}}}
	if s, ok := job.Stage("research"); !ok || s.Provider != "perplexity" {
		t.Fatalf("expected research checkpoint, got %+v %v", s, ok)
	}
	if _, ok := job.Stage("synthesize"); ok {
		t.Fatalf("unexpected synthesize checkpoint")
	}
}
