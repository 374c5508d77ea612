package router

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNeedsLiveInfo(t *testing.T) {
	h := DefaultHeuristics()
	cases := map[string]bool{
		"What's the latest on EV battery prices?":          true,
		"price sensitivity for $20 widget":                 true,
		"How much does a Netflix subscription cost?":       true,
		"Summarize pricing changes in 2024":                true,
		"Write a haiku about autumn":                       false,
		"Explain concurrency in Go":                        false,
		"The currentvalue variable is wrong in my snippet": false,
	}
	for text, want := range cases {
		got, rule := h.NeedsLiveInfo(text)
		if got != want {
			t.Fatalf("NeedsLiveInfo(%q) = %v (rule %q), want %v", text, got, rule, want)
		}
	}
}

func TestLoadHeuristics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := "keywords:\n  - stock ticker\npatterns:\n  - '\\bq[1-4] earnings\\b'\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	h, err := LoadHeuristics(path)
	if err != nil {
		t.Fatalf("LoadHeuristics failed: %v", err)
	}
	if ok, _ := h.NeedsLiveInfo("check the stock ticker"); !ok {
		t.Fatalf("expected keyword match")
	}
	if ok, _ := h.NeedsLiveInfo("Q3 earnings for ACME"); !ok {
		t.Fatalf("expected pattern match")
	}
	if ok, _ := h.NeedsLiveInfo("latest news"); ok {
		t.Fatalf("expected defaults to be replaced by the file")
	}
	if _, err := NewHeuristics(HeuristicsConfig{Patterns: []string{"("}}); err == nil {
		t.Fatalf("expected invalid pattern error")
	}
}
