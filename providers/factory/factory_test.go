package factory

import (
	"context"
	"testing"

	"github.com/howardjong/AgentPrice-sub003/runtimeconfig"
)

func TestFromEnv_BuildsCredentialedProviders(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-anthropic-key")
	t.Setenv("PERPLEXITY_API_KEY", "test-perplexity-key")
	t.Setenv("GEMINI_API_KEY", "")

	cfg := runtimeconfig.Default().Providers
	cfg.Models = map[string]string{"perplexity": "sonar-deep-research"}

	set, err := FromEnv(context.Background(), cfg)
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if len(set.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(set.Providers))
	}
	if !set.Credentials["claude"] || !set.Credentials["perplexity"] || set.Credentials["gemini"] {
		t.Fatalf("unexpected credentials: %#v", set.Credentials)
	}
	if set.Models["perplexity"] != "sonar-deep-research" {
		t.Fatalf("unexpected model: %q", set.Models["perplexity"])
	}
	if set.Models["claude"] == "" {
		t.Fatalf("expected default claude model")
	}
	if _, ok := set.Lookup("claude"); !ok {
		t.Fatalf("expected claude provider")
	}
	names := set.Names()
	if len(names) != 3 || names[0] != "claude" || names[1] != "gemini" || names[2] != "perplexity" {
		t.Fatalf("unexpected names: %#v", names)
	}
}

func TestFromEnv_NoCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("PERPLEXITY_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	set, err := FromEnv(context.Background(), runtimeconfig.Default().Providers)
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if len(set.Providers) != 0 {
		t.Fatalf("expected no providers, got %d", len(set.Providers))
	}
	if len(set.Credentials) != 3 {
		t.Fatalf("expected every known provider recorded, got %#v", set.Credentials)
	}
}
