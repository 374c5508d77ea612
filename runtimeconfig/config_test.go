package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentprice.yaml")
	content := `
providers:
  research: Perplexity
  timeout: 45s
  models:
    claude: claude-3-opus
realtime:
  reconnectGrace: 30s
queue:
  backend: redis
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Providers.Research != "perplexity" {
		t.Fatalf("unexpected research provider: %q", cfg.Providers.Research)
	}
	if cfg.Providers.Timeout != 45*time.Second {
		t.Fatalf("unexpected timeout: %s", cfg.Providers.Timeout)
	}
	if cfg.Providers.Models["claude"] != "claude-3-opus" {
		t.Fatalf("unexpected models: %#v", cfg.Providers.Models)
	}
	if cfg.Realtime.ReconnectGrace != 30*time.Second {
		t.Fatalf("unexpected grace: %s", cfg.Realtime.ReconnectGrace)
	}
	if cfg.Realtime.IdleTimeout != 30*time.Minute {
		t.Fatalf("expected default idle timeout, got %s", cfg.Realtime.IdleTimeout)
	}
	if cfg.Queue.Backend != "redis" {
		t.Fatalf("unexpected queue backend: %q", cfg.Queue.Backend)
	}
	if cfg.Providers.Conversational != "claude" {
		t.Fatalf("expected default conversational provider, got %q", cfg.Providers.Conversational)
	}
}

func TestLoad_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentprice.json")
	content := `{"http":{"addr":":8080"},"store":{"backend":"hybrid"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Store.Backend != "hybrid" {
		t.Fatalf("unexpected config: %+v %+v", cfg.HTTP, cfg.Store)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("queue:\n  backend: kafka\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("AGENTPRICE_PROVIDER_TIMEOUT", "5s")
	t.Setenv("AGENTPRICE_REQUIRED_PROVIDERS", "Claude")
	t.Setenv("AGENTPRICE_PERPLEXITY_MODEL", "sonar-deep-research")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg := ApplyEnv(Default())
	if cfg.Providers.Timeout != 5*time.Second {
		t.Fatalf("unexpected timeout: %s", cfg.Providers.Timeout)
	}
	if len(cfg.Providers.Required) != 1 || cfg.Providers.Required[0] != "claude" {
		t.Fatalf("unexpected required: %#v", cfg.Providers.Required)
	}
	if cfg.Providers.Models["perplexity"] != "sonar-deep-research" {
		t.Fatalf("unexpected models: %#v", cfg.Providers.Models)
	}
	if cfg.Queue.RedisAddr != "redis:6379" || cfg.Store.RedisAddr != "redis:6379" {
		t.Fatalf("expected REDIS_ADDR fallback, got %q / %q", cfg.Queue.RedisAddr, cfg.Store.RedisAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestApplyEnv_LedgerRetention(t *testing.T) {
	if d := Default().Research; d.LedgerRetention != 7*24*time.Hour || d.PruneSchedule != "@daily" {
		t.Fatalf("unexpected ledger defaults: %s %q", d.LedgerRetention, d.PruneSchedule)
	}
	t.Setenv("AGENTPRICE_LEDGER_RETENTION", "48h")
	t.Setenv("AGENTPRICE_PRUNE_SCHEDULE", "@every 6h")
	cfg := ApplyEnv(Default())
	if cfg.Research.LedgerRetention != 48*time.Hour || cfg.Research.PruneSchedule != "@every 6h" {
		t.Fatalf("env not applied: %s %q", cfg.Research.LedgerRetention, cfg.Research.PruneSchedule)
	}
}

func TestApplyEnv_WorkerTuning(t *testing.T) {
	if d := Default(); d.Queue.VisibilityTimeout != 5*time.Minute || d.Research.MaxOutputTokens != 0 || d.Providers.HeuristicsFile != "" {
		t.Fatalf("unexpected defaults: %s %d %q", d.Queue.VisibilityTimeout, d.Research.MaxOutputTokens, d.Providers.HeuristicsFile)
	}
	t.Setenv("AGENTPRICE_QUEUE_VISIBILITY", "90s")
	t.Setenv("AGENTPRICE_MAX_OUTPUT_TOKENS", "2048")
	t.Setenv("AGENTPRICE_HEURISTICS_FILE", " ./rules.yaml ")
	cfg := ApplyEnv(Default())
	if cfg.Queue.VisibilityTimeout != 90*time.Second {
		t.Fatalf("unexpected visibility: %s", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Research.MaxOutputTokens != 2048 {
		t.Fatalf("unexpected max output tokens: %d", cfg.Research.MaxOutputTokens)
	}
	if cfg.Providers.HeuristicsFile != "./rules.yaml" {
		t.Fatalf("unexpected heuristics file: %q", cfg.Providers.HeuristicsFile)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidate_HeartbeatMustBeatVisibility(t *testing.T) {
	cfg := Default()
	cfg.Queue.VisibilityTimeout = 5 * time.Second
	cfg.Research.HeartbeatInterval = 5 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when claims expire before renewal")
	}
	cfg.Research.HeartbeatInterval = time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	cfg.Research.MaxOutputTokens = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative max output tokens")
	}
}
