package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseArgs(t *testing.T) {
	opts, rest := parseArgs([]string{"--addr=10.0.0.1:9000", "--priority=high", "--clarify", "--workers=3", "--", "what", "do", "rivals", "charge"})
	if opts.addr != "10.0.0.1:9000" || opts.priority != "high" || !opts.clarify || opts.workers != 3 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if got := normalizeInput(rest); got != "what do rivals charge" {
		t.Fatalf("unexpected query %q", got)
	}
	if opts, _ := parseArgs([]string{"--workers=x"}); opts.workers != -1 {
		t.Fatalf("bad worker count should fall back, got %d", opts.workers)
	}
}

func TestBaseURL(t *testing.T) {
	if got := baseURL("127.0.0.1:5000"); got != "http://127.0.0.1:5000" {
		t.Fatalf("unexpected base url %q", got)
	}
	if got := baseURL("https://api.example.com/"); got != "https://api.example.com" {
		t.Fatalf("unexpected base url %q", got)
	}
}

func TestLoadConfig_EnvFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("AGENTPRICE_QUEUE_BACKEND=redis\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv never overrides a variable that is already set.
	t.Setenv("AGENTPRICE_QUEUE_BACKEND", "")
	os.Unsetenv("AGENTPRICE_QUEUE_BACKEND")

	cfg, err := loadConfig(cliOptions{envFile: envFile, addr: "0.0.0.0:8080", workers: 4})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Queue.Backend != "redis" || cfg.HTTP.Addr != "0.0.0.0:8080" || cfg.Research.Workers != 4 {
		t.Fatalf("unexpected config: queue=%s addr=%s workers=%d", cfg.Queue.Backend, cfg.HTTP.Addr, cfg.Research.Workers)
	}

	if _, err := loadConfig(cliOptions{envFile: filepath.Join(dir, "missing.env"), workers: -1}); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestAPIClient_SubmitAndTasks(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/research", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"success":true,"job":{"id":"job-1","status":"queued","options":{"priority":"high"}}}`))
	})
	mux.HandleFunc("/api/maintenance/tasks/realtime-sweep/trigger", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"output":"purged 2 sessions"}`))
	})
	mux.HandleFunc("/api/maintenance/tasks/missing/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"message":"task \"missing\" not found"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	var out bytes.Buffer
	client := newAPIClient(ts.URL)
	client.out = &out
	var env jobEnvelope
	body := map[string]any{"query": "widget pricing", "options": map[string]any{"priority": "high"}}
	if err := client.do(context.Background(), http.MethodPost, "/api/research", body, &env); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if env.Job.ID != "job-1" {
		t.Fatalf("unexpected job %+v", env.Job)
	}
	want := map[string]any{"query": "widget pricing", "options": map[string]any{"priority": "high"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("request body mismatch (-want +got):\n%s", diff)
	}

	var trig struct {
		Output string `json:"output"`
	}
	if err := client.do(context.Background(), http.MethodPost, "/api/maintenance/tasks/realtime-sweep/trigger", nil, &trig); err != nil || trig.Output != "purged 2 sessions" {
		t.Fatalf("trigger: %v %+v", err, trig)
	}
	err := client.do(context.Background(), http.MethodPost, "/api/maintenance/tasks/missing/trigger", nil, nil)
	if err == nil || !strings.Contains(err.Error(), `task "missing" not found`) {
		t.Fatalf("expected server message in error, got %v", err)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	if code := Run(context.Background(), []string{"bogus"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if code := Run(context.Background(), []string{"help"}); code != 0 {
		t.Fatalf("expected exit 0 for help, got %d", code)
	}
}
