package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/howardjong/AgentPrice-sub003/health"
	cronpkg "github.com/howardjong/AgentPrice-sub003/runtime/cron"
	"github.com/howardjong/AgentPrice-sub003/state"
)

const watchInterval = 2 * time.Second

// apiClient talks to a running agentprice server.
type apiClient struct {
	base string
	http *http.Client
	out  io.Writer
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		base: baseURL(addr),
		http: &http.Client{Timeout: 30 * time.Second},
		out:  os.Stdout,
	}
}

// do sends body as JSON and decodes the response into out. Error responses
// surface the server's message. okStatus lists additional non-2xx codes
// whose body should still be decoded.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any, okStatus ...int) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is the server running at %s?): %w", c.base, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	accepted := resp.StatusCode < 400
	for _, code := range okStatus {
		if resp.StatusCode == code {
			accepted = true
		}
	}
	if !accepted {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

type jobEnvelope struct {
	Job state.ResearchJob `json:"job"`
}

func runSubmit(ctx context.Context, args []string) error {
	opts, rest := parseArgs(args)
	query := normalizeInput(rest)
	if query == "" {
		return fmt.Errorf("usage: submit [--priority=high] [--model=NAME] [--clarify] [--watch] -- \"research query\"")
	}
	options := map[string]any{}
	if opts.priority != "" {
		options["priority"] = opts.priority
	}
	if opts.model != "" {
		options["model"] = opts.model
	}
	if opts.clarify {
		options["generateClarifyingQuestions"] = true
	}

	client := newAPIClient(opts.addr)
	var env jobEnvelope
	if err := client.do(ctx, http.MethodPost, "/api/research", map[string]any{"query": query, "options": options}, &env); err != nil {
		return err
	}
	fmt.Fprintf(client.out, "submitted job %s (%s)\n", env.Job.ID, env.Job.Options.Priority)
	if !opts.watch {
		return nil
	}
	return client.watch(ctx, env.Job.ID)
}

func runStatus(ctx context.Context, args []string) error {
	opts, rest := parseArgs(args)
	client := newAPIClient(opts.addr)
	if len(rest) == 0 {
		path := "/api/research"
		if opts.limit > 0 {
			path += fmt.Sprintf("?limit=%d", opts.limit)
		}
		var list struct {
			Jobs []state.ResearchJob `json:"jobs"`
		}
		if err := client.do(ctx, http.MethodGet, path, nil, &list); err != nil {
			return err
		}
		if len(list.Jobs) == 0 {
			fmt.Fprintln(client.out, "No research jobs.")
			return nil
		}
		fmt.Fprintf(client.out, "%-36s %-10s %-8s %-5s %s\n", "ID", "STATUS", "PRIORITY", "PROG", "QUERY")
		for _, j := range list.Jobs {
			fmt.Fprintf(client.out, "%-36s %-10s %-8s %-5d %s\n", j.ID, j.Status, j.Options.Priority, j.Progress, truncate(j.Query, 60))
		}
		return nil
	}
	if opts.watch {
		return client.watch(ctx, rest[0])
	}
	var env jobEnvelope
	if err := client.do(ctx, http.MethodGet, "/api/research/"+rest[0], nil, &env); err != nil {
		return err
	}
	return printJSON(client.out, env.Job)
}

// watch polls a job until it reaches a terminal status.
func (c *apiClient) watch(ctx context.Context, jobID string) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	last := ""
	for {
		var env jobEnvelope
		if err := c.do(ctx, http.MethodGet, "/api/research/"+jobID, nil, &env); err != nil {
			return err
		}
		line := fmt.Sprintf("%s %d%%", env.Job.Status, env.Job.Progress)
		if n := len(env.Job.Stages); n > 0 {
			line += " after " + env.Job.Stages[n-1].Name
		}
		if line != last {
			fmt.Fprintln(c.out, line)
			last = line
		}
		if env.Job.Status.Terminal() {
			if env.Job.Status == state.StatusFailed {
				return fmt.Errorf("job %s failed: %s", jobID, env.Job.Error)
			}
			return printJSON(c.out, env.Job.Result)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runHealth(ctx context.Context, args []string) error {
	opts, _ := parseArgs(args)
	client := newAPIClient(opts.addr)
	var report health.Report
	if err := client.do(ctx, http.MethodGet, "/api/health", nil, &report, http.StatusServiceUnavailable); err != nil {
		return err
	}
	fmt.Fprintf(client.out, "status: %s (score %d)\n", report.OverallStatus, report.CompositeScore)
	fmt.Fprintf(client.out, "memory: %.1f%% healthy=%t\n", report.Memory.UsagePercent, report.Memory.Healthy)
	fmt.Fprintf(client.out, "filesystem ready: %t\n", report.FilesystemReady)
	for name, st := range report.ProviderStates {
		fmt.Fprintf(client.out, "provider %-12s %s\n", name, st)
	}
	if report.OverallStatus == health.StatusCritical {
		return fmt.Errorf("service health is critical")
	}
	return nil
}

func runTasks(ctx context.Context, args []string) error {
	opts, rest := parseArgs(args)
	if len(rest) == 0 {
		printTasksUsage()
		return fmt.Errorf("missing tasks command")
	}
	client := newAPIClient(opts.addr)
	switch rest[0] {
	case "list", "ls":
		var resp struct {
			Tasks []cronpkg.Task `json:"tasks"`
		}
		if err := client.do(ctx, http.MethodGet, "/api/maintenance/tasks", nil, &resp); err != nil {
			return err
		}
		if len(resp.Tasks) == 0 {
			fmt.Fprintln(client.out, "No maintenance tasks.")
			return nil
		}
		fmt.Fprintf(client.out, "%-20s %-15s %-8s %-5s %s\n", "NAME", "SCHEDULE", "ENABLED", "RUNS", "LAST RUN")
		for _, t := range resp.Tasks {
			enabled := "yes"
			if !t.Enabled {
				enabled = "no"
			}
			lastRun := "never"
			if !t.LastRun.IsZero() {
				lastRun = t.LastRun.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(client.out, "%-20s %-15s %-8s %-5d %s\n", t.Name, t.Schedule, enabled, t.RunCount, lastRun)
		}
		return nil
	case "get":
		if len(rest) < 2 {
			return fmt.Errorf("usage: tasks get <name>")
		}
		var resp map[string]any
		if err := client.do(ctx, http.MethodGet, "/api/maintenance/tasks/"+rest[1], nil, &resp); err != nil {
			return err
		}
		delete(resp, "success")
		return printJSON(client.out, resp)
	case "trigger":
		if len(rest) < 2 {
			return fmt.Errorf("usage: tasks trigger <name>")
		}
		var resp struct {
			Output string `json:"output"`
		}
		if err := client.do(ctx, http.MethodPost, "/api/maintenance/tasks/"+rest[1]+"/trigger", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(client.out, "task %q triggered: %s\n", rest[1], resp.Output)
		return nil
	default:
		printTasksUsage()
		return fmt.Errorf("unknown tasks command %q", rest[0])
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
