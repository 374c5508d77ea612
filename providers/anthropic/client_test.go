package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/howardjong/AgentPrice-sub003/llm"
	"github.com/howardjong/AgentPrice-sub003/types"
)

func TestClientGenerate_MessagesRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected x-api-key header")
		}
		var req struct {
			Model    string `json:"model"`
			System   string `json:"system"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.System != "base\n\nextra context" {
			t.Errorf("unexpected system prompt: %q", req.System)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "user" || req.Messages[1].Role != "assistant" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "claude-3-7-sonnet-20250219",
			"content": [{"type": "text", "text": "Pricing at $20 looks sound."}],
			"usage": {"input_tokens": 12, "output_tokens": 6}
		}`))
	}))
	defer ts.Close()

	client, err := New("test-key", WithBaseURL(ts.URL), WithHTTPClient(ts.Client()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	resp, err := client.Generate(context.Background(), types.Request{
		SystemPrompt: "base",
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "extra context"},
			{Role: types.RoleUser, Content: "hello"},
			{Role: types.RoleAssistant, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Text != "Pricing at $20 looks sound." {
		t.Fatalf("unexpected text: %q", resp.Text)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 18 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestClientGenerate_ClassifiesErrors(t *testing.T) {
	cases := map[int]llm.Class{
		http.StatusUnauthorized:       llm.ClassAuthError,
		http.StatusServiceUnavailable: llm.ClassServerError,
		http.StatusTooManyRequests:    llm.ClassRateLimited,
		http.StatusBadRequest:         llm.ClassOther,
	}
	for code, want := range cases {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		client, err := New("test-key", WithBaseURL(ts.URL), WithHTTPClient(ts.Client()))
		if err != nil {
			ts.Close()
			t.Fatalf("New failed: %v", err)
		}
		_, err = client.Generate(context.Background(), types.Request{
			Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		})
		ts.Close()
		if got := llm.ClassOf(err); got != want {
			t.Fatalf("status %d: expected %q, got %q (err=%v)", code, want, got, err)
		}
	}
}
