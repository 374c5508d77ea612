package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/howardjong/AgentPrice-sub003/llm"
	"github.com/howardjong/AgentPrice-sub003/types"
)

const (
	ProviderName = "claude"

	defaultModel     = "claude-3-7-sonnet-20250219"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Client calls the Anthropic messages API. It is the conversational
// provider and the only one that emits visualization blocks.
type Client struct {
	api   llm.Endpoint
	model string
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if model = strings.TrimSpace(model); model != "" {
			c.model = model
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.api.BaseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.api.Client = h
		}
	}
}

func New(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	c := &Client{
		api:   llm.NewEndpoint(ProviderName, "https://api.anthropic.com", 90*time.Second),
		model: defaultModel,
	}
	c.api.Header.Set("x-api-key", apiKey)
	c.api.Header.Set("anthropic-version", apiVersion)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return ProviderName }

// Model returns the configured default model.
func (c *Client) Model() string { return c.model }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{Conversational: true, Visualization: true}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	body := messagesRequest{Model: c.model, MaxTokens: defaultMaxTokens}
	if req.Model != "" {
		body.Model = req.Model
	}
	if req.MaxOutputTokens > 0 {
		body.MaxTokens = req.MaxOutputTokens
	}
	body.System, body.Messages = splitSystem(req.SystemPrompt, req.Messages)

	var reply messagesResponse
	if err := c.api.PostJSON(ctx, "/v1/messages", body, &reply); err != nil {
		return types.Response{}, err
	}

	text, viz := llm.ExtractVisualization(reply.text())
	out := types.Response{Text: text, Model: reply.Model, Visualization: viz}
	if out.Model == "" {
		out.Model = body.Model
	}
	if in, o := reply.Usage.InputTokens, reply.Usage.OutputTokens; in+o > 0 {
		out.Usage = &types.Usage{InputTokens: in, OutputTokens: o, TotalTokens: in + o}
	}
	return out, nil
}

// splitSystem moves system turns into the top-level system field and drops
// empty user or assistant turns.
func splitSystem(prompt string, history []types.Message) (string, []turn) {
	var system []string
	if strings.TrimSpace(prompt) != "" {
		system = append(system, prompt)
	}
	turns := make([]turn, 0, len(history))
	for _, m := range history {
		switch {
		case m.Role == types.RoleSystem:
			system = append(system, m.Content)
		case strings.TrimSpace(m.Content) == "":
		case m.Role == types.RoleUser || m.Role == types.RoleAssistant:
			turns = append(turns, turn{Role: string(m.Role), Content: []block{{Type: "text", Text: m.Content}}})
		}
	}
	return strings.Join(system, "\n\n"), turns
}

type messagesRequest struct {
	Model     string `json:"model"`
	System    string `json:"system,omitempty"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []turn `json:"messages"`
}

type turn struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	Model   string  `json:"model"`
	Content []block `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (r messagesResponse) text() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
