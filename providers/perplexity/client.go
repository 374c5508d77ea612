package perplexity

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
	ProviderName   = "perplexity"
	defaultModel   = "sonar-pro"
	defaultBaseURL = "https://api.perplexity.ai"
)

// Client calls Perplexity's chat completions API, the research provider
// that returns web citations.
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
		return nil, fmt.Errorf("PERPLEXITY_API_KEY is required")
	}
	c := &Client{
		api:   llm.NewEndpoint(ProviderName, defaultBaseURL, 120*time.Second),
		model: defaultModel,
	}
	c.api.Header.Set("Authorization", "Bearer "+apiKey)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return ProviderName }

// Model returns the configured default model.
func (c *Client) Model() string { return c.model }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{Research: true}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	body := chatRequest{
		Model:     c.model,
		Messages:  toChatMessages(req.SystemPrompt, req.Messages),
		MaxTokens: max(req.MaxOutputTokens, 0),
	}
	if req.Model != "" {
		body.Model = req.Model
	}
	if recency, _ := req.Extra["searchRecency"].(string); recency != "" {
		body.SearchRecencyFilter = recency
	}

	var reply chatResponse
	if err := c.api.PostJSON(ctx, "/chat/completions", body, &reply); err != nil {
		return types.Response{}, err
	}
	if len(reply.Choices) == 0 {
		return types.Response{}, fmt.Errorf("perplexity response had no choices")
	}

	out := types.Response{
		Text:      strings.TrimSpace(reply.Choices[0].Message.Content),
		Model:     reply.Model,
		Citations: collectCitations(reply),
	}
	if out.Model == "" {
		out.Model = body.Model
	}
	if u := reply.Usage; u.TotalTokens > 0 {
		out.Usage = &types.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	return out, nil
}

// collectCitations merges search_results (which carry titles) with the bare
// citations list, keeping first-seen order and dropping duplicates.
func collectCitations(resp chatResponse) []types.Citation {
	seen := make(map[string]struct{}, len(resp.Citations)+len(resp.SearchResults))
	out := make([]types.Citation, 0, len(resp.Citations)+len(resp.SearchResults))
	for _, sr := range resp.SearchResults {
		if sr.URL == "" {
			continue
		}
		if _, ok := seen[sr.URL]; ok {
			continue
		}
		seen[sr.URL] = struct{}{}
		out = append(out, types.Citation{URL: sr.URL, Title: sr.Title})
	}
	for _, url := range resp.Citations {
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, types.Citation{URL: url})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// toChatMessages folds consecutive same-role turns together; the API
// rejects histories that do not alternate user and assistant.
func toChatMessages(systemPrompt string, in []types.Message) []chatMessage {
	msgs := make([]chatMessage, 0, len(in)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range in {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := string(m.Role)
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n\n" + m.Content
			continue
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Content})
	}
	return msgs
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	SearchRecencyFilter string        `json:"search_recency_filter,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Citations     []string `json:"citations"`
	SearchResults []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"search_results"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
