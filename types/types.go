package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Provider  string         `json:"provider,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt,omitempty"`
}

type Request struct {
	Model           string          `json:"model,omitempty"`
	SystemPrompt    string          `json:"systemPrompt,omitempty"`
	Messages        []Message       `json:"messages"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Extra           map[string]any  `json:"extra,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// Citation is a source reference returned by research-capable providers.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Visualization is an optional chart payload attached to a response. The
// data is kept opaque; rendering happens client-side.
type Visualization struct {
	Kind  string          `json:"kind"`
	Title string          `json:"title,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

// Response is what every provider returns. Text is always present; the
// other fields are set only when the provider produced them.
type Response struct {
	Text          string         `json:"text"`
	Model         string         `json:"model,omitempty"`
	Citations     []Citation     `json:"citations,omitempty"`
	Visualization *Visualization `json:"visualization,omitempty"`
	Usage         *Usage         `json:"usage,omitempty"`
}

// LatestUserText returns the content of the last user turn in history.
func LatestUserText(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i].Content
		}
	}
	return ""
}
