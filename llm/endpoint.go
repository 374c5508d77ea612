package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Endpoint is a provider's JSON-over-HTTP API. Failures come back as
// classified *Error values so the router can decide on failover.
type Endpoint struct {
	Provider string
	BaseURL  string
	Header   http.Header
	Client   *http.Client
}

// NewEndpoint returns an Endpoint with its own client and request timeout.
func NewEndpoint(provider, baseURL string, timeout time.Duration) Endpoint {
	return Endpoint{
		Provider: provider,
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Client:   &http.Client{Timeout: timeout},
	}
}

// PostJSON sends in to BaseURL+path and decodes a 2xx body into out.
func (e Endpoint) PostJSON(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", e.Provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", e.Provider, err)
	}
	for k, vs := range e.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return NewTransportError(e.Provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewTransportError(e.Provider, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewStatusError(e.Provider, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", e.Provider, err)
	}
	return nil
}
