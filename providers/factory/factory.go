package factory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/howardjong/AgentPrice-sub003/llm"
	anthropicprov "github.com/howardjong/AgentPrice-sub003/providers/anthropic"
	geminiprov "github.com/howardjong/AgentPrice-sub003/providers/gemini"
	perplexityprov "github.com/howardjong/AgentPrice-sub003/providers/perplexity"
	"github.com/howardjong/AgentPrice-sub003/runtimeconfig"
)

// credentialEnv names the environment variable holding each provider's key.
var credentialEnv = map[string]string{
	anthropicprov.ProviderName:  "ANTHROPIC_API_KEY",
	perplexityprov.ProviderName: "PERPLEXITY_API_KEY",
	geminiprov.ProviderName:     "GEMINI_API_KEY",
}

// Set is the outcome of building providers from the environment.
// Providers holds a client for every provider with a credential;
// Credentials records presence for every known provider, built or not.
type Set struct {
	Providers   []llm.Provider
	Credentials map[string]bool
	Models      map[string]string
}

// Names returns every known provider name in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s.Credentials))
	for name := range s.Credentials {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the built provider with the given name.
func (s Set) Lookup(name string) (llm.Provider, bool) {
	for _, p := range s.Providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// FromEnv builds a client for each provider whose API key is set. A
// missing key is not an error; the provider is recorded as uncredentialed.
func FromEnv(ctx context.Context, cfg runtimeconfig.ProvidersConfig) (Set, error) {
	set := Set{
		Credentials: make(map[string]bool, len(credentialEnv)),
		Models:      make(map[string]string, len(credentialEnv)),
	}

	if key := strings.TrimSpace(os.Getenv(credentialEnv[anthropicprov.ProviderName])); key != "" {
		opts := []anthropicprov.Option{anthropicprov.WithModel(cfg.Models[anthropicprov.ProviderName])}
		if baseURL := strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")); baseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(baseURL))
		}
		client, err := anthropicprov.New(key, opts...)
		if err != nil {
			return Set{}, err
		}
		set.add(client, client.Model())
	} else {
		set.Credentials[anthropicprov.ProviderName] = false
	}

	if key := strings.TrimSpace(os.Getenv(credentialEnv[perplexityprov.ProviderName])); key != "" {
		opts := []perplexityprov.Option{perplexityprov.WithModel(cfg.Models[perplexityprov.ProviderName])}
		if baseURL := strings.TrimSpace(os.Getenv("PERPLEXITY_BASE_URL")); baseURL != "" {
			opts = append(opts, perplexityprov.WithBaseURL(baseURL))
		}
		client, err := perplexityprov.New(key, opts...)
		if err != nil {
			return Set{}, err
		}
		set.add(client, client.Model())
	} else {
		set.Credentials[perplexityprov.ProviderName] = false
	}

	if key := strings.TrimSpace(os.Getenv(credentialEnv[geminiprov.ProviderName])); key != "" {
		client, err := geminiprov.New(ctx, key,
			geminiprov.WithModel(cfg.Models[geminiprov.ProviderName]),
			geminiprov.WithSearchGrounding(cfg.GeminiGrounding),
		)
		if err != nil {
			return Set{}, fmt.Errorf("failed to build gemini provider: %w", err)
		}
		set.add(client, client.Model())
	} else {
		set.Credentials[geminiprov.ProviderName] = false
	}

	return set, nil
}

func (s *Set) add(p llm.Provider, model string) {
	s.Providers = append(s.Providers, p)
	s.Credentials[p.Name()] = true
	s.Models[p.Name()] = model
}
