package llm

import (
	"context"
	"errors"

	"github.com/howardjong/AgentPrice-sub003/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	// Research reports live web retrieval with citations.
	Research       bool
	Conversational bool
	Visualization  bool
}

type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}
