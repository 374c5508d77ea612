package memory

import (
	"testing"

	"github.com/howardjong/AgentPrice-sub003/state"
	"github.com/howardjong/AgentPrice-sub003/state/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) state.Store { return New() })
}
