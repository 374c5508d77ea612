// Package conversation persists the message history of chat conversations.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/howardjong/AgentPrice-sub003/types"
)

// Store appends turns to a conversation and reads them back in order.
// History of an unknown conversation is empty, not an error.
type Store interface {
	AppendMessage(ctx context.Context, conversationID string, msg types.Message) error
	History(ctx context.Context, conversationID string, limit int) ([]types.Message, error)
	Close() error
}

// Prepare validates msg and stamps its creation time.
func Prepare(conversationID string, msg types.Message, now time.Time) (types.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return types.Message{}, fmt.Errorf("conversation id is required")
	}
	switch msg.Role {
	case types.RoleUser, types.RoleAssistant, types.RoleSystem:
	default:
		return types.Message{}, fmt.Errorf("invalid message role %q", msg.Role)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now.UTC()
	}
	return msg, nil
}

// Tail returns the last limit messages. A limit <= 0 keeps everything.
func Tail(msgs []types.Message, limit int) []types.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}
