package memory

import (
	"context"
	"sync"
	"time"

	"github.com/howardjong/AgentPrice-sub003/conversation"
	"github.com/howardjong/AgentPrice-sub003/types"
)

type Store struct {
	mu            sync.RWMutex
	conversations map[string][]types.Message
}

func New() *Store {
	return &Store{conversations: map[string][]types.Message{}}
}

func (s *Store) AppendMessage(_ context.Context, conversationID string, msg types.Message) error {
	msg, err := conversation.Prepare(conversationID, msg, time.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = append(s.conversations[conversationID], msg)
	return nil
}

func (s *Store) History(_ context.Context, conversationID string, limit int) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tail := conversation.Tail(s.conversations[conversationID], limit)
	out := make([]types.Message, len(tail))
	copy(out, tail)
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ conversation.Store = (*Store)(nil)
