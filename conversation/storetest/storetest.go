// Package storetest holds behaviour checks shared by every
// conversation.Store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/howardjong/AgentPrice-sub003/conversation"
	"github.com/howardjong/AgentPrice-sub003/types"
)

func Run(t *testing.T, newStore func(t *testing.T) conversation.Store) {
	t.Run("AppendAndHistory", func(t *testing.T) { testAppendHistory(t, newStore(t)) })
	t.Run("HistoryLimitKeepsTail", func(t *testing.T) { testLimit(t, newStore(t)) })
	t.Run("UnknownConversationIsEmpty", func(t *testing.T) { testUnknown(t, newStore(t)) })
	t.Run("ConversationsAreIsolated", func(t *testing.T) { testIsolation(t, newStore(t)) })
	t.Run("RejectsInvalidInput", func(t *testing.T) { testInvalid(t, newStore(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

func testAppendHistory(t *testing.T, s conversation.Store) {
	ctx := context.Background()
	turns := []types.Message{
		{Role: types.RoleUser, Content: "what does a widget cost?"},
		{Role: types.RoleAssistant, Content: "about $20", Provider: "claude"},
	}
	for _, m := range turns {
		if err := s.AppendMessage(ctx, "c1", m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.History(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Content != turns[0].Content || got[1].Provider != "claude" {
		t.Fatalf("unexpected history: %+v", got)
	}
	if got[0].CreatedAt.IsZero() {
		t.Fatalf("expected created timestamp to be set")
	}
}

func testLimit(t *testing.T, s conversation.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = s.AppendMessage(ctx, "c1", types.Message{Role: types.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}
	got, err := s.History(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 || got[0].Content != "m3" || got[1].Content != "m4" {
		t.Fatalf("expected last two messages in order, got %+v", got)
	}
}

func testUnknown(t *testing.T, s conversation.Store) {
	got, err := s.History(context.Background(), "missing", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty history, got %+v", got)
	}
}

func testIsolation(t *testing.T, s conversation.Store) {
	ctx := context.Background()
	_ = s.AppendMessage(ctx, "a", types.Message{Role: types.RoleUser, Content: "for a"})
	_ = s.AppendMessage(ctx, "ab", types.Message{Role: types.RoleUser, Content: "for ab"})
	got, _ := s.History(ctx, "a", 0)
	if len(got) != 1 || got[0].Content != "for a" {
		t.Fatalf("conversation a leaked: %+v", got)
	}
}

func testInvalid(t *testing.T, s conversation.Store) {
	ctx := context.Background()
	if err := s.AppendMessage(ctx, "", types.Message{Role: types.RoleUser, Content: "x"}); err == nil {
		t.Fatalf("expected error without conversation id")
	}
	if err := s.AppendMessage(ctx, "c1", types.Message{Role: "robot", Content: "x"}); err == nil {
		t.Fatalf("expected error for invalid role")
	}
}

func testConcurrent(t *testing.T, s conversation.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.AppendMessage(ctx, "c1", types.Message{Role: types.RoleUser, Content: fmt.Sprintf("m%d", i)})
		}(i)
	}
	wg.Wait()
	got, err := s.History(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got))
	}
}
