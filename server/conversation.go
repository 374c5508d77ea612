package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/howardjong/AgentPrice-sub003/router"
	"github.com/howardjong/AgentPrice-sub003/types"
)

type conversationRequest struct {
	ConversationID string         `json:"conversationId"`
	Message        string         `json:"message"`
	Provider       string         `json:"provider"`
	Options        map[string]any `json:"options"`
}

type conversationResponse struct {
	Success        bool                 `json:"success"`
	ConversationID string               `json:"conversationId"`
	Provider       string               `json:"provider"`
	Response       string               `json:"response"`
	Citations      []types.Citation     `json:"citations,omitempty"`
	Visualization  *types.Visualization `json:"visualization,omitempty"`
	FailedOver     bool                 `json:"failedOver"`
	Decision       router.Decision      `json:"decision"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	if s.cfg.Router == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("router not configured"))
		return
	}
	var req conversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return
	}
	id := strings.TrimSpace(req.ConversationID)
	if id == "" {
		id = uuid.NewString()
	}
	ctx := r.Context()
	now := time.Now().UTC()

	user := types.Message{Role: types.RoleUser, Content: text, CreatedAt: now}
	history := []types.Message{user}
	if store := s.cfg.Conversations; store != nil {
		if err := store.AppendMessage(ctx, id, user); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to save message: %w", err))
			return
		}
		prior, err := store.History(ctx, id, s.cfg.HistoryLimit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to load history: %w", err))
			return
		}
		history = prior
	}

	hint := strings.ToLower(strings.TrimSpace(req.Provider))
	opts := router.Options{Extra: req.Options}
	if model, ok := req.Options["model"].(string); ok && model != "" {
		decision := s.cfg.Router.Decide(history, hint)
		opts.Models = map[string]string{decision.Primary: model}
		delete(opts.Extra, "model")
	}
	result, err := s.cfg.Router.Route(ctx, history, hint, opts)
	if err != nil {
		var rf *router.RoutingFailure
		if errors.As(err, &rf) {
			s.logger.Warn("conversation routing failed", "component", "server", "conversation_id", id, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"success":        false,
				"conversationId": id,
				"message":        err.Error(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if store := s.cfg.Conversations; store != nil {
		reply := types.Message{
			Role:     types.RoleAssistant,
			Content:  result.Response.Text,
			Provider: result.Provider,
		}
		if len(result.Citations) > 0 {
			reply.Meta = map[string]any{"citations": result.Citations}
		}
		if err := store.AppendMessage(ctx, id, reply); err != nil {
			s.logger.Warn("failed to save assistant turn", "component", "server", "conversation_id", id, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, conversationResponse{
		Success:        true,
		ConversationID: id,
		Provider:       result.Provider,
		Response:       result.Response.Text,
		Citations:      result.Citations,
		Visualization:  result.Visualization,
		FailedOver:     result.FailedOver,
		Decision:       result.Decision,
	})
}

func (s *Server) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/conversation/"))
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	store := s.cfg.Conversations
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("conversation store not configured"))
		return
	}
	msgs, err := store.History(r.Context(), parts[0], parseInt(r.URL.Query().Get("limit"), s.cfg.HistoryLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversationId": parts[0], "messages": msgs})
}
