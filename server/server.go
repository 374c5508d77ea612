// Package server exposes the conversation, research, health and realtime
// endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/howardjong/AgentPrice-sub003/conversation"
	"github.com/howardjong/AgentPrice-sub003/health"
	"github.com/howardjong/AgentPrice-sub003/observe"
	observestore "github.com/howardjong/AgentPrice-sub003/observe/store"
	"github.com/howardjong/AgentPrice-sub003/realtime"
	"github.com/howardjong/AgentPrice-sub003/research"
	"github.com/howardjong/AgentPrice-sub003/router"
	cronpkg "github.com/howardjong/AgentPrice-sub003/runtime/cron"
	"github.com/howardjong/AgentPrice-sub003/status"
	"github.com/howardjong/AgentPrice-sub003/types"
)

const maxBodyBytes = 1 << 20

// ConversationRouter picks a provider for a chat turn and calls it.
type ConversationRouter interface {
	Route(ctx context.Context, history []types.Message, hint string, opts router.Options) (router.Result, error)
	Decide(history []types.Message, hint string) router.Decision
}

type ProviderSource interface {
	Snapshot() []status.ProviderStatus
}

type HealthReporter interface {
	Report() health.Report
}

type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	HistoryLimit    int

	Router        ConversationRouter
	Providers     ProviderSource
	Health        HealthReporter
	Research      *research.Orchestrator
	Conversations conversation.Store
	Realtime      http.Handler
	Channel       *realtime.Channel
	Scheduler     *cronpkg.Scheduler
	TraceStore    observestore.Store

	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

type Server struct {
	cfg    Config
	stream *jobWatchers
	mux    *http.ServeMux
	http   *http.Server
	logger *slog.Logger
	once   sync.Once
}

func NewServer(cfg Config) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:5000"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		stream: newJobWatchers(),
		mux:    http.NewServeMux(),
		logger: logger,
	}
	s.registerRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the full HTTP handler. API routes are traced with
// otelhttp; the WebSocket endpoint is served outside the tracing wrapper.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	var traceOpts []otelhttp.Option
	if s.cfg.TracerProvider != nil {
		traceOpts = append(traceOpts, otelhttp.WithTracerProvider(s.cfg.TracerProvider))
	}
	api := otelhttp.NewHandler(s.cors(s.mux), "agentprice.http", traceOpts...)

	root := http.NewServeMux()
	if s.cfg.Realtime != nil {
		root.Handle("/ws", s.cfg.Realtime)
	}
	root.Handle("/", api)
	return root
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.logger.Info("http server listening", "component", "server", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received", "component", "server")
		if err := s.Close(); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
		if outErr != nil {
			s.logger.Warn("http shutdown error", "component", "server", "error", outErr)
		} else {
			s.logger.Info("http server stopped", "component", "server")
		}
	})
	return outErr
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/conversation", s.handleConversation)
	s.mux.HandleFunc("/api/conversation/", s.handleConversationHistory)
	s.mux.HandleFunc("/api/research", s.handleResearch)
	s.mux.HandleFunc("/api/research/", s.handleResearchSubresources)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/providers", s.handleProviders)
	s.mux.HandleFunc("/api/metrics", s.handleMetrics)

	s.mux.HandleFunc("/api/runtime/queue", s.handleRuntimeQueue)
	s.mux.HandleFunc("/api/runtime/dlq", s.handleRuntimeDLQ)
	s.mux.HandleFunc("/api/runtime/workers", s.handleRuntimeWorkers)
	s.mux.HandleFunc("/api/realtime/sessions", s.handleRealtimeSessions)
	s.mux.HandleFunc("/api/maintenance/tasks", s.handleMaintenanceTasks)
	s.mux.HandleFunc("/api/maintenance/tasks/", s.handleMaintenanceTaskByName)
}

// Emit feeds the research event stream. Server is an observe.Sink.
func (s *Server) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()
	s.stream.deliver(event)
	return nil
}

// cors answers preflight requests and sets Access-Control-Allow-Origin for
// configured origins. "*" allows any origin.
func (s *Server) cors(next http.Handler) http.Handler {
	if len(s.cfg.AllowedOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && OriginAllowed(s.cfg.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OriginAllowed reports whether origin matches the allow list.
func OriginAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func parseInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}
