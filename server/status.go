package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/howardjong/AgentPrice-sub003/health"
	observestore "github.com/howardjong/AgentPrice-sub003/observe/store"
	"github.com/howardjong/AgentPrice-sub003/realtime"
	"github.com/howardjong/AgentPrice-sub003/status"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.cfg.Health == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("health aggregator not configured"))
		return
	}
	report := s.cfg.Health.Report()
	code := http.StatusOK
	if report.OverallStatus == health.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	providers := []status.ProviderStatus{}
	if s.cfg.Providers != nil {
		providers = append(providers, s.cfg.Providers.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "providers": providers})
}

type metricsResponse struct {
	Success       bool                        `json:"success"`
	Events        observestore.MetricsSummary `json:"events"`
	Failovers     int64                       `json:"failovers"`
	Sessions      int                         `json:"realtimeSessions"`
	Watchers      int                         `json:"eventWatchers"`
	DroppedEvents int64                       `json:"droppedStreamEvents"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	out := metricsResponse{Success: true, Watchers: s.stream.size(), DroppedEvents: s.stream.dropped.Load()}
	if s.cfg.TraceStore != nil {
		summary, err := s.cfg.TraceStore.AggregateMetrics(r.Context(), observestore.MetricsQuery{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out.Events = summary
	}
	if f, ok := s.cfg.Router.(interface{ Failovers() int64 }); ok {
		out.Failovers = f.Failovers()
	}
	if s.cfg.Channel != nil {
		out.Sessions = len(s.cfg.Channel.Sessions())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuntimeQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.cfg.Research == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("research orchestrator not configured"))
		return
	}
	stats, err := s.cfg.Research.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "queue": stats})
}

func (s *Server) handleRuntimeDLQ(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.cfg.Research == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("research orchestrator not configured"))
		return
	}
	items, err := s.cfg.Research.ListDLQ(r.Context(), parseInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deliveries": items})
}

func (s *Server) handleRuntimeWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.cfg.Research == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("research orchestrator not configured"))
		return
	}
	workers, err := s.cfg.Research.ListWorkers(r.Context(), parseInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "workers": workers})
}

func (s *Server) handleRealtimeSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	sessions := []realtime.Session{}
	if s.cfg.Channel != nil {
		sessions = append(sessions, s.cfg.Channel.Sessions()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": sessions})
}

func (s *Server) handleMaintenanceTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.cfg.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("scheduler not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tasks": s.cfg.Scheduler.List()})
}

// handleMaintenanceTaskByName serves GET /api/maintenance/tasks/{name}
// (task with recent runs) and POST /api/maintenance/tasks/{name}/trigger.
func (s *Server) handleMaintenanceTaskByName(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("scheduler not configured"))
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/maintenance/tasks/"))
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task name required"))
		return
	}
	name := parts[0]
	task, ok := s.cfg.Scheduler.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("task %q not found", name))
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		runs, _ := s.cfg.Scheduler.History(name, parseInt(r.URL.Query().Get("limit"), 20))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": task, "runs": runs})
	case len(parts) == 2 && parts[1] == "trigger" && r.Method == http.MethodPost:
		output, err := s.cfg.Scheduler.Trigger(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "output": output})
	case len(parts) > 2 || (len(parts) == 2 && parts[1] != "trigger"):
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
	default:
		methodNotAllowed(w, "GET, POST")
	}
}
