package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/howardjong/AgentPrice-sub003/observe"
	observestore "github.com/howardjong/AgentPrice-sub003/observe/store"
	"github.com/howardjong/AgentPrice-sub003/research"
	"github.com/howardjong/AgentPrice-sub003/state"
)

type researchRequest struct {
	Query   string         `json:"query"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Research == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("research orchestrator not configured"))
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.submitResearch(w, r)
	case http.MethodGet:
		q := state.ListQuery{
			Status: state.JobStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
			Limit:  parseInt(r.URL.Query().Get("limit"), 50),
			Offset: parseInt(r.URL.Query().Get("offset"), 0),
		}
		jobs, err := s.cfg.Research.List(r.Context(), q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if jobs == nil {
			jobs = []state.ResearchJob{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": jobs})
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (s *Server) submitResearch(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts, err := research.ParseOptions(req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.cfg.Research.Submit(r.Context(), req.Query, opts)
	if err != nil {
		var subErr *research.JobSubmissionError
		if errors.As(err, &subErr) && subErr.JobID != "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "message": err.Error(), "job": job})
			return
		}
		if errors.As(err, &subErr) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job": job})
}

func (s *Server) handleResearchSubresources(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Research == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("research orchestrator not configured"))
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/research/"))
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	jobID := parts[0]
	ctx := r.Context()
	job, err := s.cfg.Research.Poll(ctx, jobID)
	if err != nil {
		if errors.Is(err, research.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 50)
	switch parts[1] {
	case "attempts":
		attempts, err := s.cfg.Research.ListAttempts(ctx, jobID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "attempts": attempts})
	case "queue-events":
		events, err := s.cfg.Research.ListQueueEvents(ctx, jobID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
	case "events":
		s.streamJobEvents(w, r, job)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
	}
}

// streamJobEvents serves a job's event timeline as server-sent events:
// the stored backlog first, then live events until the job is terminal or
// the client leaves.
func (s *Server) streamJobEvents(w http.ResponseWriter, r *http.Request, job state.ResearchJob) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	watch := s.stream.watch(job.ID)
	defer s.stream.release(watch)

	if s.cfg.TraceStore != nil {
		backlog, err := s.cfg.TraceStore.ListEventsByJob(r.Context(), job.ID, observestore.ListQuery{Limit: 200})
		if err == nil {
			for _, event := range backlog {
				if err := writeSSE(w, event); err != nil {
					return
				}
			}
		}
	}
	flusher.Flush()
	if job.Status.Terminal() {
		return
	}

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-watch.events:
			if !ok {
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
			if event.Name == observe.EventJobCompleted || event.Name == observe.EventJobFailed {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event observe.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, payload); err != nil {
		return err
	}
	return nil
}
