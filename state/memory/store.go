// Package memory is an in-process state.Store for tests and single-node
// development runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/howardjong/AgentPrice-sub003/state"
)

type Store struct {
	mu   sync.RWMutex
	jobs map[string][]byte
}

func New() *Store {
	return &Store{jobs: map[string][]byte{}}
}

func (s *Store) Save(_ context.Context, job state.ResearchJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.decode(job.ID); ok {
		if err := state.CheckTransition(prev.Status, job.Status); err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
		if job.QueueJobID == "" {
			job.QueueJobID = prev.QueueJobID
		}
	}
	// Stored encoded so callers never share slices or maps with the store.
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	s.jobs[job.ID] = raw
	return nil
}

func (s *Store) Get(_ context.Context, id string) (state.ResearchJob, error) {
	if strings.TrimSpace(id) == "" {
		return state.ResearchJob{}, fmt.Errorf("job id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.decode(id)
	if !ok {
		return state.ResearchJob{}, state.ErrNotFound
	}
	return job, nil
}

func (s *Store) List(_ context.Context, query state.ListQuery) ([]state.ResearchJob, error) {
	s.mu.RLock()
	all := make([]state.ResearchJob, 0, len(s.jobs))
	for id := range s.jobs {
		job, ok := s.decode(id)
		if !ok {
			continue
		}
		if query.Status != "" && job.Status != query.Status {
			continue
		}
		all = append(all, job)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	offset := max(query.Offset, 0)
	if offset >= len(all) {
		return []state.ResearchJob{}, nil
	}
	all = all[offset:]
	if query.Limit > 0 && len(all) > query.Limit {
		all = all[:query.Limit]
	}
	return all, nil
}

func (s *Store) SetQueueJobID(_ context.Context, id, queueJobID string) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(queueJobID) == "" {
		return fmt.Errorf("job id and queue job id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.decode(id)
	if !ok {
		return state.ErrNotFound
	}
	job.QueueJobID = queueJobID
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	s.jobs[id] = raw
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) decode(id string) (state.ResearchJob, bool) {
	raw, ok := s.jobs[id]
	if !ok {
		return state.ResearchJob{}, false
	}
	var job state.ResearchJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return state.ResearchJob{}, false
	}
	return job, true
}

var _ state.Store = (*Store)(nil)
