package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"
)

// Scheduler runs recurring maintenance tasks such as the realtime session
// sweep. Overlapping runs of the same task are skipped.
type Scheduler struct {
	mu      sync.RWMutex
	cron    *robcron.Cron
	tasks   map[string]*managedTask
	started bool
	maxRuns int
	timeout time.Duration
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

type managedTask struct {
	Task
	fn      TaskFunc
	entryID robcron.EntryID
	runs    []TaskRun
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRunTimeout bounds each task run. Zero means no bound.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.timeout = d
		}
	}
}

func WithMaxRuns(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxRuns = n
		}
	}
}

func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    robcron.New(robcron.WithChain(robcron.SkipIfStillRunning(robcron.DiscardLogger))),
		tasks:   make(map[string]*managedTask),
		maxRuns: 100,
		timeout: time.Minute,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a task. Names are unique and the schedule uses standard
// five-field cron syntax or descriptors such as "@every 60s".
func (s *Scheduler) Add(name, schedule string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if fn == nil {
		return fmt.Errorf("task func is required")
	}
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %q already exists", name)
	}

	entryID, err := s.cron.AddFunc(schedule, func() { s.runScheduled(name) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}

	mt := &managedTask{
		Task: Task{
			Name:     name,
			Schedule: schedule,
			Enabled:  true,
		},
		fn:      fn,
		entryID: entryID,
	}
	if entry := s.cron.Entry(entryID); !entry.Next.IsZero() {
		mt.NextRun = entry.Next
	}
	s.tasks[name] = mt
	return nil
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("task %q not found", name)
	}
	s.cron.Remove(mt.entryID)
	delete(s.tasks, name)
	return nil
}

// List returns all registered tasks sorted by name.
func (s *Scheduler) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, mt := range s.tasks {
		out = append(out, s.view(mt))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) Get(name string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mt, ok := s.tasks[name]
	if !ok {
		return Task{}, false
	}
	return s.view(mt), true
}

func (s *Scheduler) view(mt *managedTask) Task {
	t := mt.Task
	if entry := s.cron.Entry(mt.entryID); !entry.Next.IsZero() {
		t.NextRun = entry.Next
	}
	return t
}

// SetEnabled pauses or resumes scheduled runs without removing the task.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("task %q not found", name)
	}
	mt.Enabled = enabled
	return nil
}

// Trigger runs a task immediately, regardless of schedule or enabled flag.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	return s.runAndRecord(ctx, name, "manual", false)
}

// History returns recent runs for a task, newest first.
func (s *Scheduler) History(name string, limit int) ([]TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mt, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %q not found", name)
	}
	if limit <= 0 || limit > len(mt.runs) {
		limit = len(mt.runs)
	}
	out := make([]TaskRun, 0, limit)
	for i := len(mt.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, mt.runs[i])
	}
	return out, nil
}

func (s *Scheduler) runScheduled(name string) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	_, _ = s.runAndRecord(ctx, name, "schedule", true)
}

func (s *Scheduler) runAndRecord(ctx context.Context, name, trigger string, skipIfDisabled bool) (string, error) {
	s.mu.RLock()
	mt, ok := s.tasks[name]
	if !ok {
		s.mu.RUnlock()
		return "", fmt.Errorf("task %q not found", name)
	}
	if skipIfDisabled && !mt.Enabled {
		s.mu.RUnlock()
		return "", nil
	}
	fn := mt.fn
	s.mu.RUnlock()

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()
	output, err := fn(runCtx)
	finished := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	mt2, ok := s.tasks[name]
	if !ok {
		return output, err
	}
	mt2.LastRun = finished
	mt2.RunCount++
	run := TaskRun{
		At:         finished,
		DurationMS: finished.Sub(started).Milliseconds(),
		Trigger:    trigger,
	}
	if err != nil {
		mt2.LastErr = err.Error()
		run.Status = "failed"
		run.Error = err.Error()
		s.logger.Warn("maintenance task failed", "component", "cron", "task", name, "trigger", trigger, "error", err)
	} else {
		mt2.LastErr = ""
		run.Status = "completed"
		run.Output = truncate(output, 2000)
		s.logger.Debug("maintenance task completed", "component", "cron", "task", name, "trigger", trigger, "output", truncate(output, 100))
	}
	mt2.runs = append(mt2.runs, run)
	if s.maxRuns > 0 && len(mt2.runs) > s.maxRuns {
		mt2.runs = mt2.runs[len(mt2.runs)-s.maxRuns:]
	}
	return output, err
}

// Start begins the scheduler. Non-blocking.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		if s.ctx.Err() != nil {
			s.ctx, s.cancel = context.WithCancel(context.Background())
		}
		s.cron.Start()
		s.started = true
	}
}

// Stop halts scheduling, cancels running tasks and waits for them to
// return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	done := s.cron.Stop()
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
