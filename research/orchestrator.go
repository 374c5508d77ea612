package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/howardjong/AgentPrice-sub003/observe"
	"github.com/howardjong/AgentPrice-sub003/runtime/queue"
	"github.com/howardjong/AgentPrice-sub003/state"
)

// Orchestrator accepts research submissions and serves lookups. It never
// touches a job after the queue id is attached; the worker owns it from
// then on.
type Orchestrator struct {
	store       state.Store
	queue       queue.Queue
	attempts    AttemptStore
	sink        observe.Sink
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
}

type OrchestratorOption func(*Orchestrator)

func WithSink(s observe.Sink) OrchestratorOption {
	return func(o *Orchestrator) { o.sink = s }
}

func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAttemptStore enables the attempt, worker and queue-event lookups and
// records an enqueue event per submission.
func WithAttemptStore(s AttemptStore) OrchestratorOption {
	return func(o *Orchestrator) { o.attempts = s }
}

func WithMaxAttempts(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func NewOrchestrator(store state.Store, q queue.Queue, opts ...OrchestratorOption) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	o := &Orchestrator{
		store:       store,
		queue:       q,
		sink:        observe.NoopSink{},
		logger:      slog.Default(),
		maxAttempts: DefaultRuntimePolicy().MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = observe.NoopSink{}
	}
	o.logger = o.logger.With(slog.String("component", "orchestrator"))
	return o, nil
}

// Submit persists a queued job and hands it to the queue. When the queue
// rejects it, the job is recorded as failed and a JobSubmissionError is
// returned along with the failed record.
func (o *Orchestrator) Submit(ctx context.Context, query string, opts state.JobOptions) (state.ResearchJob, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return state.ResearchJob{}, &JobSubmissionError{Reason: "query is required"}
	}
	priority, err := state.ParsePriority(string(opts.Priority))
	if err != nil {
		return state.ResearchJob{}, &JobSubmissionError{Reason: "invalid options", Err: err}
	}
	opts.Priority = priority

	now := o.now()
	job := state.ResearchJob{
		ID:        uuid.NewString(),
		Query:     query,
		Options:   opts,
		Status:    state.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Save(ctx, job); err != nil {
		return state.ResearchJob{}, &JobSubmissionError{Reason: "failed to persist job", Err: err}
	}

	queueID, err := o.queue.Enqueue(ctx, queue.Task{
		JobID:       job.ID,
		Query:       query,
		Priority:    string(priority),
		Attempt:     1,
		MaxAttempts: o.maxAttempts,
		EnqueuedAt:  now,
	})
	if err != nil {
		job.Status = state.StatusFailed
		job.Error = fmt.Sprintf("failed to enqueue job: %v", err)
		job.UpdatedAt = o.now()
		completed := job.UpdatedAt
		job.CompletedAt = &completed
		if saveErr := o.store.Save(ctx, job); saveErr != nil {
			o.logger.Error("failed to record enqueue failure", slog.String("job_id", job.ID), slog.Any("error", saveErr))
		}
		ev := observe.JobEvent(observe.EventJobFailed, job.ID)
		ev.Error = job.Error
		o.emit(ctx, ev)
		return job, &JobSubmissionError{JobID: job.ID, Reason: "failed to enqueue job", Err: err}
	}

	if err := o.store.SetQueueJobID(ctx, job.ID, queueID); err != nil {
		// The task is already on the queue; the worker can still run it.
		o.logger.Warn("failed to attach queue id", slog.String("job_id", job.ID), slog.Any("error", err))
	} else {
		job.QueueJobID = queueID
	}
	if o.attempts != nil {
		_ = o.attempts.SaveQueueEvent(ctx, QueueEvent{
			JobID: job.ID,
			Event: QueueEventEnqueued,
			At:    now,
			Payload: map[string]any{
				"messageId":   queueID,
				"priority":    string(priority),
				"maxAttempts": o.maxAttempts,
			},
		})
	}
	ev := observe.JobEvent(observe.EventJobQueued, job.ID)
	ev.Attributes["priority"] = string(priority)
	ev.Attributes["queueJobId"] = queueID
	o.emit(ctx, ev)
	o.logger.Info("job queued", slog.String("job_id", job.ID), slog.String("priority", string(priority)))
	return job, nil
}

// Poll returns the persisted job without advancing it.
func (o *Orchestrator) Poll(ctx context.Context, id string) (state.ResearchJob, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return state.ResearchJob{}, fmt.Errorf("%w: empty id", ErrJobNotFound)
	}
	job, err := o.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return state.ResearchJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return state.ResearchJob{}, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return job, nil
}

func (o *Orchestrator) List(ctx context.Context, query state.ListQuery) ([]state.ResearchJob, error) {
	if query.Status != "" && !query.Status.Valid() {
		return nil, fmt.Errorf("invalid status filter %q", query.Status)
	}
	return o.store.List(ctx, query)
}

func (o *Orchestrator) QueueStats(ctx context.Context) (queue.Stats, error) {
	return o.queue.Stats(ctx)
}

func (o *Orchestrator) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	return o.queue.ListDLQ(ctx, limit)
}

func (o *Orchestrator) ListAttempts(ctx context.Context, jobID string, limit int) ([]AttemptRecord, error) {
	if o.attempts == nil {
		return []AttemptRecord{}, nil
	}
	return o.attempts.ListAttempts(ctx, jobID, limit)
}

func (o *Orchestrator) ListWorkers(ctx context.Context, limit int) ([]WorkerHeartbeat, error) {
	if o.attempts == nil {
		return []WorkerHeartbeat{}, nil
	}
	return o.attempts.ListWorkerHeartbeats(ctx, limit)
}

func (o *Orchestrator) ListQueueEvents(ctx context.Context, jobID string, limit int) ([]QueueEvent, error) {
	if o.attempts == nil {
		return []QueueEvent{}, nil
	}
	return o.attempts.ListQueueEvents(ctx, jobID, limit)
}

func (o *Orchestrator) emit(ctx context.Context, event observe.Event) {
	event.Normalize()
	if err := o.sink.Emit(ctx, event); err != nil {
		o.logger.Debug("event sink failed", slog.String("event", event.Name), slog.Any("error", err))
	}
}
