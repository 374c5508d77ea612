package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/howardjong/AgentPrice-sub003/observe"
	"github.com/howardjong/AgentPrice-sub003/runtime/queue"
	"github.com/howardjong/AgentPrice-sub003/state"
)

var errCheckpoint = errors.New("checkpoint failed")

type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type worker struct {
	cfg      WorkerConfig
	store    state.Store
	attempts AttemptStore
	queue    queue.Queue
	observer observe.Sink
	policy   RuntimePolicy
	pipeline *Pipeline
	logger   *slog.Logger
	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWorker builds the background loop that owns research jobs once they
// leave the orchestrator. observer and logger may be nil.
func NewWorker(cfg WorkerConfig, store state.Store, attempts AttemptStore, queueStore queue.Queue, observer observe.Sink, policy RuntimePolicy, pipeline *Pipeline, logger *slog.Logger) (Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	if queueStore == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if strings.TrimSpace(cfg.WorkerID) == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if observer == nil {
		observer = observe.NoopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &worker{
		cfg:      cfg,
		store:    store,
		attempts: attempts,
		queue:    queueStore,
		observer: observer,
		policy:   NormalizeRuntimePolicy(policy),
		pipeline: pipeline,
		logger:   logger.With(slog.String("component", "worker"), slog.String("worker_id", cfg.WorkerID)),
	}, nil
}

func (w *worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		w.started = false
		w.cancel = nil
		if w.done == done {
			close(done)
			w.done = nil
		}
		w.mu.Unlock()
	}()

	heartbeat := time.NewTicker(w.policy.HeartbeatInterval)
	defer heartbeat.Stop()

	if err := w.attempts.SaveWorkerHeartbeat(runCtx, w.heartbeat(WorkerOnline)); err != nil {
		return err
	}
	w.logger.Info("worker started", slog.Int("capacity", w.cfg.Capacity))
	for {
		select {
		case <-runCtx.Done():
			w.warnIf(w.attempts.SaveWorkerHeartbeat(context.Background(), w.heartbeat(WorkerOffline)), "heartbeat write failed")
			w.logger.Info("worker stopped")
			return runCtx.Err()
		case <-heartbeat.C:
			w.warnIf(w.attempts.SaveWorkerHeartbeat(runCtx, w.heartbeat(WorkerOnline)), "heartbeat write failed")
			w.emit(runCtx, observe.Event{
				Kind:       observe.KindCustom,
				Status:     observe.StatusCompleted,
				Name:       "worker.heartbeat",
				Attributes: map[string]any{"workerId": w.cfg.WorkerID},
			})
		default:
			deliveries, err := w.queue.Claim(runCtx, w.cfg.WorkerID, w.policy.ClaimBlock, w.cfg.Capacity)
			if err != nil && runCtx.Err() == nil {
				w.logger.Warn("claim failed", slog.Any("error", err))
			}
			if err != nil || len(deliveries) == 0 {
				select {
				case <-runCtx.Done():
				case <-time.After(w.policy.PollInterval):
				}
				continue
			}
			for _, delivery := range deliveries {
				if err := w.handleDelivery(runCtx, delivery); err != nil {
					w.logger.Warn("delivery not acknowledged",
						slog.String("job_id", delivery.Task.JobID),
						slog.String("delivery_id", delivery.ID),
						slog.Any("error", err),
					)
					w.warnIf(w.attempts.SaveQueueEvent(context.Background(), QueueEvent{
						JobID: delivery.Task.JobID,
						Event: QueueEventError,
						At:    time.Now().UTC(),
						Payload: map[string]any{
							"workerId": w.cfg.WorkerID,
							"error":    err.Error(),
						},
					}), "ledger write failed", slog.String("job_id", delivery.Task.JobID))
				}
			}
		}
	}
}

func (w *worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	if ctx == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleDelivery processes one claimed task. A returned error means the
// delivery was left unacknowledged and the queue will hand it out again.
func (w *worker) handleDelivery(ctx context.Context, delivery queue.Delivery) error {
	task := delivery.Task
	now := time.Now().UTC()
	if task.NotBefore != nil && now.Before(task.NotBefore.UTC()) {
		if _, err := w.queue.Requeue(ctx, task, "not_before", task.NotBefore.UTC().Sub(now)); err != nil {
			return err
		}
		return w.queue.Ack(ctx, delivery)
	}
	if task.JobID == "" {
		return w.queue.Ack(ctx, delivery)
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = w.policy.MaxAttempts
	}

	job, err := w.store.Get(ctx, task.JobID)
	if errors.Is(err, state.ErrNotFound) {
		w.warnIf(w.attempts.SaveQueueEvent(ctx, QueueEvent{JobID: task.JobID, Event: QueueEventOrphaned, At: now, Payload: map[string]any{"messageId": delivery.ID}}),
			"ledger write failed", slog.String("job_id", task.JobID))
		return w.queue.Ack(ctx, delivery)
	}
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", task.JobID, err)
	}
	if job.Status.Terminal() {
		w.warnIf(w.attempts.SaveQueueEvent(ctx, QueueEvent{JobID: job.ID, Event: QueueEventAcked, At: now, Payload: map[string]any{"reason": "already " + string(job.Status), "messageId": delivery.ID}}),
			"ledger write failed", slog.String("job_id", job.ID))
		return w.queue.Ack(ctx, delivery)
	}

	resumed := job.Status == state.StatusProcessing
	if job.Status == state.StatusQueued {
		job.Status = state.StatusProcessing
		job.StartedAt = &now
		job.Progress = max(job.Progress, progressStarted)
	}
	job.Attempt = task.Attempt
	job.WorkerID = w.cfg.WorkerID
	job.UpdatedAt = now
	if err := w.store.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job %s processing: %w", job.ID, err)
	}

	w.warnIf(w.attempts.StartAttempt(ctx, AttemptRecord{
		JobID:     job.ID,
		Attempt:   task.Attempt,
		WorkerID:  w.cfg.WorkerID,
		Status:    AttemptRunning,
		StartedAt: now,
		Metadata: map[string]any{
			"messageId":   delivery.ID,
			"redelivered": delivery.Redelivered,
			"resumed":     resumed,
		},
	}), "ledger write failed", slog.String("job_id", job.ID))
	w.warnIf(w.attempts.SaveQueueEvent(ctx, QueueEvent{JobID: job.ID, Event: QueueEventClaimed, At: now, Payload: map[string]any{"workerId": w.cfg.WorkerID, "attempt": task.Attempt}}),
		"ledger write failed", slog.String("job_id", job.ID))
	ev := observe.JobEvent(observe.EventJobProcessing, job.ID)
	ev.Progress = job.Progress
	ev.Attributes["attempt"] = task.Attempt
	ev.Attributes["workerId"] = w.cfg.WorkerID
	ev.Attributes["resumed"] = resumed
	w.emit(ctx, ev)

	procCtx, release := w.holdClaim(ctx, delivery)
	result, runErr := w.pipeline.Run(procCtx, job, func(ctx context.Context, rec state.StageRecord, progress int) error {
		job.Stages = append(job.Stages, rec)
		job.Progress = max(job.Progress, progress)
		job.UpdatedAt = time.Now().UTC()
		if err := w.store.Save(ctx, job); err != nil {
			return fmt.Errorf("%w: %w", errCheckpoint, err)
		}
		ev := observe.JobEvent(observe.EventJobProgress, job.ID)
		ev.Stage = rec.Name
		ev.Provider = rec.Provider
		ev.Progress = job.Progress
		ev.Attributes["failedOver"] = rec.FailedOver
		w.emit(ctx, ev)
		return nil
	})
	release()
	if runErr != nil && errors.Is(context.Cause(procCtx), queue.ErrClaimLost) {
		// Another worker owns the delivery now; leave the job to it.
		w.warnIf(w.attempts.FinishAttempt(context.WithoutCancel(ctx), job.ID, task.Attempt, AttemptInterrupted, queue.ErrClaimLost.Error()),
			"ledger write failed", slog.String("job_id", job.ID))
		return fmt.Errorf("job %s: %w", job.ID, queue.ErrClaimLost)
	}
	if runErr == nil {
		return w.complete(ctx, delivery, task, job, result)
	}
	return w.fail(ctx, delivery, task, job, runErr)
}

func (w *worker) complete(ctx context.Context, delivery queue.Delivery, task queue.Task, job state.ResearchJob, result *state.JobResult) error {
	// The provider work is done; record it even if the worker is stopping.
	ctx = context.WithoutCancel(ctx)
	finished := time.Now().UTC()
	job.Status = state.StatusCompleted
	job.Progress = 100
	job.Result = result
	job.Error = ""
	job.UpdatedAt = finished
	job.CompletedAt = &finished
	if err := w.store.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to record completion of job %s: %w", job.ID, err)
	}
	w.warnIf(w.attempts.FinishAttempt(ctx, job.ID, task.Attempt, AttemptCompleted, ""), "ledger write failed", slog.String("job_id", job.ID))
	w.warnIf(w.attempts.SaveQueueEvent(ctx, QueueEvent{JobID: job.ID, Event: observe.EventJobCompleted, At: finished, Payload: map[string]any{"workerId": w.cfg.WorkerID, "attempt": task.Attempt}}),
		"ledger write failed", slog.String("job_id", job.ID))

	ev := observe.JobEvent(observe.EventJobCompleted, job.ID)
	ev.Progress = 100
	ev.DurationMs = elapsedMs(job.StartedAt, finished)
	ev.Attributes["providers"] = strings.Join(result.Providers, ",")
	ev.Attributes["citations"] = len(result.Citations)
	w.emit(ctx, ev)
	w.logger.Info("job completed", slog.String("job_id", job.ID), slog.Int("attempt", task.Attempt))
	return w.queue.Ack(ctx, delivery)
}

func (w *worker) fail(ctx context.Context, delivery queue.Delivery, task queue.Task, job state.ResearchJob, runErr error) error {
	if ctx.Err() != nil {
		// Shutting down: leave the delivery for redelivery and resume later.
		w.warnIf(w.attempts.FinishAttempt(context.Background(), job.ID, task.Attempt, AttemptInterrupted, ctx.Err().Error()),
			"ledger write failed", slog.String("job_id", job.ID))
		return ctx.Err()
	}
	if errors.Is(runErr, errCheckpoint) {
		w.warnIf(w.attempts.FinishAttempt(ctx, job.ID, task.Attempt, AttemptInterrupted, runErr.Error()),
			"ledger write failed", slog.String("job_id", job.ID))
		return runErr
	}

	ctx = context.WithoutCancel(ctx)
	errText := runErr.Error()
	w.warnIf(w.attempts.FinishAttempt(ctx, job.ID, task.Attempt, AttemptFailed, errText), "ledger write failed", slog.String("job_id", job.ID))

	var perr *JobProcessingError
	retryable := errors.As(runErr, &perr) && perr.Retryable()
	if retryable && task.Attempt < task.MaxAttempts {
		next := task
		next.Attempt = task.Attempt + 1
		backoff := w.policy.Backoff(task.Attempt)
		if _, err := w.queue.Requeue(ctx, next, errText, backoff); err != nil {
			return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
		job.UpdatedAt = time.Now().UTC()
		w.warnIf(w.store.Save(ctx, job), "job write failed", slog.String("job_id", job.ID))
		w.warnIf(w.attempts.SaveQueueEvent(ctx, QueueEvent{JobID: job.ID, Event: QueueEventRetried, At: job.UpdatedAt, Payload: map[string]any{"attempt": next.Attempt, "error": errText, "backoffMs": backoff.Milliseconds()}}),
			"ledger write failed", slog.String("job_id", job.ID))
		ev := observe.JobEvent(observe.EventJobRetried, job.ID)
		ev.Error = errText
		ev.Stage = perr.Stage
		ev.Progress = job.Progress
		ev.Attributes["attempt"] = next.Attempt
		ev.Attributes["backoffMs"] = backoff.Milliseconds()
		w.emit(ctx, ev)
		w.logger.Warn("job retry scheduled",
			slog.String("job_id", job.ID),
			slog.Int("next_attempt", next.Attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", errText),
		)
		return w.queue.Ack(ctx, delivery)
	}

	finished := time.Now().UTC()
	job.Status = state.StatusFailed
	job.Result = nil
	job.Error = errText
	job.UpdatedAt = finished
	job.CompletedAt = &finished
	if err := w.store.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to record failure of job %s: %w", job.ID, err)
	}
	if _, err := w.queue.DeadLetter(ctx, delivery, errText); err != nil {
		w.logger.Error("dead letter failed", slog.String("job_id", job.ID), slog.Any("error", err))
		w.warnIf(w.queue.Ack(ctx, delivery), "ack failed", slog.String("job_id", job.ID))
	}
	w.warnIf(w.attempts.SaveQueueEvent(ctx, QueueEvent{JobID: job.ID, Event: QueueEventDeadLettered, At: finished, Payload: map[string]any{"attempt": task.Attempt, "error": errText}}),
		"ledger write failed", slog.String("job_id", job.ID))
	ev := observe.JobEvent(observe.EventJobFailed, job.ID)
	ev.Error = errText
	ev.Progress = job.Progress
	ev.DurationMs = elapsedMs(job.StartedAt, finished)
	ev.Attributes["attempt"] = task.Attempt
	if perr != nil {
		ev.Stage = perr.Stage
	}
	w.emit(ctx, ev)
	w.logger.Error("job failed", slog.String("job_id", job.ID), slog.Int("attempt", task.Attempt), slog.String("error", errText))
	return nil
}

// holdClaim renews the delivery's claim every heartbeat while the pipeline
// runs. The returned context is cancelled with queue.ErrClaimLost if the
// queue has already handed the task to someone else.
func (w *worker) holdClaim(ctx context.Context, delivery queue.Delivery) (context.Context, func()) {
	claimCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.policy.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-claimCtx.Done():
				return
			case <-ticker.C:
				err := w.queue.Extend(claimCtx, delivery)
				if errors.Is(err, queue.ErrClaimLost) {
					w.logger.Warn("claim lost", slog.String("job_id", delivery.Task.JobID), slog.String("delivery_id", delivery.ID))
					cancel(err)
					return
				}
				if err != nil && claimCtx.Err() == nil {
					w.logger.Warn("claim renewal failed", slog.String("job_id", delivery.Task.JobID), slog.Any("error", err))
				}
			}
		}
	}()
	return claimCtx, func() {
		cancel(nil)
		<-done
	}
}

func (w *worker) heartbeat(status string) WorkerHeartbeat {
	return WorkerHeartbeat{
		WorkerID:   w.cfg.WorkerID,
		Status:     status,
		LastSeenAt: time.Now().UTC(),
		Capacity:   w.cfg.Capacity,
	}
}

func (w *worker) emit(ctx context.Context, event observe.Event) {
	event.Normalize()
	if err := w.observer.Emit(ctx, event); err != nil {
		w.logger.Debug("event sink failed", slog.String("event", event.Name), slog.Any("error", err))
	}
}

// warnIf logs a bookkeeping write the worker carries on without.
func (w *worker) warnIf(err error, msg string, attrs ...any) {
	if err == nil {
		return
	}
	w.logger.Warn(msg, append(attrs, slog.Any("error", err))...)
}

func elapsedMs(started *time.Time, end time.Time) int64 {
	if started == nil {
		return 0
	}
	return end.Sub(*started).Milliseconds()
}

var _ Worker = (*worker)(nil)
