package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/howardjong/AgentPrice-sub003/state"
)

// HybridStore writes through to a durable store and keeps an optional
// cache warm. The durable store is the source of truth; cache failures
// are logged and never surface to callers.
type HybridStore struct {
	durable state.Store
	cache   state.Store
	logger  *slog.Logger
}

type Option func(*HybridStore)

func WithLogger(l *slog.Logger) Option {
	return func(h *HybridStore) {
		if l != nil {
			h.logger = l
		}
	}
}

func New(durable state.Store, cache state.Store, opts ...Option) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	h := &HybridStore{
		durable: durable,
		cache:   cache,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "job-store"))
	return h, nil
}

func (h *HybridStore) Save(ctx context.Context, job state.ResearchJob) error {
	if err := h.durable.Save(ctx, job); err != nil {
		return err
	}
	if h.cache == nil {
		return nil
	}
	// Re-read so the cache sees the merged queue id.
	merged, err := h.durable.Get(ctx, job.ID)
	if err != nil {
		merged = job
	}
	if err := h.cache.Save(ctx, merged); err != nil {
		h.logger.Warn("cache save failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	return nil
}

func (h *HybridStore) Get(ctx context.Context, id string) (state.ResearchJob, error) {
	if h.cache != nil {
		job, err := h.cache.Get(ctx, id)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.logger.Warn("cache get failed", slog.String("job_id", id), slog.Any("error", err))
		}
	}

	job, err := h.durable.Get(ctx, id)
	if err != nil {
		return state.ResearchJob{}, err
	}
	if h.cache != nil {
		if err := h.cache.Save(ctx, job); err != nil {
			h.logger.Warn("cache backfill failed", slog.String("job_id", id), slog.Any("error", err))
		}
	}
	return job, nil
}

func (h *HybridStore) List(ctx context.Context, query state.ListQuery) ([]state.ResearchJob, error) {
	return h.durable.List(ctx, query)
}

func (h *HybridStore) SetQueueJobID(ctx context.Context, id, queueJobID string) error {
	if err := h.durable.SetQueueJobID(ctx, id, queueJobID); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SetQueueJobID(ctx, id, queueJobID); err != nil && !errors.Is(err, state.ErrNotFound) {
			h.logger.Warn("cache queue id update failed", slog.String("job_id", id), slog.Any("error", err))
		}
	}
	return nil
}

func (h *HybridStore) Close() error {
	var errs []error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.durable.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ state.Store = (*HybridStore)(nil)
