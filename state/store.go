package state

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("state: not found")
	ErrConflict          = errors.New("state: conflict")
	ErrInvalidTransition = errors.New("state: invalid status transition")
)

type ListQuery struct {
	Status JobStatus
	Limit  int
	Offset int
}

// Store persists research jobs. Save is a full upsert that rejects status
// changes CanTransition forbids with ErrInvalidTransition; SetQueueJobID is
// the narrow write request handlers use after enqueueing, so it never
// clobbers fields owned by the worker.
type Store interface {
	Save(ctx context.Context, job ResearchJob) error
	Get(ctx context.Context, id string) (ResearchJob, error)
	List(ctx context.Context, query ListQuery) ([]ResearchJob, error)
	SetQueueJobID(ctx context.Context, id, queueJobID string) error
	Close() error
}
