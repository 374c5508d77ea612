package research

import (
	"context"
	"time"

	"github.com/howardjong/AgentPrice-sub003/router"
	"github.com/howardjong/AgentPrice-sub003/types"
)

// Router is the part of router.Router the pipeline drives.
type Router interface {
	Route(ctx context.Context, history []types.Message, hint string, opts router.Options) (router.Result, error)
	Conversational() string
	Research() string
}

type WorkerConfig struct {
	WorkerID string
	Capacity int
}

type AttemptRecord struct {
	JobID     string         `json:"jobId"`
	Attempt   int            `json:"attempt"`
	WorkerID  string         `json:"workerId"`
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type WorkerHeartbeat struct {
	WorkerID   string         `json:"workerId"`
	Status     string         `json:"status"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
	Capacity   int            `json:"capacity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type QueueEvent struct {
	ID      int64          `json:"id"`
	JobID   string         `json:"jobId"`
	Event   string         `json:"event"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Queue ledger event names.
const (
	QueueEventEnqueued     = "queue.enqueued"
	QueueEventClaimed      = "queue.claimed"
	QueueEventRetried      = "queue.retried"
	QueueEventDeadLettered = "queue.dead_lettered"
	QueueEventAcked        = "queue.acked"
	QueueEventOrphaned     = "queue.orphaned"
	QueueEventError        = "worker.delivery.error"
)
