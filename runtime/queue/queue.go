// Package queue defines the durable work queue research jobs travel on.
// Delivery is at least once: a claimed task that is neither acked nor
// dead-lettered within the visibility timeout is handed out again.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed = errors.New("queue: closed")
	// ErrClaimLost means the delivery's visibility timeout ran out and the
	// task may already belong to another consumer.
	ErrClaimLost = errors.New("queue: claim lost")
)

// Priorities in claim order.
var Priorities = []string{"high", "normal", "low"}

type Task struct {
	JobID       string         `json:"jobId"`
	Query       string         `json:"query,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"maxAttempts"`
	NotBefore   *time.Time     `json:"notBefore,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
}

type Delivery struct {
	ID       string    `json:"id"`
	Stream   string    `json:"stream"`
	Task     Task      `json:"task"`
	Received time.Time `json:"received"`
	Consumer string    `json:"consumer,omitempty"`
	// Redelivered is set when the task was reclaimed after a visibility
	// timeout rather than handed out for the first time.
	Redelivered bool `json:"redelivered,omitempty"`
}

type Stats struct {
	Waiting   map[string]int64 `json:"waiting"`
	Delayed   int64            `json:"delayed"`
	Pending   int64            `json:"pending"`
	DLQLength int64            `json:"dlqLength"`
}

type Queue interface {
	Enqueue(ctx context.Context, task Task) (string, error)
	// Claim hands out up to count tasks, highest priority first, waiting
	// at most block for work to arrive.
	Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]Delivery, error)
	// Extend renews a claim for another visibility timeout. It returns
	// ErrClaimLost once the claim expired or moved to another consumer.
	Extend(ctx context.Context, delivery Delivery) error
	Ack(ctx context.Context, delivery Delivery) error
	// Requeue schedules task again after delay. The caller acks the
	// delivery it came from.
	Requeue(ctx context.Context, task Task, reason string, delay time.Duration) (string, error)
	// DeadLetter parks the delivery and acks it.
	DeadLetter(ctx context.Context, delivery Delivery, reason string) (string, error)
	ListDLQ(ctx context.Context, limit int) ([]Delivery, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// NormalizePriority maps unknown or empty priorities to normal.
func NormalizePriority(p string) string {
	for _, known := range Priorities {
		if p == known {
			return p
		}
	}
	return "normal"
}

// Prepare fills task defaults shared by every backend.
func Prepare(task Task, now time.Time) Task {
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 3
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	task.Priority = NormalizePriority(task.Priority)
	return task
}
