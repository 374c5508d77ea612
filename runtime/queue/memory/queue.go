// Package memory is an in-process queue.Queue. It keeps the Redis
// backend's semantics (priorities, delayed tasks, visibility timeout,
// dead letters) so single-node deployments and tests behave the same.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/howardjong/AgentPrice-sub003/runtime/queue"
)

const defaultVisibility = 5 * time.Minute

type inflight struct {
	delivery  queue.Delivery
	visibleAt time.Time
}

type Queue struct {
	mu         sync.Mutex
	waiting    map[string][]queue.Delivery
	delayed    []queue.Delivery
	inflight   map[string]inflight
	dead       []queue.Delivery
	counter    uint64
	visibility time.Duration
	now        func() time.Time
	notify     chan struct{}
	closed     bool
}

type Option func(*Queue)

// WithVisibilityTimeout sets how long a claimed task stays hidden before it
// is handed out again.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		waiting:    make(map[string][]queue.Delivery, len(queue.Priorities)),
		inflight:   make(map[string]inflight),
		visibility: defaultVisibility,
		now:        func() time.Time { return time.Now().UTC() },
		notify:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Enqueue(_ context.Context, task queue.Task) (string, error) {
	if task.JobID == "" {
		return "", fmt.Errorf("jobID is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", queue.ErrClosed
	}
	now := q.now()
	task = queue.Prepare(task, now)
	q.counter++
	d := queue.Delivery{
		ID:     fmt.Sprintf("%d-%d", now.UnixMilli(), q.counter),
		Stream: task.Priority,
		Task:   task,
	}
	if task.NotBefore != nil && task.NotBefore.After(now) {
		q.delayed = append(q.delayed, d)
	} else {
		q.waiting[task.Priority] = append(q.waiting[task.Priority], d)
		q.signal()
	}
	return d.ID, nil
}

func (q *Queue) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]queue.Delivery, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if count <= 0 {
		count = 1
	}
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		out, err := q.tryClaim(consumer, count)
		if err != nil || len(out) > 0 || block <= 0 {
			return out, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return []queue.Delivery{}, nil
		case <-q.notify:
		case <-time.After(50 * time.Millisecond):
			// delayed tasks and expired claims become visible without a signal
		}
	}
}

func (q *Queue) tryClaim(consumer string, count int) ([]queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	now := q.now()
	q.promote(now)

	out := make([]queue.Delivery, 0, count)
	for _, p := range queue.Priorities {
		for len(out) < count && len(q.waiting[p]) > 0 {
			d := q.waiting[p][0]
			q.waiting[p] = q.waiting[p][1:]
			d.Received = now
			d.Consumer = consumer
			q.inflight[d.ID] = inflight{delivery: d, visibleAt: now.Add(q.visibility)}
			out = append(out, d)
		}
	}
	return out, nil
}

// promote moves due delayed tasks and expired claims back to waiting.
func (q *Queue) promote(now time.Time) {
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if d.Task.NotBefore != nil && d.Task.NotBefore.After(now) {
			kept = append(kept, d)
			continue
		}
		q.waiting[d.Task.Priority] = append(q.waiting[d.Task.Priority], d)
	}
	q.delayed = kept

	for id, in := range q.inflight {
		if in.visibleAt.After(now) {
			continue
		}
		d := in.delivery
		d.Redelivered = true
		delete(q.inflight, id)
		q.waiting[d.Task.Priority] = append([]queue.Delivery{d}, q.waiting[d.Task.Priority]...)
	}
}

func (q *Queue) Extend(_ context.Context, delivery queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	in, ok := q.inflight[delivery.ID]
	if !ok || in.delivery.Consumer != delivery.Consumer || !in.visibleAt.After(now) {
		return queue.ErrClaimLost
	}
	in.visibleAt = now.Add(q.visibility)
	q.inflight[delivery.ID] = in
	return nil
}

// Ack drops the claim. A stale delivery from a consumer that lost the
// claim leaves the new owner's claim alone.
func (q *Queue) Ack(_ context.Context, delivery queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release(delivery)
	return nil
}

func (q *Queue) release(delivery queue.Delivery) {
	in, ok := q.inflight[delivery.ID]
	if !ok {
		return
	}
	if delivery.Consumer != "" && in.delivery.Consumer != delivery.Consumer {
		return
	}
	delete(q.inflight, delivery.ID)
}

func (q *Queue) Requeue(ctx context.Context, task queue.Task, reason string, delay time.Duration) (string, error) {
	if delay > 0 {
		t := q.now().Add(delay)
		task.NotBefore = &t
	} else {
		task.NotBefore = nil
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	if reason != "" {
		task.Metadata["requeue_reason"] = reason
	}
	return q.Enqueue(ctx, task)
}

func (q *Queue) DeadLetter(_ context.Context, delivery queue.Delivery, reason string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release(delivery)
	if delivery.Task.Metadata == nil {
		delivery.Task.Metadata = map[string]any{}
	}
	delivery.Task.Metadata["dead_letter_reason"] = reason
	q.counter++
	delivery.ID = fmt.Sprintf("dlq-%d", q.counter)
	delivery.Stream = "dlq"
	q.dead = append(q.dead, delivery)
	return delivery.ID, nil
}

// ListDLQ returns dead letters newest first.
func (q *Queue) ListDLQ(_ context.Context, limit int) ([]queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]queue.Delivery, 0, limit)
	for i := len(q.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.dead[i])
	}
	return out, nil
}

func (q *Queue) Stats(_ context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := queue.Stats{
		Waiting:   make(map[string]int64, len(queue.Priorities)),
		Delayed:   int64(len(q.delayed)),
		Pending:   int64(len(q.inflight)),
		DLQLength: int64(len(q.dead)),
	}
	for _, p := range queue.Priorities {
		stats.Waiting[p] = int64(len(q.waiting[p]))
	}
	return stats, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

var _ queue.Queue = (*Queue)(nil)
