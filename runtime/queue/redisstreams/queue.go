package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/howardjong/AgentPrice-sub003/runtime/queue"
)

const (
	defaultPrefix     = "agentprice:research"
	defaultGroup      = "research-workers"
	defaultVisibility = 5 * time.Minute
	promoteBatch      = 100
)

// Queue stores one stream per priority, a sorted set of delayed tasks keyed
// by due time, and a dead-letter stream.
type Queue struct {
	client     *goredis.Client
	addr       string
	password   string
	db         int
	prefix     string
	group      string
	visibility time.Duration
	streams    map[string]string
	delayedKey string
	dlqStream  string
}

type Option func(*Queue)

func WithClient(client *goredis.Client) Option {
	return func(q *Queue) {
		if client != nil {
			q.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

func WithGroup(group string) Option {
	return func(q *Queue) {
		group = strings.TrimSpace(group)
		if group != "" {
			q.group = group
		}
	}
}

func WithPassword(password string) Option {
	return func(q *Queue) { q.password = password }
}

func WithDB(db int) Option {
	return func(q *Queue) { q.db = db }
}

// WithVisibilityTimeout sets how long a claimed entry may stay pending
// before another consumer reclaims it. Zero disables reclaiming.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.visibility = d
		}
	}
}

func New(addr string, opts ...Option) (*Queue, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	q := &Queue{
		addr:       addr,
		prefix:     defaultPrefix,
		group:      defaultGroup,
		visibility: defaultVisibility,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.client == nil {
		q.client = goredis.NewClient(&goredis.Options{Addr: q.addr, Password: q.password, DB: q.db})
	}
	if err := q.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	q.streams = make(map[string]string, len(queue.Priorities))
	for _, p := range queue.Priorities {
		q.streams[p] = q.prefix + ":jobs:" + p
	}
	q.delayedKey = q.prefix + ":delayed"
	q.dlqStream = q.prefix + ":dlq"
	if err := q.ensureGroups(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureGroups(ctx context.Context) error {
	for _, stream := range q.streams {
		res := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0")
		if err := res.Err(); err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
			return fmt.Errorf("failed to ensure redis stream group: %w", err)
		}
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, task queue.Task) (string, error) {
	if task.JobID == "" {
		return "", fmt.Errorf("jobID is required")
	}
	now := time.Now().UTC()
	task = queue.Prepare(task, now)
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue task: %w", err)
	}

	if task.NotBefore != nil && task.NotBefore.After(now) {
		id := "delayed-" + uuid.NewString()
		err := q.client.ZAdd(ctx, q.delayedKey, goredis.Z{
			Score:  float64(task.NotBefore.UnixMilli()),
			Member: id + "|" + string(payload),
		}).Err()
		if err != nil {
			return "", fmt.Errorf("failed to schedule task: %w", err)
		}
		return id, nil
	}

	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.streams[task.Priority],
		Values: map[string]any{"payload": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return id, nil
}

func (q *Queue) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]queue.Delivery, error) {
	if strings.TrimSpace(consumer) == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if count <= 0 {
		count = 1
	}
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	out := make([]queue.Delivery, 0, count)
	if q.visibility > 0 {
		for _, p := range queue.Priorities {
			if len(out) >= count {
				return out, nil
			}
			msgs, _, err := q.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
				Stream:   q.streams[p],
				Group:    q.group,
				Consumer: consumer,
				MinIdle:  q.visibility,
				Start:    "0-0",
				Count:    int64(count - len(out)),
			}).Result()
			if err != nil && !errors.Is(err, goredis.Nil) {
				return nil, fmt.Errorf("failed to reclaim stale tasks: %w", err)
			}
			out = append(out, q.decode(ctx, consumer, q.streams[p], msgs, true)...)
		}
	}

	// One non-blocking pass in priority order, so a waiting high-priority
	// task is never starved by a busy low-priority stream.
	for _, p := range queue.Priorities {
		if len(out) >= count {
			return out, nil
		}
		got, err := q.read(ctx, consumer, []string{q.streams[p]}, count-len(out), -1)
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	if len(out) > 0 || block <= 0 {
		return out, nil
	}
	return q.read(ctx, consumer, q.priorityStreams(), count, block)
}

func (q *Queue) read(ctx context.Context, consumer string, streams []string, count int, block time.Duration) ([]queue.Delivery, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	res, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  args,
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []queue.Delivery{}, nil
		}
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	out := make([]queue.Delivery, 0, count)
	for _, stream := range res {
		out = append(out, q.decode(ctx, consumer, stream.Stream, stream.Messages, false)...)
	}
	return out, nil
}

func (q *Queue) decode(ctx context.Context, consumer, stream string, msgs []goredis.XMessage, redelivered bool) []queue.Delivery {
	out := make([]queue.Delivery, 0, len(msgs))
	for _, msg := range msgs {
		payload, _ := msg.Values["payload"].(string)
		var task queue.Task
		if payload == "" || json.Unmarshal([]byte(payload), &task) != nil {
			_ = q.client.XAck(ctx, stream, q.group, msg.ID).Err()
			continue
		}
		out = append(out, queue.Delivery{
			ID:          msg.ID,
			Stream:      stream,
			Task:        task,
			Received:    time.Now().UTC(),
			Consumer:    consumer,
			Redelivered: redelivered,
		})
	}
	return out
}

// promoteDue moves delayed tasks whose time has come onto their stream.
// ZREM arbitrates between concurrent consumers so each task moves once.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to read delayed tasks: %w", err)
	}
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey, member).Result()
		if err != nil {
			return fmt.Errorf("failed to promote delayed task: %w", err)
		}
		if removed == 0 {
			continue
		}
		_, payload, ok := strings.Cut(member, "|")
		if !ok {
			continue
		}
		var task queue.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			continue
		}
		task.NotBefore = nil
		raw, err := json.Marshal(task)
		if err != nil {
			continue
		}
		if err := q.client.XAdd(ctx, &goredis.XAddArgs{
			Stream: q.streams[queue.NormalizePriority(task.Priority)],
			Values: map[string]any{"payload": string(raw)},
		}).Err(); err != nil {
			return fmt.Errorf("failed to enqueue promoted task: %w", err)
		}
	}
	return nil
}

// Extend resets the entry's idle time with XCLAIM to the same consumer so
// XAUTOCLAIM in other workers keeps skipping it.
func (q *Queue) Extend(ctx context.Context, delivery queue.Delivery) error {
	if delivery.ID == "" || delivery.Stream == "" || delivery.Consumer == "" {
		return queue.ErrClaimLost
	}
	pending, err := q.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream:   delivery.Stream,
		Group:    q.group,
		Start:    delivery.ID,
		End:      delivery.ID,
		Count:    1,
		Consumer: delivery.Consumer,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to inspect pending entry: %w", err)
	}
	if len(pending) == 0 || (q.visibility > 0 && pending[0].Idle >= q.visibility) {
		return queue.ErrClaimLost
	}
	if err := q.client.XClaimJustID(ctx, &goredis.XClaimArgs{
		Stream:   delivery.Stream,
		Group:    q.group,
		Consumer: delivery.Consumer,
		Messages: []string{delivery.ID},
	}).Err(); err != nil {
		return fmt.Errorf("failed to extend claim: %w", err)
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, delivery queue.Delivery) error {
	if delivery.ID == "" || delivery.Stream == "" {
		return nil
	}
	if err := q.client.XAck(ctx, delivery.Stream, q.group, delivery.ID).Err(); err != nil {
		return fmt.Errorf("failed to ack queue message: %w", err)
	}
	_ = q.client.XDel(ctx, delivery.Stream, delivery.ID).Err()
	return nil
}

func (q *Queue) Requeue(ctx context.Context, task queue.Task, reason string, delay time.Duration) (string, error) {
	if delay > 0 {
		t := time.Now().UTC().Add(delay)
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

func (q *Queue) DeadLetter(ctx context.Context, delivery queue.Delivery, reason string) (string, error) {
	if delivery.Task.Metadata == nil {
		delivery.Task.Metadata = map[string]any{}
	}
	delivery.Task.Metadata["dead_letter_reason"] = reason
	payload, err := json.Marshal(delivery.Task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dead letter task: %w", err)
	}
	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.dlqStream,
		Values: map[string]any{
			"payload":   string(payload),
			"source_id": delivery.ID,
			"reason":    reason,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to move task to dlq: %w", err)
	}
	_ = q.Ack(ctx, delivery)
	return id, nil
}

func (q *Queue) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := q.client.XRevRangeN(ctx, q.dlqStream, "+", "-", int64(limit)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []queue.Delivery{}, nil
		}
		return nil, fmt.Errorf("failed to list dlq entries: %w", err)
	}
	out := make([]queue.Delivery, 0, len(entries))
	for _, entry := range entries {
		payload, _ := entry.Values["payload"].(string)
		if payload == "" {
			continue
		}
		var task queue.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			continue
		}
		out = append(out, queue.Delivery{ID: entry.ID, Stream: q.dlqStream, Task: task, Received: time.Now().UTC()})
	}
	return out, nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	stats := queue.Stats{Waiting: make(map[string]int64, len(q.streams))}
	for p, stream := range q.streams {
		n, err := q.client.XLen(ctx, stream).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return queue.Stats{}, fmt.Errorf("failed to read queue length: %w", err)
		}
		pending, err := q.client.XPending(ctx, stream, q.group).Result()
		if err == nil {
			stats.Pending += pending.Count
			n -= pending.Count
		}
		stats.Waiting[p] = max(n, 0)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return queue.Stats{}, fmt.Errorf("failed to read delayed count: %w", err)
	}
	stats.Delayed = delayed
	dlqLen, err := q.client.XLen(ctx, q.dlqStream).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return queue.Stats{}, fmt.Errorf("failed to read dlq length: %w", err)
	}
	stats.DLQLength = dlqLen
	return stats, nil
}

// RequeueDLQByID moves one dead letter back onto its priority stream.
func (q *Queue) RequeueDLQByID(ctx context.Context, id string, resetAttempt bool) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("id is required")
	}
	entries, err := q.client.XRangeN(ctx, q.dlqStream, id, id, 1).Result()
	if err != nil {
		return "", fmt.Errorf("failed to load dlq entry: %w", err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("dlq entry %q not found", id)
	}
	payload, _ := entries[0].Values["payload"].(string)
	if payload == "" {
		return "", fmt.Errorf("dlq entry %q has empty payload", id)
	}
	var task queue.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return "", fmt.Errorf("failed to decode dlq payload: %w", err)
	}
	if resetAttempt {
		task.Attempt = 1
	}
	delete(task.Metadata, "dead_letter_reason")
	task.NotBefore = nil
	task.EnqueuedAt = time.Now().UTC()
	newID, err := q.Enqueue(ctx, task)
	if err != nil {
		return "", err
	}
	_ = q.client.XDel(ctx, q.dlqStream, id).Err()
	return newID, nil
}

func (q *Queue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

func (q *Queue) priorityStreams() []string {
	out := make([]string, 0, len(queue.Priorities))
	for _, p := range queue.Priorities {
		out = append(out, q.streams[p])
	}
	return out
}

var _ queue.Queue = (*Queue)(nil)
