package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/howardjong/AgentPrice-sub003/state"
)

const (
	defaultLimit   = 50
	defaultPrefix  = "agentprice:jobs"
	scanBatch      = 100
	maxTxnAttempts = 5
)

// Store keeps each job as a JSON string plus a creation-time sorted set used
// for listing. A zero TTL keeps records indefinitely.
type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

// WithTTL expires job records after ttl. Used when Redis fronts a durable
// store.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Store) Save(ctx context.Context, job state.ResearchJob) error {
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

	key := s.jobKey(job.ID)
	return s.withTxn(ctx, key, func(tx *goredis.Tx) error {
		rec := job
		existing, err := s.read(ctx, tx, key)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return err
		}
		// A TTL store mirrors a durable store that already checked the move.
		if err == nil && s.ttl == 0 {
			if err := state.CheckTransition(existing.Status, rec.Status); err != nil {
				return fmt.Errorf("job %s: %w", rec.ID, err)
			}
		}
		if rec.QueueJobID == "" {
			rec.QueueJobID = existing.QueueJobID
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, string(raw), s.ttl)
			pipe.ZAdd(ctx, s.indexKey(), goredis.Z{
				Score:  float64(rec.CreatedAt.UnixNano()),
				Member: rec.ID,
			})
			return nil
		})
		return err
	})
}

func (s *Store) Get(ctx context.Context, id string) (state.ResearchJob, error) {
	if strings.TrimSpace(id) == "" {
		return state.ResearchJob{}, fmt.Errorf("job id is required")
	}
	return s.read(ctx, s.client, s.jobKey(id))
}

// SetQueueJobID rewrites only the queue id under WATCH so a concurrent
// worker save is never overwritten with stale fields.
func (s *Store) SetQueueJobID(ctx context.Context, id, queueJobID string) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(queueJobID) == "" {
		return fmt.Errorf("job id and queue job id are required")
	}
	key := s.jobKey(id)
	return s.withTxn(ctx, key, func(tx *goredis.Tx) error {
		job, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		job.QueueJobID = queueJobID
		raw, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, string(raw), goredis.KeepTTL)
			return nil
		})
		return err
	})
}

func (s *Store) List(ctx context.Context, query state.ListQuery) ([]state.ResearchJob, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	skip := max(query.Offset, 0)

	out := make([]state.ResearchJob, 0, limit)
	for start := int64(0); len(out) < limit; start += scanBatch {
		ids, err := s.client.ZRevRange(ctx, s.indexKey(), start, start+scanBatch-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list job ids: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.jobKey(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to mget jobs: %w", err)
		}

		stale := make([]any, 0)
		for i, raw := range values {
			str, ok := raw.(string)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			var job state.ResearchJob
			if err := json.Unmarshal([]byte(str), &job); err != nil {
				continue
			}
			if query.Status != "" && job.Status != query.Status {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, job)
			if len(out) >= limit {
				break
			}
		}
		if len(stale) > 0 {
			_ = s.client.ZRem(ctx, s.indexKey(), stale...).Err()
		}
		if len(ids) < scanBatch {
			break
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) read(ctx context.Context, c getter, key string) (state.ResearchJob, error) {
	raw, err := c.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.ResearchJob{}, state.ErrNotFound
		}
		return state.ResearchJob{}, fmt.Errorf("failed to load job from redis: %w", err)
	}
	var job state.ResearchJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return state.ResearchJob{}, fmt.Errorf("failed to decode job from redis: %w", err)
	}
	return job, nil
}

func (s *Store) withTxn(ctx context.Context, key string, fn func(tx *goredis.Tx) error) error {
	for i := 0; i < maxTxnAttempts; i++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("failed to write job in redis: %w", err)
		}
		return err
	}
	return state.ErrConflict
}

func (s *Store) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", s.prefix, id)
}

func (s *Store) indexKey() string {
	return fmt.Sprintf("%s:idx:created", s.prefix)
}

var _ state.Store = (*Store)(nil)
