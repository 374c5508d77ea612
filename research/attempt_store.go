package research

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var attemptSchema string

// ledgerTime keeps lexical order equal to time order in TEXT columns.
const ledgerTime = "2006-01-02T15:04:05.000000000Z07:00"

// Attempt statuses recorded in the ledger.
const (
	AttemptRunning     = "running"
	AttemptCompleted   = "completed"
	AttemptFailed      = "failed"
	AttemptInterrupted = "interrupted"
)

// Worker heartbeat statuses.
const (
	WorkerOnline  = "online"
	WorkerOffline = "offline"
)

// AttemptStore is the worker's operational ledger: one row per processing
// attempt, the latest heartbeat per worker, and an append-only queue log.
type AttemptStore interface {
	StartAttempt(ctx context.Context, record AttemptRecord) error
	FinishAttempt(ctx context.Context, jobID string, attempt int, status string, errText string) error
	ListAttempts(ctx context.Context, jobID string, limit int) ([]AttemptRecord, error)
	SaveWorkerHeartbeat(ctx context.Context, heartbeat WorkerHeartbeat) error
	ListWorkerHeartbeats(ctx context.Context, limit int) ([]WorkerHeartbeat, error)
	SaveQueueEvent(ctx context.Context, event QueueEvent) error
	ListQueueEvents(ctx context.Context, jobID string, limit int) ([]QueueEvent, error)
	Close() error
}

// SQLiteAttemptStore keeps the ledger in a single SQLite file shared by
// every worker in the process.
type SQLiteAttemptStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteAttemptStore(path string) (*SQLiteAttemptStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("attempt ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attempt ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open attempt ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;", attemptSchema} {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize attempt ledger: %w", err)
		}
	}
	return &SQLiteAttemptStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// StartAttempt records that a worker picked up attempt n of a job. A
// redelivered attempt with the same number overwrites the earlier row.
func (s *SQLiteAttemptStore) StartAttempt(ctx context.Context, record AttemptRecord) error {
	if record.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if record.Attempt <= 0 {
		return fmt.Errorf("attempt must be positive, got %d", record.Attempt)
	}
	if record.Status == "" {
		record.Status = AttemptRunning
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = s.now()
	}
	meta, err := encodeMap(record.Metadata)
	if err != nil {
		return fmt.Errorf("encode attempt metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO job_attempts (job_id, attempt, worker_id, status, started_at, ended_at, error, metadata)
VALUES (?, ?, ?, ?, ?, NULL, '', ?)
ON CONFLICT(job_id, attempt) DO UPDATE SET
  worker_id = excluded.worker_id, status = excluded.status, started_at = excluded.started_at,
  ended_at = NULL, error = '', metadata = excluded.metadata;`,
		record.JobID, record.Attempt, record.WorkerID, record.Status, stamp(record.StartedAt), meta)
	if err != nil {
		return fmt.Errorf("start attempt %s#%d: %w", record.JobID, record.Attempt, err)
	}
	return nil
}

func (s *SQLiteAttemptStore) FinishAttempt(ctx context.Context, jobID string, attempt int, status string, errText string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if attempt <= 0 {
		return fmt.Errorf("attempt must be positive, got %d", attempt)
	}
	if status == "" {
		status = AttemptFailed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_attempts SET status = ?, ended_at = ?, error = ? WHERE job_id = ? AND attempt = ?;`,
		status, stamp(s.now()), errText, jobID, attempt)
	if err != nil {
		return fmt.Errorf("finish attempt %s#%d: %w", jobID, attempt, err)
	}
	return nil
}

// ListAttempts returns a job's attempts, latest first.
func (s *SQLiteAttemptStore) ListAttempts(ctx context.Context, jobID string, limit int) ([]AttemptRecord, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job id is required")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, attempt, worker_id, status, started_at, ended_at, error, metadata
FROM job_attempts WHERE job_id = ? ORDER BY attempt DESC LIMIT ?;`, jobID, clampLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	out := []AttemptRecord{}
	for rows.Next() {
		var (
			r             AttemptRecord
			started, meta string
			ended         sql.NullString
		)
		if err := rows.Scan(&r.JobID, &r.Attempt, &r.WorkerID, &r.Status, &started, &ended, &r.Error, &meta); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		r.StartedAt = unstamp(started)
		if ended.Valid {
			t := unstamp(ended.String)
			r.EndedAt = &t
		}
		r.Metadata = decodeMap(meta)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveWorkerHeartbeat keeps only the latest heartbeat per worker.
func (s *SQLiteAttemptStore) SaveWorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error {
	if hb.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if hb.Status == "" {
		hb.Status = WorkerOnline
	}
	if hb.LastSeenAt.IsZero() {
		hb.LastSeenAt = s.now()
	}
	meta, err := encodeMap(hb.Metadata)
	if err != nil {
		return fmt.Errorf("encode heartbeat metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO worker_heartbeats (worker_id, status, last_seen_at, capacity, metadata)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
  status = excluded.status, last_seen_at = excluded.last_seen_at,
  capacity = excluded.capacity, metadata = excluded.metadata;`,
		hb.WorkerID, hb.Status, stamp(hb.LastSeenAt), hb.Capacity, meta)
	if err != nil {
		return fmt.Errorf("save heartbeat for %s: %w", hb.WorkerID, err)
	}
	return nil
}

// ListWorkerHeartbeats returns workers by most recent contact.
func (s *SQLiteAttemptStore) ListWorkerHeartbeats(ctx context.Context, limit int) ([]WorkerHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT worker_id, status, last_seen_at, capacity, metadata
FROM worker_heartbeats ORDER BY last_seen_at DESC LIMIT ?;`, clampLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("list worker heartbeats: %w", err)
	}
	defer rows.Close()
	out := []WorkerHeartbeat{}
	for rows.Next() {
		var (
			h              WorkerHeartbeat
			lastSeen, meta string
		)
		if err := rows.Scan(&h.WorkerID, &h.Status, &lastSeen, &h.Capacity, &meta); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		h.LastSeenAt = unstamp(lastSeen)
		h.Metadata = decodeMap(meta)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLiteAttemptStore) SaveQueueEvent(ctx context.Context, event QueueEvent) error {
	if event.Event == "" {
		return fmt.Errorf("queue event name is required")
	}
	if event.At.IsZero() {
		event.At = s.now()
	}
	payload, err := encodeMap(event.Payload)
	if err != nil {
		return fmt.Errorf("encode queue event payload: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_events (job_id, event, at, payload) VALUES (?, ?, ?, ?);`,
		event.JobID, event.Event, stamp(event.At), payload); err != nil {
		return fmt.Errorf("save queue event %s: %w", event.Event, err)
	}
	return nil
}

// ListQueueEvents returns the newest events first. An empty jobID lists
// events across all jobs.
func (s *SQLiteAttemptStore) ListQueueEvents(ctx context.Context, jobID string, limit int) ([]QueueEvent, error) {
	query := `SELECT id, job_id, event, at, payload FROM queue_events `
	var args []any
	if jobID = strings.TrimSpace(jobID); jobID != "" {
		query += `WHERE job_id = ? `
		args = append(args, jobID)
	}
	query += `ORDER BY at DESC, id DESC LIMIT ?;`
	args = append(args, clampLimit(limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue events: %w", err)
	}
	defer rows.Close()
	out := []QueueEvent{}
	for rows.Next() {
		var (
			e           QueueEvent
			at, payload string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Event, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan queue event: %w", err)
		}
		e.At = unstamp(at)
		e.Payload = decodeMap(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune drops finished attempts and queue events older than before, and
// heartbeats from workers not seen since then. Running attempts are kept.
func (s *SQLiteAttemptStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := stamp(before)
	var total int64
	for _, stmt := range []string{
		`DELETE FROM job_attempts WHERE ended_at IS NOT NULL AND ended_at < ?;`,
		`DELETE FROM queue_events WHERE at < ?;`,
		`DELETE FROM worker_heartbeats WHERE last_seen_at < ?;`,
	} {
		res, err := s.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune attempt ledger: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *SQLiteAttemptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	return string(raw), err
}

func decodeMap(raw string) map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal([]byte(raw), &out)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func stamp(t time.Time) string { return t.UTC().Format(ledgerTime) }

func unstamp(raw string) time.Time {
	t, err := time.Parse(ledgerTime, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ AttemptStore = (*SQLiteAttemptStore)(nil)
