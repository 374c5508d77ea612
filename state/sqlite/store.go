package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/howardjong/AgentPrice-sub003/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
	timeLayout         = "2006-01-02T15:04:05.000000000Z07:00"
)

const jobColumns = `id, queue_job_id, query, options, status, progress, result, error,
  attempt, worker_id, stages, created_at, updated_at, started_at, completed_at`

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
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

	optionsRaw, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal job options: %w", err)
	}
	var resultRaw any
	if job.Result != nil {
		raw, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal job result: %w", err)
		}
		resultRaw = string(raw)
	}
	if job.Stages == nil {
		job.Stages = []state.StageRecord{}
	}
	stagesRaw, err := json.Marshal(job.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal job stages: %w", err)
	}

	// queue_job_id is only overwritten with a non-empty value so a worker
	// save cannot erase the id attached after enqueue. The WHERE clause
	// refuses status moves CanTransition forbids.
	from := sourcesOf(job.Status)
	q := `
INSERT INTO research_jobs (` + jobColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  queue_job_id=CASE WHEN excluded.queue_job_id = '' THEN research_jobs.queue_job_id ELSE excluded.queue_job_id END,
  query=excluded.query,
  options=excluded.options,
  status=excluded.status,
  progress=excluded.progress,
  result=excluded.result,
  error=excluded.error,
  attempt=excluded.attempt,
  worker_id=excluded.worker_id,
  stages=excluded.stages,
  updated_at=excluded.updated_at,
  started_at=excluded.started_at,
  completed_at=excluded.completed_at
WHERE research_jobs.status IN (` + placeholders(len(from)) + `);
`
	args := []any{
		job.ID,
		job.QueueJobID,
		job.Query,
		string(optionsRaw),
		string(job.Status),
		job.Progress,
		resultRaw,
		job.Error,
		job.Attempt,
		job.WorkerID,
		string(stagesRaw),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
		toNullableTime(job.StartedAt),
		toNullableTime(job.CompletedAt),
	}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	// An existing row whose status may not move to job.Status is left as is.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		prev, err := s.Get(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
		if err := state.CheckTransition(prev.Status, job.Status); err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}
	return nil
}

// sourcesOf lists the statuses a job may hold before moving to to.
func sourcesOf(to state.JobStatus) []state.JobStatus {
	var out []state.JobStatus
	for _, from := range []state.JobStatus{state.StatusQueued, state.StatusProcessing, state.StatusCompleted, state.StatusFailed} {
		if state.CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *Store) Get(ctx context.Context, id string) (state.ResearchJob, error) {
	if strings.TrimSpace(id) == "" {
		return state.ResearchJob{}, fmt.Errorf("job id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM research_jobs WHERE id = ?;`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.ResearchJob{}, state.ErrNotFound
		}
		return state.ResearchJob{}, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, query state.ListQuery) ([]state.ResearchJob, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := max(query.Offset, 0)

	sqlText := `SELECT ` + jobColumns + ` FROM research_jobs`
	var args []any
	if query.Status != "" {
		sqlText += ` WHERE status = ?`
		args = append(args, string(query.Status))
	}
	sqlText += ` ORDER BY created_at DESC LIMIT ? OFFSET ?;`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]state.ResearchJob, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) SetQueueJobID(ctx context.Context, id, queueJobID string) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(queueJobID) == "" {
		return fmt.Errorf("job id and queue job id are required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_jobs SET queue_job_id = ? WHERE id = ?;`,
		queueJobID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set queue job id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (state.ResearchJob, error) {
	var (
		job          state.ResearchJob
		status       string
		optionsRaw   string
		resultRaw    sql.NullString
		stagesRaw    string
		createdRaw   string
		updatedRaw   string
		startedRaw   sql.NullString
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.QueueJobID,
		&job.Query,
		&optionsRaw,
		&status,
		&job.Progress,
		&resultRaw,
		&job.Error,
		&job.Attempt,
		&job.WorkerID,
		&stagesRaw,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&completedRaw,
	); err != nil {
		return state.ResearchJob{}, err
	}
	job.Status = state.JobStatus(status)
	if err := json.Unmarshal([]byte(optionsRaw), &job.Options); err != nil {
		return state.ResearchJob{}, fmt.Errorf("failed to decode job options: %w", err)
	}
	if resultRaw.Valid && resultRaw.String != "" {
		var result state.JobResult
		if err := json.Unmarshal([]byte(resultRaw.String), &result); err != nil {
			return state.ResearchJob{}, fmt.Errorf("failed to decode job result: %w", err)
		}
		job.Result = &result
	}
	if err := json.Unmarshal([]byte(stagesRaw), &job.Stages); err != nil {
		return state.ResearchJob{}, fmt.Errorf("failed to decode job stages: %w", err)
	}
	var err error
	if job.CreatedAt, err = parseTime(createdRaw); err != nil {
		return state.ResearchJob{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedRaw); err != nil {
		return state.ResearchJob{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if job.StartedAt, err = parseNullableTime(startedRaw); err != nil {
		return state.ResearchJob{}, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if job.CompletedAt, err = parseNullableTime(completedRaw); err != nil {
		return state.ResearchJob{}, fmt.Errorf("failed to parse completed_at: %w", err)
	}
	return job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseNullableTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

var _ state.Store = (*Store)(nil)
