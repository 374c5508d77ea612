package sqlite

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

	"github.com/google/uuid"
	"github.com/howardjong/AgentPrice-sub003/observe"
	observestore "github.com/howardjong/AgentPrice-sub003/observe/store"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 200

// Fixed-width timestamps keep lexical order equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const eventColumns = `event_id, job_id, session_id, kind, status, name, provider, stage,
  progress, message, error, duration_ms, attributes, timestamp`

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite event path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveEvent(ctx context.Context, event observe.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode event attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		event.ID,
		event.JobID,
		event.SessionID,
		string(event.Kind),
		string(event.Status),
		event.Name,
		event.Provider,
		event.Stage,
		event.Progress,
		event.Message,
		event.Error,
		event.DurationMs,
		string(attrs),
		event.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// Emit lets the store sit directly in a sink chain.
func (s *Store) Emit(ctx context.Context, event observe.Event) error {
	return s.SaveEvent(ctx, event)
}

func (s *Store) ListEventsByJob(ctx context.Context, jobID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	return s.list(ctx, "job_id = ?", jobID, query)
}

func (s *Store) ListEventsBySession(ctx context.Context, sessionID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("sessionID is required")
	}
	return s.list(ctx, "session_id = ?", sessionID, query)
}

func (s *Store) list(ctx context.Context, predicate, value string, query observestore.ListQuery) ([]observe.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := max(query.Offset, 0)

	q := `SELECT ` + eventColumns + ` FROM job_events WHERE ` + predicate + ` ORDER BY timestamp ASC LIMIT ? OFFSET ?;`
	rows, err := s.db.QueryContext(ctx, q, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (observe.Event, error) {
	var (
		e      observe.Event
		kind   string
		status string
		attrs  string
		tsRaw  string
	)
	if err := scanner.Scan(
		&e.ID,
		&e.JobID,
		&e.SessionID,
		&kind,
		&status,
		&e.Name,
		&e.Provider,
		&e.Stage,
		&e.Progress,
		&e.Message,
		&e.Error,
		&e.DurationMs,
		&attrs,
		&tsRaw,
	); err != nil {
		return observe.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}
	e.Kind = observe.Kind(kind)
	e.Status = observe.Status(status)
	if ts, err := time.Parse(timeLayout, tsRaw); err == nil {
		e.Timestamp = ts
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
	}
	e.Normalize()
	return e, nil
}

func (s *Store) AggregateMetrics(ctx context.Context, query observestore.MetricsQuery) (observestore.MetricsSummary, error) {
	var metrics observestore.MetricsSummary
	if s == nil || s.db == nil {
		return metrics, nil
	}
	q := `SELECT kind, status, name, COUNT(*) FROM job_events`
	var args []any
	if query.Since != nil {
		q += ` WHERE timestamp >= ?`
		args = append(args, query.Since.UTC().Format(timeLayout))
	}
	q += ` GROUP BY kind, status, name;`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return metrics, fmt.Errorf("failed to aggregate events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind, status, name string
			n                  int64
		)
		if err := rows.Scan(&kind, &status, &name, &n); err != nil {
			return observestore.MetricsSummary{}, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		metrics.Tally(observe.Kind(kind), observe.Status(status), name, n)
	}
	if err := rows.Err(); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("failed to iterate metrics: %w", err)
	}
	return metrics, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ observestore.Store = (*Store)(nil)
	_ observe.Sink       = (*Store)(nil)
)
