// Package store persists pipeline events as a per-job timeline.
package store

import (
	"context"
	"time"

	"github.com/howardjong/AgentPrice-sub003/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
}

type MetricsQuery struct {
	Since *time.Time
}

type MetricsSummary struct {
	JobsQueued       int64 `json:"jobsQueued"`
	JobsCompleted    int64 `json:"jobsCompleted"`
	JobsFailed       int64 `json:"jobsFailed"`
	JobsRetried      int64 `json:"jobsRetried"`
	ProviderCalls    int64 `json:"providerCalls"`
	ProviderFailures int64 `json:"providerFailures"`
	StateChanges     int64 `json:"stateChanges"`
}

type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsByJob(ctx context.Context, jobID string, query ListQuery) ([]observe.Event, error)
	ListEventsBySession(ctx context.Context, sessionID string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}

// Tally folds one event into the summary. Backends that aggregate in SQL
// call it once per grouped row with the row count.
func (m *MetricsSummary) Tally(kind observe.Kind, status observe.Status, name string, n int64) {
	switch kind {
	case observe.KindJob:
		switch {
		case name == observe.EventJobQueued:
			m.JobsQueued += n
		case status == observe.StatusCompleted:
			m.JobsCompleted += n
		case status == observe.StatusFailed:
			m.JobsFailed += n
		case status == observe.StatusRetried:
			m.JobsRetried += n
		}
	case observe.KindProvider:
		switch {
		case name == observe.EventProviderState:
			m.StateChanges += n
		case status == observe.StatusCompleted:
			m.ProviderCalls += n
		case status == observe.StatusFailed:
			m.ProviderCalls += n
			m.ProviderFailures += n
		}
	}
}
