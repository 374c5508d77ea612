package observe

import "time"

type Kind string

type Status string

const (
	KindJob      Kind = "job"
	KindProvider Kind = "provider"
	KindRealtime Kind = "realtime"
	KindHealth   Kind = "health"
	KindCustom   Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusProgress  Status = "progress"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetried   Status = "retried"
)

// Event names emitted by the job pipeline and the router.
const (
	EventJobQueued     = "job.queued"
	EventJobProcessing = "job.processing"
	EventJobProgress   = "job.progress"
	EventJobCompleted  = "job.completed"
	EventJobFailed     = "job.failed"
	EventJobRetried    = "job.retried"
	EventProviderCall  = "provider.call"
	EventProviderState = "provider.state"
)

type Event struct {
	ID         string         `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	JobID      string         `json:"jobId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status,omitempty"`
	Name       string         `json:"name,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Progress   int            `json:"progress,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
