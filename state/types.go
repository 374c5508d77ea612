package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/howardjong/AgentPrice-sub003/types"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
// queued->failed exists only for jobs that never reached the queue.
// processing->processing covers progress writes and retries.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	}
	return false
}

// CheckTransition is CanTransition as an error for store Save paths.
func CheckTransition(from, to JobStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps an empty string to normal and rejects anything else
// outside low, normal and high.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q (use low, normal, or high)", raw)
	}
}

type JobOptions struct {
	Model                       string            `json:"model,omitempty"`
	GenerateClarifyingQuestions bool              `json:"generateClarifyingQuestions,omitempty"`
	Priority                    Priority          `json:"priority,omitempty"`
	ClarificationAnswers        map[string]string `json:"clarificationAnswers,omitempty"`
	Extra                       map[string]any    `json:"extra,omitempty"`
}

type JobResult struct {
	Report              string               `json:"report"`
	Summary             string               `json:"summary,omitempty"`
	Citations           []types.Citation     `json:"citations,omitempty"`
	Visualization       *types.Visualization `json:"visualization,omitempty"`
	ClarifyingQuestions []string             `json:"clarifyingQuestions,omitempty"`
	Providers           []string             `json:"providers,omitempty"`
}

// StageRecord checkpoints one finished pipeline stage so a redelivered job
// does not call the provider for it again.
type StageRecord struct {
	Name        string           `json:"name"`
	Provider    string           `json:"provider"`
	Output      string           `json:"output"`
	Citations   []types.Citation `json:"citations,omitempty"`
	FailedOver  bool             `json:"failedOver,omitempty"`
	CompletedAt time.Time        `json:"completedAt"`
}

type ResearchJob struct {
	ID          string        `json:"id"`
	QueueJobID  string        `json:"queueJobId,omitempty"`
	Query       string        `json:"query"`
	Options     JobOptions    `json:"options"`
	Status      JobStatus     `json:"status"`
	Progress    int           `json:"progress"`
	Result      *JobResult    `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempt     int           `json:"attempt"`
	WorkerID    string        `json:"workerId,omitempty"`
	Stages      []StageRecord `json:"stages,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// Stage returns the checkpoint for name, if the stage already finished.
func (j ResearchJob) Stage(name string) (StageRecord, bool) {
	for _, s := range j.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageRecord{}, false
}

// Validate checks the record invariants every backend enforces on save.
func (j ResearchJob) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("invalid job status %q", j.Status)
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("job progress %d out of range", j.Progress)
	}
	switch j.Status {
	case StatusCompleted:
		if j.Result == nil || j.Error != "" {
			return fmt.Errorf("completed job %s must carry a result and no error", j.ID)
		}
	case StatusFailed:
		if j.Result != nil || j.Error == "" {
			return fmt.Errorf("failed job %s must carry an error and no result", j.ID)
		}
	default:
		if j.Result != nil {
			return fmt.Errorf("job %s in status %s cannot carry a result", j.ID, j.Status)
		}
	}
	return nil
}
