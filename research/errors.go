package research

import (
	"errors"
	"fmt"

	"github.com/howardjong/AgentPrice-sub003/llm"
	"github.com/howardjong/AgentPrice-sub003/router"
)

var ErrJobNotFound = errors.New("research job not found")

// JobSubmissionError is returned by Submit when a job could not be accepted.
// JobID is set when a record was written before the failure.
type JobSubmissionError struct {
	JobID  string
	Reason string
	Err    error
}

func (e *JobSubmissionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("job submission failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("job submission failed: %s", e.Reason)
}

func (e *JobSubmissionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// JobProcessingError describes a failed pipeline stage. It is recorded on
// the job and never returned to submitters.
type JobProcessingError struct {
	JobID   string
	Stage   string
	Attempt int
	Err     error
}

func (e *JobProcessingError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("stage %s failed on attempt %d: %v", e.Stage, e.Attempt, e.Err)
}

func (e *JobProcessingError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether another attempt could succeed. Rate limits,
// server errors and an all-offline provider set are worth retrying; auth and
// request errors are not.
func (e *JobProcessingError) Retryable() bool {
	if e == nil || e.Err == nil {
		return false
	}
	if errors.Is(e.Err, router.ErrNoEligibleProvider) {
		return true
	}
	return llm.ClassOf(e.Err).Retryable()
}
