package observe

import "fmt"

// ProviderStateEvent describes a provider moving between registry states.
func ProviderStateEvent(provider, from, to, outcome string) Event {
	e := Event{
		Kind:     KindProvider,
		Status:   StatusCompleted,
		Name:     EventProviderState,
		Provider: provider,
		Message:  fmt.Sprintf("%s: %s -> %s", provider, from, to),
		Attributes: map[string]any{
			"from": from,
			"to":   to,
		},
	}
	if outcome != "" {
		e.Attributes["outcome"] = outcome
	}
	e.Normalize()
	return e
}

// JobEvent builds a lifecycle event for a research job. The status is
// derived from the event name.
func JobEvent(name, jobID string) Event {
	e := Event{
		Kind:  KindJob,
		Name:  name,
		JobID: jobID,
	}
	switch name {
	case EventJobQueued, EventJobProcessing:
		e.Status = StatusStarted
	case EventJobProgress:
		e.Status = StatusProgress
	case EventJobCompleted:
		e.Status = StatusCompleted
	case EventJobFailed:
		e.Status = StatusFailed
	case EventJobRetried:
		e.Status = StatusRetried
	}
	e.Normalize()
	return e
}
