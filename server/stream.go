package server

import (
	"sync"
	"sync/atomic"

	"github.com/howardjong/AgentPrice-sub003/observe"
)

const watchBuffer = 128

// jobWatch is one SSE client following a single research job.
type jobWatch struct {
	jobID  string
	events chan observe.Event
}

// jobWatchers routes research events to the SSE clients watching that job.
// A full watcher buffer drops the event and counts it.
type jobWatchers struct {
	mu      sync.Mutex
	byJob   map[string]map[*jobWatch]struct{}
	dropped atomic.Int64
}

func newJobWatchers() *jobWatchers {
	return &jobWatchers{byJob: map[string]map[*jobWatch]struct{}{}}
}

func (j *jobWatchers) watch(jobID string) *jobWatch {
	w := &jobWatch{jobID: jobID, events: make(chan observe.Event, watchBuffer)}
	j.mu.Lock()
	set := j.byJob[jobID]
	if set == nil {
		set = map[*jobWatch]struct{}{}
		j.byJob[jobID] = set
	}
	set[w] = struct{}{}
	j.mu.Unlock()
	return w
}

func (j *jobWatchers) release(w *jobWatch) {
	j.mu.Lock()
	defer j.mu.Unlock()
	set := j.byJob[w.jobID]
	if _, ok := set[w]; !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(j.byJob, w.jobID)
	}
	close(w.events)
}

func (j *jobWatchers) deliver(event observe.Event) {
	if event.JobID == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for w := range j.byJob[event.JobID] {
		select {
		case w.events <- event:
		default:
			j.dropped.Add(1)
		}
	}
}

// size reports open watchers across all jobs.
func (j *jobWatchers) size() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, set := range j.byJob {
		n += len(set)
	}
	return n
}
