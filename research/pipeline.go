package research

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/howardjong/AgentPrice-sub003/router"
	"github.com/howardjong/AgentPrice-sub003/state"
	"github.com/howardjong/AgentPrice-sub003/types"
)

const (
	StageClarify    = "clarify"
	StageResearch   = "research"
	StageSynthesize = "synthesize"
)

const (
	progressStarted = 5
	maxQuestions    = 5
)

const (
	clarifyPrompt = "You help scope market and pricing research requests. " +
		"Reply with up to five short clarifying questions, one per line, and nothing else."
	researchPrompt = "You are a pricing research analyst. Search current sources, " +
		"report concrete findings with figures where available, and cite every source."
	synthesizePrompt = "Write a structured research report from the findings provided. " +
		"Open with a one-paragraph summary, then detail, then recommendations."
)

// CheckpointFunc persists a finished stage before the next one starts.
type CheckpointFunc func(ctx context.Context, record state.StageRecord, progress int) error

// Pipeline runs the research stages for one job through the router.
type Pipeline struct {
	router          Router
	maxOutputTokens int
	now             func() time.Time
}

type PipelineOption func(*Pipeline)

func WithMaxOutputTokens(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxOutputTokens = n
		}
	}
}

func NewPipeline(r Router, opts ...PipelineOption) (*Pipeline, error) {
	if r == nil {
		return nil, fmt.Errorf("router is required")
	}
	p := &Pipeline{
		router: r,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Stages lists the stages job will run, in order.
func Stages(job state.ResearchJob) []string {
	if job.Options.GenerateClarifyingQuestions && len(job.Options.ClarificationAnswers) == 0 {
		return []string{StageClarify, StageResearch, StageSynthesize}
	}
	return []string{StageResearch, StageSynthesize}
}

// stageProgress spreads 10..90 across the stages; completion writes 100.
func stageProgress(index, total int) int {
	return 10 + (index+1)*80/total
}

// Run executes every stage that has no checkpoint on job. Stages before the
// last are checkpointed through save; the final stage feeds the result
// directly.
func (p *Pipeline) Run(ctx context.Context, job state.ResearchJob, save CheckpointFunc) (*state.JobResult, error) {
	stages := Stages(job)
	outputs := make(map[string]state.StageRecord, len(stages))
	result := &state.JobResult{}

	for i, name := range stages {
		if rec, ok := job.Stage(name); ok {
			outputs[name] = rec
			continue
		}
		history, hint, opts := p.request(job, name, outputs)
		res, err := p.router.Route(ctx, history, hint, opts)
		if err != nil {
			return nil, &JobProcessingError{JobID: job.ID, Stage: name, Attempt: job.Attempt, Err: err}
		}
		rec := state.StageRecord{
			Name:        name,
			Provider:    res.Provider,
			Output:      res.Response.Text,
			Citations:   res.Citations,
			FailedOver:  res.FailedOver,
			CompletedAt: p.now(),
		}
		outputs[name] = rec
		if name == StageSynthesize {
			result.Visualization = res.Visualization
		}
		if i < len(stages)-1 && save != nil {
			if err := save(ctx, rec, stageProgress(i, len(stages))); err != nil {
				return nil, fmt.Errorf("failed to checkpoint stage %s: %w", name, err)
			}
		}
	}

	if rec, ok := outputs[StageClarify]; ok {
		result.ClarifyingQuestions = parseQuestions(rec.Output)
	}
	final := outputs[StageSynthesize]
	result.Report = final.Output
	result.Summary = summarize(final.Output)
	result.Citations = mergeCitations(outputs[StageResearch].Citations, final.Citations)
	result.Providers = providersOf(stages, outputs)
	return result, nil
}

func (p *Pipeline) request(job state.ResearchJob, stage string, outputs map[string]state.StageRecord) ([]types.Message, string, router.Options) {
	opts := router.Options{
		MaxOutputTokens: p.maxOutputTokens,
		Extra:           job.Options.Extra,
	}
	switch stage {
	case StageClarify:
		opts.SystemPrompt = clarifyPrompt
		return []types.Message{{Role: types.RoleUser, Content: job.Query}}, p.router.Conversational(), opts
	case StageResearch:
		opts.SystemPrompt = researchPrompt
		research := p.router.Research()
		if job.Options.Model != "" && research != "" {
			opts.Models = map[string]string{research: job.Options.Model}
		}
		return []types.Message{{Role: types.RoleUser, Content: researchQuery(job)}}, research, opts
	default:
		opts.SystemPrompt = synthesizePrompt
		var b strings.Builder
		fmt.Fprintf(&b, "Research question: %s\n\nFindings:\n%s", job.Query, outputs[StageResearch].Output)
		if cites := outputs[StageResearch].Citations; len(cites) > 0 {
			b.WriteString("\n\nSources:\n")
			for _, c := range cites {
				fmt.Fprintf(&b, "- %s\n", c.URL)
			}
		}
		return []types.Message{{Role: types.RoleUser, Content: b.String()}}, p.router.Conversational(), opts
	}
}

func researchQuery(job state.ResearchJob) string {
	if len(job.Options.ClarificationAnswers) == 0 {
		return job.Query
	}
	questions := make([]string, 0, len(job.Options.ClarificationAnswers))
	for q := range job.Options.ClarificationAnswers {
		questions = append(questions, q)
	}
	sort.Strings(questions)
	var b strings.Builder
	b.WriteString(job.Query)
	b.WriteString("\n\nAdditional context:")
	for _, q := range questions {
		fmt.Fprintf(&b, "\n- %s %s", q, job.Options.ClarificationAnswers[q])
	}
	return b.String()
}

func parseQuestions(text string) []string {
	out := make([]string, 0, maxQuestions)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•0123456789.) ")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxQuestions {
			break
		}
	}
	return out
}

func summarize(report string) string {
	report = strings.TrimSpace(report)
	if first, _, ok := strings.Cut(report, "\n\n"); ok {
		return strings.TrimSpace(first)
	}
	return report
}

func mergeCitations(lists ...[]types.Citation) []types.Citation {
	seen := map[string]bool{}
	var out []types.Citation
	for _, list := range lists {
		for _, c := range list {
			if c.URL == "" || seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			out = append(out, c)
		}
	}
	return out
}

func providersOf(stages []string, outputs map[string]state.StageRecord) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(stages))
	for _, name := range stages {
		p := outputs[name].Provider
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
