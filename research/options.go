package research

import (
	"fmt"

	"github.com/howardjong/AgentPrice-sub003/state"
)

// ParseOptions splits a raw submission options object into the keys the
// orchestrator understands and an opaque remainder passed to providers.
func ParseOptions(raw map[string]any) (state.JobOptions, error) {
	var opts state.JobOptions
	for key, value := range raw {
		switch key {
		case "model":
			s, ok := value.(string)
			if !ok {
				return state.JobOptions{}, fmt.Errorf("option model must be a string")
			}
			opts.Model = s
		case "generateClarifyingQuestions":
			b, ok := value.(bool)
			if !ok {
				return state.JobOptions{}, fmt.Errorf("option generateClarifyingQuestions must be a boolean")
			}
			opts.GenerateClarifyingQuestions = b
		case "priority":
			s, ok := value.(string)
			if !ok {
				return state.JobOptions{}, fmt.Errorf("option priority must be a string")
			}
			p, err := state.ParsePriority(s)
			if err != nil {
				return state.JobOptions{}, err
			}
			opts.Priority = p
		case "clarificationAnswers":
			answers, ok := value.(map[string]any)
			if !ok {
				return state.JobOptions{}, fmt.Errorf("option clarificationAnswers must be an object")
			}
			opts.ClarificationAnswers = make(map[string]string, len(answers))
			for q, a := range answers {
				opts.ClarificationAnswers[q] = fmt.Sprint(a)
			}
		default:
			if opts.Extra == nil {
				opts.Extra = map[string]any{}
			}
			opts.Extra[key] = value
		}
	}
	return opts, nil
}
