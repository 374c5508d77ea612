package llm

import (
	"encoding/json"
	"strings"

	"github.com/howardjong/AgentPrice-sub003/types"
)

const visualizationFence = "```visualization"

// ExtractVisualization pulls the first fenced ```visualization block out of
// text and decodes it. Malformed blocks are left in place.
func ExtractVisualization(text string) (string, *types.Visualization) {
	start := strings.Index(text, visualizationFence)
	if start < 0 {
		return text, nil
	}
	bodyStart := start + len(visualizationFence)
	end := strings.Index(text[bodyStart:], "```")
	if end < 0 {
		return text, nil
	}
	body := strings.TrimSpace(text[bodyStart : bodyStart+end])

	var viz types.Visualization
	if err := json.Unmarshal([]byte(body), &viz); err != nil || viz.Kind == "" {
		return text, nil
	}
	rest := text[:start] + text[bodyStart+end+3:]
	return strings.TrimSpace(rest), &viz
}
