package router

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Heuristics decides whether a turn needs live or web information.
type Heuristics struct {
	keywords []string
	patterns []*regexp.Regexp
}

// HeuristicsConfig is the file form of a rule set.
type HeuristicsConfig struct {
	Keywords []string `yaml:"keywords"`
	Patterns []string `yaml:"patterns"`
}

var defaultKeywords = []string{
	"latest",
	"current",
	"currently",
	"today",
	"recent",
	"recently",
	"this week",
	"this month",
	"this year",
	"right now",
	"news",
	"up-to-date",
	"up to date",
	"market data",
	"market rate",
	"market price",
	"going rate",
	"competitor",
	"competitors",
	"trending",
	"look up",
	"search the web",
	"statistics",
}

var defaultPatterns = []string{
	`\bwhat(?:'s| is| are)\s+the\s+(?:current|latest|newest)\b`,
	`\bhow much (?:does|do|is|are)\b.*\b(?:cost|charge|sell|priced?)\b`,
	`\b(?:in|as of|since)\s+20\d{2}\b`,
	`\bprice sensitivity\b`,
	`\bwho (?:is|are) (?:the )?(?:current|leading|top)\b`,
	`\bresearch\b.*\b(?:market|pricing|competitors?)\b`,
}

func DefaultHeuristics() *Heuristics {
	h, err := NewHeuristics(HeuristicsConfig{Keywords: defaultKeywords, Patterns: defaultPatterns})
	if err != nil {
		panic(fmt.Sprintf("default heuristics: %v", err))
	}
	return h
}

func NewHeuristics(cfg HeuristicsConfig) (*Heuristics, error) {
	h := &Heuristics{
		keywords: make([]string, 0, len(cfg.Keywords)),
		patterns: make([]*regexp.Regexp, 0, len(cfg.Patterns)),
	}
	for _, kw := range cfg.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			h.keywords = append(h.keywords, kw)
		}
	}
	for _, raw := range cfg.Patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return nil, fmt.Errorf("invalid heuristic pattern %q: %w", raw, err)
		}
		h.patterns = append(h.patterns, re)
	}
	return h, nil
}

// LoadHeuristics reads a YAML rule file. An empty path yields the defaults.
func LoadHeuristics(path string) (*Heuristics, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultHeuristics(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing heuristics file: %w", err)
	}
	var cfg HeuristicsConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse routing heuristics file: %w", err)
	}
	return NewHeuristics(cfg)
}

// NeedsLiveInfo reports a match and the rule that matched.
func (h *Heuristics) NeedsLiveInfo(text string) (bool, string) {
	if h == nil {
		return false, ""
	}
	lower := " " + strings.ToLower(text) + " "
	for _, kw := range h.keywords {
		if containsWord(lower, kw) {
			return true, "keyword:" + kw
		}
	}
	for _, re := range h.patterns {
		if re.MatchString(text) {
			return true, "pattern:" + re.String()
		}
	}
	return false, ""
}

// containsWord matches kw only on word boundaries. haystack must be padded
// with a space on both ends.
func containsWord(haystack, kw string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		if !isWordByte(haystack[start-1]) && (end >= len(haystack) || !isWordByte(haystack[end])) {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
