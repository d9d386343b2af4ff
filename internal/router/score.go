package router

import (
	"regexp"
	"strings"

	"github.com/relaylabs/relay/pkg/models"
)

// Scoring signals. Matching is case-folded substring search on the raw
// message text; the token count is the fixed len/4 approximation, never a
// real tokenizer.
var (
	multiStepMarkers = []string{"then", "after", "next", "first", "second", "third", "finally", "step"}

	// numberedListPattern matches enumerated steps like "1. do x" or
	// "2) fetch y".
	numberedListPattern = regexp.MustCompile(`\b\d+\s*[.)]\s+\w+`)

	domainFamilies = map[string][]string{
		"code": {"code", "function", "debug", "compile", "program", "script", "refactor"},
		"math": {"math", "calculate", "equation", "integral", "derivative", "theorem", "proof"},
		"law":  {"law", "legal", "contract", "statute", "liability", "regulation"},
	}

	realtimeMarkers = []string{"now", "immediately", "quick", "fast", "urgent"}
	privacyMarkers  = []string{"private", "confidential", "secret", "personal"}
)

const (
	longMessageTokens     = 1000
	veryLongMessageTokens = 4000
	maxComplexity         = 10
)

// Score is the deterministic complexity assessment of one message.
type Score struct {
	// Complexity is in [0, 10].
	Complexity int

	// Realtime is set by urgency wording; it does not add to the score.
	Realtime bool

	// Privacy is set by privacy wording or by the config's privacy mode.
	Privacy bool
}

// approxTokens estimates the token count as ceil(len(text)/4).
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}

func containsAny(folded string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(folded, m) {
			return true
		}
	}
	return false
}

// ScoreMessage computes complexity and the realtime/privacy flags for a
// message under the given config. Pure function of its inputs.
func ScoreMessage(text string, cfg models.RouterConfig) Score {
	folded := strings.ToLower(text)
	tokens := approxTokens(text)

	score := 0
	if tokens >= longMessageTokens {
		score += 2
	}
	if tokens >= veryLongMessageTokens {
		score += 2
	}

	if containsAny(folded, multiStepMarkers) || numberedListPattern.MatchString(text) {
		score += 3
	}

	// Domain families contribute once, no matter how many match.
	for _, keywords := range domainFamilies {
		if containsAny(folded, keywords) {
			score += 2
			break
		}
	}

	if score > maxComplexity {
		score = maxComplexity
	}

	return Score{
		Complexity: score,
		Realtime:   containsAny(folded, realtimeMarkers),
		Privacy:    containsAny(folded, privacyMarkers) || cfg.PrivacyMode,
	}
}

// DerivePriority maps a score to the queue tier.
func DerivePriority(s Score) models.Priority {
	switch {
	case s.Complexity >= 8 || s.Realtime:
		return models.PriorityUrgent
	case s.Complexity >= 4:
		return models.PriorityNormal
	default:
		return models.PriorityBackground
	}
}
