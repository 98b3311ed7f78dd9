package decompose

import (
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/flotilla-ai/flotilla/internal/core"
)

// strategyKeywords drives auto-strategy inference. Order matters: on a
// scoring tie the earlier strategy wins, so the more specific intents
// come first.
var strategyKeywords = []struct {
	strategy core.Strategy
	keywords []string
}{
	{core.StrategyTesting, []string{"test", "verify", "validate", "coverage", "regression"}},
	{core.StrategyOptimization, []string{"optimize", "performance", "profile", "speed", "latency", "faster"}},
	{core.StrategyMaintenance, []string{"fix", "bug", "refactor", "upgrade", "maintain", "cleanup", "patch"}},
	{core.StrategyResearch, []string{"research", "investigate", "explore", "study", "survey", "literature"}},
	{core.StrategyAnalysis, []string{"analyze", "analysis", "evaluate", "assess", "compare", "report"}},
	{core.StrategyDevelopment, []string{"build", "implement", "create", "develop", "write", "code", "feature"}},
}

// InferStrategy maps a free-form objective to the closest concrete
// strategy. Keywords match fuzzily so "optimizing" still hits
// "optimize". Returns false when nothing matches.
func InferStrategy(objective string) (core.Strategy, bool) {
	words := tokenize(objective)
	if len(words) == 0 {
		return "", false
	}

	best := core.Strategy("")
	bestScore := 0
	for _, entry := range strategyKeywords {
		score := 0
		for _, kw := range entry.keywords {
			matches := fuzzy.Find(kw, words)
			if len(matches) == 0 {
				continue
			}
			// Exact hits weigh more than fuzzy prefixes.
			if words[matches[0].Index] == kw {
				score += 2
			} else {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = entry.strategy
		}
	}
	if bestScore == 0 {
		return "", false
	}
	return best, true
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}
