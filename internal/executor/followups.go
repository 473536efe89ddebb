package executor

import (
	"context"
	"strings"
)

// FollowUpSuggester proposes next questions after a successful run.
// Suggestions are decoration on the final answer; a failure here never
// affects the run's outcome.
type FollowUpSuggester interface {
	Suggest(ctx context.Context, query, answer string) ([]string, error)
}

// KeywordSuggester is a cheap heuristic suggester keyed off the answer
// text. A runtime-backed suggester can replace it without touching the
// executor.
type KeywordSuggester struct{}

func NewKeywordSuggester() *KeywordSuggester {
	return &KeywordSuggester{}
}

func (s *KeywordSuggester) Suggest(_ context.Context, query, answer string) ([]string, error) {
	lower := strings.ToLower(answer)

	var out []string
	switch {
	case strings.Contains(lower, "[chart:") || strings.Contains(lower, "[plot:"):
		out = append(out,
			"Can you break this chart down by month?",
			"Export the underlying data as CSV",
		)
	case strings.Contains(lower, "error") || strings.Contains(lower, "failed"):
		out = append(out, "What went wrong, and how can it be fixed?")
	default:
		out = append(out, "Can you go into more detail?")
	}

	if len(strings.Fields(query)) > 3 {
		out = append(out, "Summarize this in one sentence")
	}

	if len(out) > 3 {
		out = out[:3]
	}
	return out, nil
}
