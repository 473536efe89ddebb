package tools

import (
	"context"
	"fmt"
	"strings"
)

// SimulatedSearcher is a stand-in search backend for local development and
// smoke tests. It fabricates plausible results without network access.
type SimulatedSearcher struct{}

// NewSimulatedSearcher returns a searcher that answers without network I/O.
func NewSimulatedSearcher() *SimulatedSearcher {
	return &SimulatedSearcher{}
}

// Search returns canned results derived from the query.
func (s *SimulatedSearcher) Search(_ context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 3
	}
	slug := strings.ReplaceAll(strings.ToLower(query), " ", "-")
	results := make([]SearchResult, 0, maxResults)
	for i := 0; i < maxResults; i++ {
		results = append(results, SearchResult{
			Title:   fmt.Sprintf("Result %d for %s", i+1, query),
			URL:     fmt.Sprintf("https://example.com/%s/%d", slug, i+1),
			Snippet: fmt.Sprintf("Summary of finding %d about %s.", i+1, query),
		})
	}
	return results, nil
}

// SimulatedRunner is a stand-in code runner that echoes the snippet instead
// of executing it.
type SimulatedRunner struct{}

// NewSimulatedRunner returns a runner that performs no real execution.
func NewSimulatedRunner() *SimulatedRunner {
	return &SimulatedRunner{}
}

// Run reports what it would have executed.
func (r *SimulatedRunner) Run(_ context.Context, language, code string) (string, error) {
	lines := strings.Count(code, "\n") + 1
	return fmt.Sprintf("Executed %d lines of %s successfully (simulated).", lines, language), nil
}
