package tracker

import (
	"regexp"
	"strconv"
	"strings"
)

// finalAnswerMarker is the prompt-convention prefix sub-agents use when
// returning their result to the manager. It is a stringly-typed protocol
// inherited from the runtime's prompt templates; all parsing of it is
// confined to this file so the fragility stays contained.
const finalAnswerMarker = "final answer from your managed agent"

// ParseFinalAnswer reports whether a tool result is a delegation completion
// and, if so, returns the answer text with the marker stripped.
func ParseFinalAnswer(result string) (string, bool) {
	trimmed := strings.TrimSpace(result)
	idx := strings.Index(strings.ToLower(trimmed), finalAnswerMarker)
	if idx < 0 {
		return "", false
	}
	answer := trimmed[idx+len(finalAnswerMarker):]
	answer = strings.TrimLeft(answer, ":,. ")
	return strings.TrimSpace(answer), true
}

// vizPattern matches visualization references embedded in free-text tool
// output, e.g. "[chart:sales_2024.png 640x480]" or "[image:fig-1]".
var vizPattern = regexp.MustCompile(`(?i)\[(chart|plot|graph|image|visualization):([\w./-]+)(?:\s+(\d+)x(\d+))?\]`)

// ExtractVisualization scans free text for a visualization reference and
// returns its metadata (type, file identifier, optional dimensions).
// Extraction is best-effort enrichment: a miss returns nil and the caller
// degrades to a plain summary.
func ExtractVisualization(text string) map[string]interface{} {
	m := vizPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	meta := map[string]interface{}{
		"type":    strings.ToLower(m[1]),
		"file_id": m[2],
	}
	if m[3] != "" && m[4] != "" {
		if w, err := strconv.Atoi(m[3]); err == nil {
			meta["width"] = w
		}
		if h, err := strconv.Atoi(m[4]); err == nil {
			meta["height"] = h
		}
	}
	return meta
}

// looksLikeError infers tool failure from error markers in the result text,
// since the runtime reports tool errors in-band rather than structurally.
func looksLikeError(result string) bool {
	lower := strings.ToLower(strings.TrimSpace(result))
	return strings.HasPrefix(lower, "error") ||
		strings.HasPrefix(lower, "exception") ||
		strings.Contains(lower, "traceback (most recent call last)")
}

// isThought reports whether an observation is explicitly tagged as agent
// reasoning and should therefore be surfaced despite the observation filter.
func isThought(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	return strings.HasPrefix(lower, "thought:") || strings.HasPrefix(lower, "thinking:")
}
