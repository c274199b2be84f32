// ABOUTME: Normalizes heterogeneous generation backend responses to plain text
// ABOUTME: Table-driven field extraction plus raw model output scrubbing

package normalize

import (
	"regexp"
	"strings"
)

// FallbackSentence is returned by Clean when scrubbing leaves nothing usable.
const FallbackSentence = "Sorry, I couldn't generate a proper response."

// extractor pulls a candidate answer string out of a decoded JSON payload.
// Extractors are pure; the first one returning a non-empty string wins.
type extractor func(map[string]any) string

// extractors are tried in priority order: well-known top-level keys first,
// then the OpenAI-style choices shapes.
var extractors = []extractor{
	topLevelString("reply"),
	topLevelString("response"),
	topLevelString("text"),
	firstChoiceField("text"),
	firstChoiceMessageContent,
}

// ExtractText extracts a plain-text answer from an upstream response.
// A string payload is already plain text and passes through trimmed, which
// makes ExtractText idempotent on its own output. An empty result means
// "no usable answer", not an error.
func ExtractText(payload any) string {
	switch p := payload.(type) {
	case string:
		return strings.TrimSpace(p)
	case map[string]any:
		for _, ex := range extractors {
			if text := ex(p); text != "" {
				return text
			}
		}
	}
	return ""
}

func topLevelString(key string) extractor {
	return func(m map[string]any) string {
		s, _ := m[key].(string)
		return strings.TrimSpace(s)
	}
}

// firstChoice returns the first element of a "choices" sequence, if any.
func firstChoice(m map[string]any) map[string]any {
	choices, ok := m["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil
	}
	first, _ := choices[0].(map[string]any)
	return first
}

func firstChoiceField(key string) extractor {
	return func(m map[string]any) string {
		choice := firstChoice(m)
		if choice == nil {
			return ""
		}
		s, _ := choice[key].(string)
		return strings.TrimSpace(s)
	}
}

func firstChoiceMessageContent(m map[string]any) string {
	choice := firstChoice(m)
	if choice == nil {
		return ""
	}
	msg, _ := choice["message"].(map[string]any)
	if msg == nil {
		return ""
	}
	s, _ := msg["content"].(string)
	return strings.TrimSpace(s)
}

var (
	ansiRe      = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	turnBlockRe = regexp.MustCompile(`(?s)<\|im_start\|>.*?<\|im_end\|>`)
	turnTokenRe = regexp.MustCompile(`<\|.*?\|>`)
	instSeqRe   = regexp.MustCompile(`(?s)<s>\[INST\].*?\[/INST\]`)
	instRe      = regexp.MustCompile(`(?s)\[INST\].*?\[/INST\]`)
	roleRe      = regexp.MustCompile(`(?i)(system|user|assistant):`)
	preambleRe  = regexp.MustCompile(`(?is)Human:.*?Assistant:`)
	blankRunRe  = regexp.MustCompile(`\n+`)
)

// noiseMarkers flag lines that are runner chatter rather than the answer.
var noiseMarkers = []string{"loading", "model:", "prompt:", "[end]", "generated"}

// Clean scrubs raw model runner output down to the answer text. It strips
// terminal escapes, chat-template markup, leaked role labels, and runner
// noise lines. If every line is noise it falls back to the pre-filter
// text, and to FallbackSentence when even that is empty.
func Clean(raw string) string {
	clean := ansiRe.ReplaceAllString(raw, "")

	clean = turnBlockRe.ReplaceAllString(clean, "")
	clean = turnTokenRe.ReplaceAllString(clean, "")

	clean = instSeqRe.ReplaceAllString(clean, "")
	clean = instRe.ReplaceAllString(clean, "")

	clean = preambleRe.ReplaceAllString(clean, "")
	clean = roleRe.ReplaceAllString(clean, "")

	clean = blankRunRe.ReplaceAllString(clean, "\n")
	clean = strings.TrimSpace(clean)

	var meaningful []string
	for _, line := range strings.Split(clean, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !isNoise(line) {
			meaningful = append(meaningful, line)
		}
	}

	if len(meaningful) > 0 {
		return strings.Join(meaningful, "\n")
	}
	if clean != "" {
		return clean
	}
	return FallbackSentence
}

func isNoise(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range noiseMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
