// ABOUTME: Composes generation prompts from a question and retrieved context
// ABOUTME: Pure string assembly with a fixed grounded-answering policy

package prompt

import (
	"fmt"
	"strings"
)

// NotFoundSentence is the fixed reply the model is instructed to give when
// the answer is absent from the supplied context.
const NotFoundSentence = "Not found locally."

// MaxSourceLabels bounds how many source labels appear in the prompt.
const MaxSourceLabels = 6

// Compose builds the final generation prompt. With context it emits the
// grounded policy, an optional Sources line, the CONTEXT block, and the
// question; without context it falls back to a short ungrounded policy.
func Compose(question, context string, sources []string) string {
	if context == "" {
		return composeBare(question)
	}

	var b strings.Builder
	b.WriteString("You are answering for WhatsApp in 3-6 short bullets.\n")
	b.WriteString("Use ONLY the CONTEXT below. If the answer is not in the context, say: '" + NotFoundSentence + "'\n")
	b.WriteString("Mirror the user's language (Hindi/English). Keep it concise.\n")
	b.WriteString(sourceLine(sources))
	b.WriteString("\n\n")
	b.WriteString("CONTEXT:\n")
	b.WriteString(context)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "QUESTION: %s\n", question)
	b.WriteString("ANSWER:")
	return b.String()
}

// composeBare is the no-context prompt variant.
func composeBare(question string) string {
	return fmt.Sprintf(
		"Answer briefly in 3-5 bullets. Mirror user language (Hindi/English).\n\nQuestion: %s\nAnswer:",
		question,
	)
}

// sourceLine renders "Sources: [a]; [b]" from the first MaxSourceLabels
// labels, or an empty string when there are none.
func sourceLine(sources []string) string {
	if len(sources) == 0 {
		return ""
	}
	if len(sources) > MaxSourceLabels {
		sources = sources[:MaxSourceLabels]
	}
	tags := make([]string, len(sources))
	for i, s := range sources {
		tags[i] = "[" + s + "]"
	}
	return "Sources: " + strings.Join(tags, "; ")
}
