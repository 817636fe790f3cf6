package digest

import (
	"context"
	"strings"
	"unicode/utf8"

	"inbox-autopilot-go/internal/queue"
)

// headlineMaxLen caps the stored excerpt; full content is refetched from the
// provider at send time anyway.
const headlineMaxLen = 280

// HeadlineSummarizer is the default Summarizer: it keeps the first sentence's
// worth of body text with whitespace collapsed. Richer summarizers can be
// swapped in without touching the aggregator.
type HeadlineSummarizer struct{}

// Summarize builds a one-line excerpt of the message.
func (HeadlineSummarizer) Summarize(_ context.Context, msg queue.DigestMessage) (*Summary, error) {
	content := collapseWhitespace(msg.Content)
	if content == "" {
		content = strings.TrimSpace(msg.Subject)
	}
	if content == "" {
		return nil, nil
	}

	if len(content) > headlineMaxLen {
		// Back off to a rune boundary so the cut never splits a multi-byte
		// character.
		cut := headlineMaxLen
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		if sp := strings.LastIndex(content[:cut], " "); sp > 0 {
			cut = sp
		}
		content = content[:cut] + "..."
	}
	return &Summary{Content: content}, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
