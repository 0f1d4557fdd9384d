package summarize

import (
	"context"
	"strings"

	"github.com/Log-LogN/warden/pkg/models"
)

// excerptLen bounds each folded message to one short line.
const excerptLen = 120

// Local is the deterministic fallback compactor: it prepends role-prefixed
// single-line excerpts of the dropped messages to the prior summary and
// truncates from the tail, so the freshest context survives the cap.
type Local struct{}

func (Local) Name() string { return "local" }

func (Local) Summarize(_ context.Context, prior string, dropped []models.Message, maxChars int) (string, error) {
	lines := make([]string, 0, len(dropped)+1)
	for _, m := range dropped {
		lines = append(lines, string(m.Role)+": "+excerpt(m.Content))
	}
	if prior != "" {
		lines = append(lines, prior)
	}
	return Truncate(strings.Join(lines, "\n"), maxChars), nil
}

// excerpt collapses a message to a single line of at most excerptLen runes.
func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= excerptLen {
		return s
	}
	return string(r[:excerptLen-3]) + "..."
}
