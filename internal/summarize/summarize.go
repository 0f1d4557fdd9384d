// Package summarize produces the compact summaries the session compactor
// folds history into. Three providers: OpenAI, Anthropic, and a
// deterministic local fallback that needs no network. Provider selection
// follows the configured keys; the local compactor is always available.
package summarize

import (
	"context"
	"strconv"
	"strings"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/pkg/models"
)

// Provider condenses dropped history into a summary of at most maxChars.
type Provider interface {
	Name() string
	// Summarize folds dropped messages into prior, newest context first.
	Summarize(ctx context.Context, prior string, dropped []models.Message, maxChars int) (string, error)
}

// Pick selects the provider for the given config: an explicit provider name
// wins, otherwise whichever API key is set, preferring OpenAI. Without keys
// the local compactor is used.
func Pick(cfg config.LLMConfig) Provider {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIKey != "" {
			return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIModel)
		}
	case "anthropic":
		if cfg.AnthropicKey != "" {
			return NewAnthropic(cfg.AnthropicKey, cfg.AnthropicModel)
		}
	case "local":
		return Local{}
	default:
		if cfg.OpenAIKey != "" {
			return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIModel)
		}
		if cfg.AnthropicKey != "" {
			return NewAnthropic(cfg.AnthropicKey, cfg.AnthropicModel)
		}
	}
	return Local{}
}

// Truncate cuts s to at most maxChars runes.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars])
}

func systemPrompt(maxChars int) string {
	return "You condense security-assistant conversations. Produce a terse plain-text summary " +
		"under " + strconv.Itoa(maxChars) + " characters that preserves identifiers (CVE and GHSA ids, hosts, " +
		"repositories, workflow names), findings, severities, and decisions. No preamble."
}

func transcript(prior string, dropped []models.Message) string {
	var b strings.Builder
	if prior != "" {
		b.WriteString("Prior summary:\n")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}
	b.WriteString("Messages to fold in:\n")
	for _, m := range dropped {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// maxTokensFor sizes the completion budget from the char cap. Rough 3:1
// chars-per-token keeps the model from being cut off mid-summary.
func maxTokensFor(maxChars int) int {
	n := maxChars / 3
	if n < 256 {
		n = 256
	}
	return n
}
