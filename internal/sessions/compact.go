package sessions

import (
	"context"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/summarize"
	"github.com/Log-LogN/warden/pkg/models"
)

// Compactor folds the oldest history into the rolling summary when a
// session's text outgrows the budget. The most recent KeepMessages
// messages are never altered; when keeping them verbatim conflicts
// with the budget, verbatim wins and the summary absorbs the squeeze.
type Compactor struct {
	Provider        summarize.Provider
	KeepMessages    int
	TextLimit       int
	SummaryMaxChars int
}

// NewCompactor wires the configured budgets to a summarizer. A nil
// provider falls back to the deterministic local one.
func NewCompactor(cfg config.SessionConfig, provider summarize.Provider) *Compactor {
	if provider == nil {
		provider = summarize.Local{}
	}
	return &Compactor{
		Provider:        provider,
		KeepMessages:    cfg.KeepMessages,
		TextLimit:       cfg.TextLimit,
		SummaryMaxChars: cfg.SummaryMaxChars,
	}
}

// Needed reports whether the session is over budget.
func (c *Compactor) Needed(s *models.Session) bool {
	return c.TextLimit > 0 && s.TextSize() > c.TextLimit
}

// Compact rewrites the session in place: history beyond the keep window
// is folded into the summary, and the summary is capped to whatever
// room the kept messages leave. The session is only mutated on success.
// Returns true when anything changed.
func (c *Compactor) Compact(ctx context.Context, s *models.Session) (bool, error) {
	if !c.Needed(s) {
		return false, nil
	}

	keep := c.KeepMessages
	if keep < 0 {
		keep = 0
	}
	cut := len(s.History) - keep
	if cut < 0 {
		cut = 0
	}
	dropped := s.History[:cut]
	kept := s.History[cut:]

	room := c.SummaryMaxChars
	keptChars := 0
	for _, m := range kept {
		keptChars += len(m.Content)
	}
	if left := c.TextLimit - keptChars; left < room {
		room = left
	}
	if room <= 0 {
		// The kept tail alone fills the budget. Verbatim retention wins;
		// the summary gets no room at all.
		s.Summary = ""
		s.History = append([]models.Message(nil), kept...)
		return true, nil
	}

	summary := s.Summary
	if len(dropped) > 0 {
		out, err := c.Provider.Summarize(ctx, summary, dropped, room)
		if err != nil {
			// An unreachable LLM must not wedge the session.
			out, err = summarize.Local{}.Summarize(ctx, summary, dropped, room)
			if err != nil {
				return false, err
			}
		}
		summary = out
	}

	s.Summary = summarize.Truncate(summary, room)
	s.History = append([]models.Message(nil), kept...)
	return true, nil
}
