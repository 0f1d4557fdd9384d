package scribe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// renderMarkdown builds the report body. Artifacts arrive as decoded
// JSON maps; anything missing a type or payload is rendered as-is
// rather than dropped. Map keys are sorted by the JSON encoder, so the
// same input always yields the same document.
func renderMarkdown(title, summary string, artifacts []any, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Generated: %s\n\n", now.Format(time.RFC3339))

	if summary != "" {
		b.WriteString("## Summary\n\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "## Artifacts (%d)\n\n", len(artifacts))
	if len(artifacts) == 0 {
		b.WriteString("No artifacts were recorded in this session.\n")
		return b.String()
	}

	for i, item := range artifacts {
		art, _ := item.(map[string]any)

		kind := "artifact"
		if t, ok := art["type"].(string); ok && t != "" {
			kind = t
		}
		fmt.Fprintf(&b, "### %d. %s", i+1, kind)
		if created, ok := art["created_at"].(string); ok && created != "" {
			fmt.Fprintf(&b, " (%s)", created)
		}
		b.WriteString("\n\n")

		payload := art["payload"]
		if payload == nil {
			payload = item
		}
		pretty, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			pretty = []byte(fmt.Sprintf("%v", payload))
		}
		b.WriteString("```json\n")
		b.Write(pretty)
		b.WriteString("\n```\n\n")
	}
	return b.String()
}
