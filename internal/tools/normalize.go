package tools

import (
	"encoding/json"
	"strings"
)

// maxNormalizeDepth bounds recursion through double-encoded payloads.
const maxNormalizeDepth = 4

// Normalize coerces a tool result payload into a map regardless of the
// shape the producing server chose. Accepted shapes: a JSON object, a
// list whose first element carries a "text" field of embedded JSON, a
// JSON-encoded string holding any of these, and Python literal text
// (single quotes, True/False/None). Anything undecodable lands under
// {"raw": <text>}. Normalize never fails.
func Normalize(raw json.RawMessage) map[string]any {
	return normalizeText(string(raw), 0)
}

func normalizeText(s string, depth int) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return map[string]any{}
	}
	if depth > maxNormalizeDepth {
		return map[string]any{"raw": s}
	}

	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err == nil {
		return normalizeValue(decoded, s, depth)
	}
	if t, ok := pythonToJSON(s); ok {
		if err := json.Unmarshal([]byte(t), &decoded); err == nil {
			return normalizeValue(decoded, s, depth)
		}
	}
	return map[string]any{"raw": s}
}

func normalizeValue(v any, original string, depth int) map[string]any {
	switch tv := v.(type) {
	case map[string]any:
		return tv
	case []any:
		// MCP content lists wrap the payload as [{type:"text", text:"<JSON>"}].
		if len(tv) > 0 {
			if first, ok := tv[0].(map[string]any); ok {
				if text, ok := first["text"].(string); ok {
					return normalizeText(text, depth+1)
				}
			}
		}
		return map[string]any{"items": tv}
	case string:
		// Double-encoded payload.
		return normalizeText(tv, depth+1)
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"raw": original}
	}
}

// pythonToJSON rewrites a Python literal into JSON: single-quoted
// strings become double-quoted, True/False/None become true/false/null.
// ok is false when s does not look like a Python container or a quoted
// string is unterminated.
func pythonToJSON(s string) (string, bool) {
	if len(s) == 0 {
		return "", false
	}
	switch s[0] {
	case '{', '[', '\'':
	default:
		return "", false
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	i := 0
	for i < len(s) {
		c := s[i]
		switch c {
		case '\'':
			b.WriteByte('"')
			i++
			closed := false
			for i < len(s) {
				c = s[i]
				if c == '\\' && i+1 < len(s) {
					// Python escapes the quote itself; JSON must not.
					if s[i+1] == '\'' {
						b.WriteByte('\'')
					} else {
						b.WriteByte('\\')
						b.WriteByte(s[i+1])
					}
					i += 2
					continue
				}
				if c == '\'' {
					closed = true
					i++
					break
				}
				if c == '"' {
					b.WriteString(`\"`)
					i++
					continue
				}
				b.WriteByte(c)
				i++
			}
			if !closed {
				return "", false
			}
			b.WriteByte('"')
		case '"':
			b.WriteByte(c)
			i++
			closed := false
			for i < len(s) {
				c = s[i]
				b.WriteByte(c)
				if c == '\\' && i+1 < len(s) {
					b.WriteByte(s[i+1])
					i += 2
					continue
				}
				i++
				if c == '"' {
					closed = true
					break
				}
			}
			if !closed {
				return "", false
			}
		default:
			if word, n := pythonWord(s[i:]); n > 0 {
				b.WriteString(word)
				i += n
				continue
			}
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), true
}

var pythonWords = [...]struct{ py, js string }{
	{"True", "true"},
	{"False", "false"},
	{"None", "null"},
}

// pythonWord matches True/False/None at the start of s, requiring a
// non-identifier boundary so names like Nonexistent pass through.
func pythonWord(s string) (string, int) {
	for _, w := range pythonWords {
		if strings.HasPrefix(s, w.py) {
			if len(s) == len(w.py) || !isIdentByte(s[len(w.py)]) {
				return w.js, len(w.py)
			}
		}
	}
	return "", 0
}

func isIdentByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
