package summarize

import (
	"context"
	"strings"
	"testing"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/pkg/models"
)

func TestLocalPrependsExcerpts(t *testing.T) {
	dropped := []models.Message{
		{Role: models.RoleUser, Content: "assess CVE-2024-3094 on\nprod.example.com"},
		{Role: models.RoleAssistant, Content: "Risk is HIGH (score 85)."},
	}
	got, err := Local{}.Summarize(context.Background(), "earlier: scanned acme/api", dropped, 2000)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d: %q", len(lines), got)
	}
	if lines[0] != "user: assess CVE-2024-3094 on prod.example.com" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "assistant: Risk is HIGH (score 85)." {
		t.Errorf("line 1 = %q", lines[1])
	}
	if lines[2] != "earlier: scanned acme/api" {
		t.Errorf("prior summary should come last, got %q", lines[2])
	}
}

func TestLocalDeterministic(t *testing.T) {
	dropped := []models.Message{
		{Role: models.RoleUser, Content: "check GHSA-vv8g-9j7q-xxxx"},
	}
	a, _ := Local{}.Summarize(context.Background(), "", dropped, 500)
	b, _ := Local{}.Summarize(context.Background(), "", dropped, 500)
	if a != b {
		t.Errorf("same input produced %q then %q", a, b)
	}
}

func TestLocalRespectsCap(t *testing.T) {
	dropped := []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("scan prod.example.com ", 50)},
		{Role: models.RoleAssistant, Content: strings.Repeat("22/tcp open ", 50)},
	}
	got, err := Local{}.Summarize(context.Background(), strings.Repeat("old ", 100), dropped, 100)
	if err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(got)); n > 100 {
		t.Errorf("summary length %d exceeds cap 100", n)
	}
	// The freshest excerpt survives truncation.
	if !strings.HasPrefix(got, "user: scan prod.example.com") {
		t.Errorf("summary does not start with newest excerpt: %q", got)
	}
}

func TestExcerptSingleLine(t *testing.T) {
	got := excerpt("line one\nline two\t\tspaced")
	if got != "line one line two spaced" {
		t.Errorf("excerpt = %q", got)
	}
	long := excerpt(strings.Repeat("a", 500))
	if len([]rune(long)) != excerptLen {
		t.Errorf("long excerpt length = %d", len([]rune(long)))
	}
	if !strings.HasSuffix(long, "...") {
		t.Errorf("long excerpt not marked: %q", long)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Truncate under cap = %q", got)
	}
	if got := Truncate("hello", 3); got != "hel" {
		t.Errorf("Truncate over cap = %q", got)
	}
	if got := Truncate("héllo wörld", 5); got != "héllo" {
		t.Errorf("Truncate must cut runes, got %q", got)
	}
}

func TestPickPrefersOpenAI(t *testing.T) {
	p := Pick(config.LLMConfig{OpenAIKey: "sk-a", AnthropicKey: "sk-b", OpenAIModel: "gpt-4o-mini", AnthropicModel: "claude"})
	if p.Name() != "openai" {
		t.Errorf("Pick with both keys = %s, want openai", p.Name())
	}
}

func TestPickAnthropicWhenOnlyKey(t *testing.T) {
	p := Pick(config.LLMConfig{AnthropicKey: "sk-b", AnthropicModel: "claude"})
	if p.Name() != "anthropic" {
		t.Errorf("Pick = %s, want anthropic", p.Name())
	}
}

func TestPickFallsBackToLocal(t *testing.T) {
	if p := Pick(config.LLMConfig{}); p.Name() != "local" {
		t.Errorf("Pick without keys = %s, want local", p.Name())
	}
	// Explicit provider without its key still degrades to local.
	if p := Pick(config.LLMConfig{Provider: "openai"}); p.Name() != "local" {
		t.Errorf("Pick openai without key = %s, want local", p.Name())
	}
	if p := Pick(config.LLMConfig{Provider: "local", OpenAIKey: "sk-a"}); p.Name() != "local" {
		t.Errorf("Pick forced local = %s", p.Name())
	}
}
