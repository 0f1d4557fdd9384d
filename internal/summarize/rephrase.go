package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// Rephraser is implemented by providers that can rewrite a drafted reply
// for readability. The local compactor does not implement it, so
// deployments without API keys keep the deterministic layouts.
type Rephraser interface {
	Rephrase(ctx context.Context, question, draft string) (string, error)
}

// rephraseMaxChars bounds a polished reply.
const rephraseMaxChars = 2000

const rephraseSystem = "You polish replies from a security assistant. Rewrite the draft so it " +
	"reads naturally while keeping every identifier (CVE and GHSA ids, hosts, repositories, " +
	"workflow names), number, score, severity label, and listed reason exactly as given. " +
	"Do not add findings. Plain text only."

func rephraseInput(question, draft string) string {
	return "Question:\n" + question + "\n\nDraft reply:\n" + draft
}

func (p *OpenAI) Rephrase(ctx context.Context, question, draft string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: rephraseSystem},
			{Role: openai.ChatMessageRoleUser, Content: rephraseInput(question, draft)},
		},
		MaxTokens: maxTokensFor(rephraseMaxChars),
	})
	if err != nil {
		return "", fmt.Errorf("openai rephrase: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai rephrase: empty response")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("openai rephrase: empty completion")
	}
	return Truncate(out, rephraseMaxChars), nil
}

func (p *Anthropic) Rephrase(ctx context.Context, question, draft string) (string, error) {
	msg, err := p.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(maxTokensFor(rephraseMaxChars)),
		System:    []sdk.TextBlockParam{{Text: rephraseSystem}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(rephraseInput(question, draft)))},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic rephrase: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", errors.New("anthropic rephrase: empty response")
	}
	return Truncate(out, rephraseMaxChars), nil
}
