package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Log-LogN/warden/pkg/models"
)

// OpenAI summarizes via the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds an OpenAI-backed summarizer.
func NewOpenAI(apiKey, model string) *OpenAI {
	return &OpenAI{client: openai.NewClient(apiKey), model: model}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Summarize(ctx context.Context, prior string, dropped []models.Message, maxChars int) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(maxChars)},
			{Role: openai.ChatMessageRoleUser, Content: transcript(prior, dropped)},
		},
		MaxTokens: maxTokensFor(maxChars),
	})
	if err != nil {
		return "", fmt.Errorf("openai summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai summarize: empty response")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("openai summarize: empty completion")
	}
	return Truncate(out, maxChars), nil
}
