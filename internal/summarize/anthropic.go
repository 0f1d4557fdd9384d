package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Log-LogN/warden/pkg/models"
)

// Anthropic summarizes via the Claude Messages API.
type Anthropic struct {
	msg   *sdk.MessageService
	model string
}

// NewAnthropic builds an Anthropic-backed summarizer.
func NewAnthropic(apiKey, model string) *Anthropic {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{msg: &client.Messages, model: model}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Summarize(ctx context.Context, prior string, dropped []models.Message, maxChars int) (string, error) {
	msg, err := p.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(maxTokensFor(maxChars)),
		System:    []sdk.TextBlockParam{{Text: systemPrompt(maxChars)}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(transcript(prior, dropped)))},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic summarize: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", errors.New("anthropic summarize: empty response")
	}
	return Truncate(out, maxChars), nil
}
