package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Anthropic completes through the Messages API.
type Anthropic struct {
	msgs      messagesAPI
	model     string
	maxTokens int
}

func NewAnthropic(apiKey, baseURL, model string, maxTokens int) (*Anthropic, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("anthropic: api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Anthropic{msgs: &client.Messages, model: model, maxTokens: maxTokens}, nil
}

func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if sys := strings.TrimSpace(req.System); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	msg, err := a.msgs.New(ctx, params)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "")), nil
}
