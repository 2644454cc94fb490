package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type chatAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAI completes through the chat completions API.
type OpenAI struct {
	completions chatAPI
	model       string
	maxTokens   int
}

func NewOpenAI(apiKey, baseURL, model string, maxTokens int) (*OpenAI, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &OpenAI{completions: &client.Chat.Completions, model: model, maxTokens: maxTokens}, nil
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.maxTokens
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if sys := strings.TrimSpace(req.System); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := o.completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Messages:            messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
