package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures the OpenAI-compatible embedder.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

type embeddingsAPI interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// OpenAI calls an OpenAI-compatible /embeddings endpoint.
type OpenAI struct {
	api       embeddingsAPI
	model     string
	dim       int
	batchSize int
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai embeddings: api key required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai embeddings: model required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	client := openai.NewClient(opts...)
	return &OpenAI{
		api:       &client.Embeddings,
		model:     cfg.Model,
		dim:       cfg.Dimension,
		batchSize: cfg.BatchSize,
	}, nil
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	vectors, err := o.request(ctx, []string{trimmed})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vectors[0], nil
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	normalized := make([]string, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, fmt.Errorf("embed batch: empty text at index %d", i)
		}
		normalized[i] = trimmed
	}

	size := o.batchSize
	if size <= 0 {
		size = len(normalized)
	}
	vectors := make([][]float32, 0, len(normalized))
	for start := 0; start < len(normalized); start += size {
		end := min(start+size, len(normalized))
		chunk, err := o.request(ctx, normalized[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

func (o *OpenAI) request(ctx context.Context, input []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: input},
		Model: openai.EmbeddingModel(o.model),
	}
	if o.dim > 0 {
		params.Dimensions = openai.Int(int64(o.dim))
	}
	resp, err := o.api.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return o.validate(resp.Data, len(input))
}

// validate reorders vectors by their reported index and rejects partial or ragged responses.
func (o *OpenAI) validate(data []openai.Embedding, want int) ([][]float32, error) {
	if len(data) != want {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(data), want)
	}
	vectors := make([][]float32, want)
	dim := 0
	for _, item := range data {
		idx := int(item.Index)
		if idx < 0 || idx >= want {
			return nil, fmt.Errorf("invalid embedding index %d", idx)
		}
		if vectors[idx] != nil {
			return nil, fmt.Errorf("duplicate embedding index %d", idx)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding vector at index %d", idx)
		}
		if dim == 0 {
			dim = len(item.Embedding)
		} else if len(item.Embedding) != dim {
			return nil, fmt.Errorf("inconsistent embedding dimension at index %d: got %d want %d", idx, len(item.Embedding), dim)
		}
		if o.dim > 0 && len(item.Embedding) != o.dim {
			return nil, fmt.Errorf("embedding dimension at index %d: got %d want %d", idx, len(item.Embedding), o.dim)
		}

		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		vectors[idx] = vec
	}
	return vectors, nil
}
