// Package embedding provides the text-to-vector port used by the memory engine.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mnemos/internal/config"
)

// Embedder maps text to vectors. EmbedBatch preserves input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// New builds the embedder stack from configuration: provider, then retry, then cache.
func New(cfg *config.Config, log zerolog.Logger) (Embedder, error) {
	ec := cfg.Embedding
	var base Embedder
	switch strings.ToLower(strings.TrimSpace(ec.Provider)) {
	case "", "hash":
		base = NewHash(ec.Dimension)
	case "openai":
		oa, err := NewOpenAI(OpenAIConfig{
			APIKey:    ec.APIKey,
			BaseURL:   ec.BaseURL,
			Model:     ec.Model,
			Dimension: ec.Dimension,
			BatchSize: ec.BatchSize,
			Timeout:   time.Duration(ec.TimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		base = NewRetrying(oa, RetryConfig{
			MaxTries: uint(cfg.Pipeline.RetryAttempts),
			Initial:  time.Duration(cfg.Pipeline.RetryInitialMs) * time.Millisecond,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", ec.Provider)
	}
	return NewCached(base, ec.CacheMaxCost)
}

// Hash is an offline embedder built from hashed character trigrams and word tokens.
// It is deterministic, so identical text always yields an identical vector.
type Hash struct {
	dims int
}

func NewHash(dims int) *Hash {
	if dims <= 0 {
		dims = config.DefaultEmbeddingDimension
	}
	return &Hash{dims: dims}
}

func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dims)
	runes := []rune("#" + normalized + "#")
	for i := 0; i+3 <= len(runes); i++ {
		vec[h.bucket(string(runes[i:i+3]))] += 1
	}
	for _, tok := range tokenize(normalized) {
		vec[h.bucket("tok:"+tok)] += 1.25
	}
	normalize(vec)
	return vec, nil
}

func (h *Hash) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := h.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch: index %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (h *Hash) bucket(s string) int {
	f := fnv.New64a()
	_, _ = f.Write([]byte(s))
	return int(f.Sum64() % uint64(h.dims))
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
