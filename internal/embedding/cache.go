package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes vectors by content hash.
type Cached struct {
	next  Embedder
	cache *ristretto.Cache
}

// NewCached wraps next with a ristretto cache bounded to maxCost bytes of vector data.
func NewCached(next Embedder, maxCost int64) (*Cached, error) {
	if maxCost <= 0 {
		maxCost = 1 << 24
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := contentKey(text)
	if vec, ok := c.lookup(key); ok {
		return vec, nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(key, vec)
	return clone(vec), nil
}

// EmbedBatch forwards only the misses and reassembles results in input order.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missTexts []string
		missPos   []int
	)
	for i, text := range texts {
		if vec, ok := c.lookup(contentKey(text)); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missPos = append(missPos, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embed batch: got %d vectors for %d texts", len(vectors), len(missTexts))
	}
	for j, vec := range vectors {
		c.store(contentKey(missTexts[j]), vec)
		out[missPos[j]] = clone(vec)
	}
	return out, nil
}

// Wait blocks until buffered writes are visible. Mostly useful in tests.
func (c *Cached) Wait() { c.cache.Wait() }

func (c *Cached) Close() { c.cache.Close() }

func (c *Cached) lookup(key string) ([]float32, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	if !ok {
		return nil, false
	}
	return clone(vec), true
}

func (c *Cached) store(key string, vec []float32) {
	c.cache.Set(key, clone(vec), int64(len(vec)*4))
}

func contentKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func clone(vec []float32) []float32 {
	return append([]float32(nil), vec...)
}
