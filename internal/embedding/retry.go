package embedding

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mnemos/internal/errs"
)

// RetryConfig bounds the retry loop around an upstream embedder.
type RetryConfig struct {
	MaxTries uint
	Initial  time.Duration
	MaxDelay time.Duration
}

// Retrying retries a remote embedder with exponential backoff and reports exhaustion as
// an errs.UpstreamError.
type Retrying struct {
	next Embedder
	cfg  RetryConfig
	log  zerolog.Logger
}

func NewRetrying(next Embedder, cfg RetryConfig, log zerolog.Logger) *Retrying {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.Initial <= 0 {
		cfg.Initial = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	return &Retrying{next: next, cfg: cfg, log: log}
}

func (r *Retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	return retry(ctx, r, "embed", func() ([]float32, error) {
		return r.next.Embed(ctx, text)
	})
}

func (r *Retrying) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return retry(ctx, r, "embed_batch", func() ([][]float32, error) {
		return r.next.EmbedBatch(ctx, texts)
	})
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Initial
	b.MaxInterval = r.cfg.MaxDelay

	attempts := 0
	out, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil {
			r.log.Warn().Err(err).Str("op", op).Int("attempt", attempts).Msg("embedding call failed")
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.cfg.MaxTries))
	if err != nil {
		var zero T
		return zero, errs.Upstream(op, attempts, err)
	}
	return out, nil
}
