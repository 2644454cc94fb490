// Package llm adapts chat-completion providers to a single text-in, text-out call.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mnemos/internal/config"
	"github.com/stellarlinkco/mnemos/internal/errs"
)

// Request is one completion call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Completer is an opaque text-completion function.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a plain function.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// New builds the configured provider wrapped in bounded retries.
// It returns nil (and no error) when the provider type is "none" or no API key is set,
// letting callers fall back to deterministic replies.
func New(cfg *config.Config, log zerolog.Logger) (Completer, error) {
	var (
		base Completer
		err  error
	)
	providerType := strings.ToLower(strings.TrimSpace(cfg.Provider.Type))
	if providerType == "none" || strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, nil
	}

	switch providerType {
	case "", "anthropic":
		base, err = NewAnthropic(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Agent.Model, cfg.Agent.MaxTokens)
	case "openai":
		base, err = NewOpenAI(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Agent.Model, cfg.Agent.MaxTokens)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Provider.Type)
	}
	if err != nil {
		return nil, err
	}
	return NewRetrying(base, uint(cfg.Pipeline.RetryAttempts),
		time.Duration(cfg.Pipeline.RetryInitialMs)*time.Millisecond, log), nil
}

// Retrying retries transient completion failures and reports exhaustion as errs.UpstreamError.
type Retrying struct {
	next     Completer
	maxTries uint
	initial  time.Duration
	log      zerolog.Logger
}

func NewRetrying(next Completer, maxTries uint, initial time.Duration, log zerolog.Logger) *Retrying {
	if maxTries == 0 {
		maxTries = 3
	}
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	return &Retrying{next: next, maxTries: maxTries, initial: initial, log: log}
}

func (r *Retrying) Complete(ctx context.Context, req Request) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = 10 * r.initial

	attempts := 0
	out, err := backoff.Retry(ctx, func() (string, error) {
		attempts++
		text, err := r.next.Complete(ctx, req)
		if err != nil {
			r.log.Warn().Err(err).Int("attempt", attempts).Msg("completion failed")
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			return "", backoff.Permanent(fmt.Errorf("empty completion"))
		}
		return text, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.maxTries))
	if err != nil {
		return "", errs.Upstream("complete", attempts, err)
	}
	return out, nil
}
