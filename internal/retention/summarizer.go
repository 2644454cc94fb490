package retention

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mnemos/internal/llm"
	"github.com/stellarlinkco/mnemos/internal/memory"
)

const (
	maxExcerpts   = 3
	excerptRunes  = 100
	summaryPrompt = `Summarize the conversation records below into one dense paragraph.
Keep the user's stated needs, preferences, facts and decisions. Drop greetings and filler.
Reply with the summary only.

%s`
)

// Summarizer turns a group of records into summary text.
type Summarizer interface {
	Summarize(ctx context.Context, items []memory.Item) (string, error)
}

// Extractive builds a summary from the records themselves and never fails.
type Extractive struct{}

func (Extractive) Summarize(_ context.Context, items []memory.Item) (string, error) {
	switch len(items) {
	case 0:
		return "", nil
	case 1:
		return items[0].Content, nil
	}

	chrono := append([]memory.Item(nil), items...)
	sort.SliceStable(chrono, func(i, j int) bool { return chrono[i].CreatedAt.Before(chrono[j].CreatedAt) })
	start, end := chrono[0].CreatedAt.UTC(), chrono[len(chrono)-1].CreatedAt.UTC()

	var sb strings.Builder
	fmt.Fprintf(&sb, "[summary] %d records (%s - %s)", len(items), start.Format("2006-01-02 15:04"), end.Format("15:04"))

	key := append([]memory.Item(nil), chrono...)
	sort.SliceStable(key, func(i, j int) bool {
		if key[i].Importance != key[j].Importance {
			return key[i].Importance > key[j].Importance
		}
		return key[i].AccessCount > key[j].AccessCount
	})
	for i := 0; i < len(key) && i < maxExcerpts; i++ {
		fmt.Fprintf(&sb, "\n  %d. %s...", i+1, excerpt(key[i].Content))
	}
	if len(items) > maxExcerpts {
		fmt.Fprintf(&sb, "\n  ... %d more related records", len(items)-maxExcerpts)
	}
	return sb.String(), nil
}

func excerpt(content string) string {
	r := []rune(content)
	if len(r) > excerptRunes {
		r = r[:excerptRunes]
	}
	return strings.ReplaceAll(string(r), "\n", " ")
}

// LLMSummarizer asks a completer for an abstractive summary and falls back to the
// extractive one when the call fails or returns nothing.
type LLMSummarizer struct {
	completer llm.Completer
	fallback  Extractive
	log       zerolog.Logger
}

func NewLLMSummarizer(c llm.Completer, log zerolog.Logger) *LLMSummarizer {
	return &LLMSummarizer{completer: c, log: log}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, items []memory.Item) (string, error) {
	if s.completer == nil || len(items) < 2 {
		return s.fallback.Summarize(ctx, items)
	}

	chrono := append([]memory.Item(nil), items...)
	sort.SliceStable(chrono, func(i, j int) bool { return chrono[i].CreatedAt.Before(chrono[j].CreatedAt) })
	parts := make([]string, len(chrono))
	for i, it := range chrono {
		parts[i] = it.Content
	}

	out, err := s.completer.Complete(ctx, llm.Request{Prompt: fmt.Sprintf(summaryPrompt, strings.Join(parts, "\n\n"))})
	if err != nil {
		s.log.Warn().Err(err).Int("records", len(items)).Msg("llm summary failed; using extractive")
		return s.fallback.Summarize(ctx, items)
	}
	if out = strings.TrimSpace(out); out == "" {
		return s.fallback.Summarize(ctx, items)
	}
	return out, nil
}

// NewSummarizer picks the LLM summarizer when enabled and a completer is available.
func NewSummarizer(useLLM bool, c llm.Completer, log zerolog.Logger) Summarizer {
	if useLLM && c != nil {
		return NewLLMSummarizer(c, log)
	}
	return Extractive{}
}
