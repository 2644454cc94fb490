package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/mnemos/internal/errs"
	"github.com/stellarlinkco/mnemos/internal/llm"
	"github.com/stellarlinkco/mnemos/internal/memory"
)

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// episodes inserts n episodic items one minute apart, oldest first.
func episodes(n int) map[string]memory.Item {
	out := make(map[string]memory.Item, n)
	for i := 0; i < n; i++ {
		it := memory.NewItem(memory.Episodic, fmt.Sprintf("user: question %02d\nassistant: answer %02d with some detail", i, i), 0.5, base.Add(time.Duration(i)*time.Minute))
		out[it.ID] = it
	}
	return out
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.MaxEpisodicCount = 20
	p.MinToCompress = 3
	p.PreserveRecentCount = 5
	p.MaxAge = 24 * time.Hour
	p.MaxTotalTokens = 1 << 20
	return p
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
		field  string
	}{
		{"unknown trigger", func(p *Policy) { p.Trigger = "sometimes" }, "trigger"},
		{"negative count", func(p *Policy) { p.MaxEpisodicCount = -1 }, "maxEpisodicCount"},
		{"negative age", func(p *Policy) { p.MaxAge = -time.Hour }, "maxAgeHours"},
		{"negative tokens", func(p *Policy) { p.MaxTotalTokens = -5 }, "maxTotalTokens"},
		{"zero min", func(p *Policy) { p.MinToCompress = 0 }, "minToCompress"},
		{"negative preserve", func(p *Policy) { p.PreserveRecentCount = -1 }, "preserveRecentCount"},
		{"threshold above one", func(p *Policy) { p.ImportanceThreshold = 1.5 }, "importanceThreshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			var ve *errs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	require.NoError(t, DefaultPolicy().Validate())
}

func TestShouldCompressNeverBelowMinimum(t *testing.T) {
	// Thresholds so low that everything else would fire.
	p := Policy{Trigger: TriggerHybrid, MinToCompress: 4}
	for n := 0; n < p.MinToCompress; n++ {
		ok, reason := ShouldCompress(episodes(n), p, base.Add(100*time.Hour))
		assert.False(t, ok, "n=%d", n)
		assert.Equal(t, ReasonNotEnough, reason)
	}
}

func TestShouldCompressIgnoresOtherKinds(t *testing.T) {
	mems := episodes(2)
	for i := 0; i < 10; i++ {
		it := memory.NewItem(memory.Semantic, "fact", 0.5, base)
		mems[it.ID] = it
	}
	ok, reason := ShouldCompress(mems, testPolicy(), base)
	assert.False(t, ok)
	assert.Equal(t, ReasonNotEnough, reason)
}

func TestCountTriggerSelectsOldest(t *testing.T) {
	mems := episodes(25)
	p := testPolicy()
	now := base.Add(30 * time.Minute)

	ok, reason := ShouldCompress(mems, p, now)
	require.True(t, ok)
	assert.Equal(t, ReasonCount, reason)

	candidates := SelectForCompression(mems, p)
	assert.Len(t, candidates, 20)

	// High-importance records are excluded on top of the recent ones.
	var pinned int
	for id, it := range mems {
		if pinned == 2 {
			break
		}
		if it.CreatedAt.Before(base.Add(10 * time.Minute)) {
			it.Importance = 0.9
			mems[id] = it
			pinned++
		}
	}
	assert.Len(t, SelectForCompression(mems, p), 18)
}

func TestShouldCompressReasons(t *testing.T) {
	t.Run("time", func(t *testing.T) {
		p := testPolicy()
		p.MaxAge = time.Hour
		ok, reason := ShouldCompress(episodes(4), p, base.Add(2*time.Hour))
		assert.True(t, ok)
		assert.Equal(t, ReasonTime, reason)
	})
	t.Run("tokens", func(t *testing.T) {
		p := testPolicy()
		p.MaxTotalTokens = 10
		ok, reason := ShouldCompress(episodes(4), p, base)
		assert.True(t, ok)
		assert.Equal(t, ReasonTokens, reason)
	})
	t.Run("count only ignores age", func(t *testing.T) {
		p := testPolicy()
		p.Trigger = TriggerCount
		p.MaxAge = time.Minute
		ok, reason := ShouldCompress(episodes(4), p, base.Add(time.Hour))
		assert.False(t, ok)
		assert.Equal(t, ReasonNone, reason)
	})
	t.Run("count wins over time", func(t *testing.T) {
		p := testPolicy()
		p.MaxEpisodicCount = 3
		p.MaxAge = time.Minute
		_, reason := ShouldCompress(episodes(4), p, base.Add(time.Hour))
		assert.Equal(t, ReasonCount, reason)
	})
}

func TestSelectForCompressionSkipsSummariesAndAborts(t *testing.T) {
	mems := episodes(7)
	p := testPolicy()

	// 7 - 5 recent = 2 < minToCompress.
	assert.Nil(t, SelectForCompression(mems, p))

	for i := 0; i < 3; i++ {
		it := memory.NewItem(memory.Episodic, "old summary", 0.5, base.Add(-time.Duration(i+1)*time.Hour))
		it.IsSummary = true
		mems[it.ID] = it
	}
	assert.Nil(t, SelectForCompression(mems, p), "summaries are never candidates")
}

func TestConsolidateRejectsEmpty(t *testing.T) {
	_, err := Consolidate(context.Background(), nil, Extractive{}, base)
	assert.True(t, errs.IsValidation(err), "got %v", err)
}

func TestConsolidateFields(t *testing.T) {
	a := memory.NewItem(memory.Episodic, "first exchange", 0.2, base.Add(time.Hour))
	b := memory.NewItem(memory.Episodic, "second exchange", 0.6, base)
	a.OwnerID, b.OwnerID = "u1", "u1"

	got, err := Consolidate(context.Background(), []memory.Item{a, b}, Extractive{}, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, got.IsSummary)
	assert.Equal(t, memory.Episodic, got.Kind)
	assert.InDelta(t, 0.4, got.Importance, 1e-9)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Equal(t, []string{a.ID, b.ID}, got.SummarizedFrom)
	assert.Equal(t, memory.EstimateTokens(got.Content), got.TokenEstimate)
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, fmt.Sprint(a.TokenEstimate+b.TokenEstimate), got.Metadata[memory.MetaOriginalTokens])
}

func TestCompressStatsArithmetic(t *testing.T) {
	mems := episodes(25)
	p := testPolicy()

	next, stats, err := Compress(context.Background(), mems, p, Extractive{}, base.Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, stats.Triggered)
	assert.Equal(t, ReasonCount, stats.Reason)
	assert.Equal(t, 20, stats.Compressed)
	assert.Equal(t, stats.TokensBefore-stats.TokensAfter, stats.TokensSaved)
	assert.Len(t, next, 25-20+1)
	assert.Len(t, mems, 25, "input map must not be modified")

	summary, ok := next[stats.SummaryID]
	require.True(t, ok)
	assert.Equal(t, stats.TokensAfter, summary.TokenEstimate)
	assert.Len(t, summary.SummarizedFrom, stats.Compressed)
	for _, id := range summary.SummarizedFrom {
		assert.NotContains(t, next, id)
	}
}

func TestCompressNotTriggered(t *testing.T) {
	mems := episodes(5)
	next, stats, err := Compress(context.Background(), mems, testPolicy(), Extractive{}, base)
	require.NoError(t, err)
	assert.False(t, stats.Triggered)
	assert.Equal(t, ReasonNone, stats.Reason)
	assert.Zero(t, stats.Compressed)
	assert.Len(t, next, 5)
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, []memory.Item) (string, error) {
	return "", errors.New("summarizer down")
}

func TestCompressIsAtomicOnFailure(t *testing.T) {
	mems := episodes(25)
	next, stats, err := Compress(context.Background(), mems, testPolicy(), failingSummarizer{}, base)
	require.Error(t, err)
	assert.True(t, stats.Triggered)
	assert.Zero(t, stats.Compressed)
	assert.Len(t, next, 25)
	for id := range mems {
		assert.Contains(t, next, id)
	}
}

func TestCompressRejectsInvalidPolicy(t *testing.T) {
	p := testPolicy()
	p.MinToCompress = -1
	_, _, err := Compress(context.Background(), episodes(25), p, Extractive{}, base)
	assert.True(t, errs.IsValidation(err))
}

func TestExtractiveFormat(t *testing.T) {
	items := make([]memory.Item, 0, 5)
	for i := 0; i < 5; i++ {
		it := memory.NewItem(memory.Episodic, fmt.Sprintf("line %d\nnext", i), 0.1*float64(i+1), base.Add(time.Duration(i)*time.Hour))
		items = append(items, it)
	}
	items[0].Content = strings.Repeat("x", 150)

	got, err := Extractive{}.Summarize(context.Background(), items)
	require.NoError(t, err)

	lines := strings.Split(got, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "[summary] 5 records (2026-05-04 09:00 - 13:00)", lines[0])
	assert.Equal(t, "  1. line 4 next...", lines[1])
	assert.Equal(t, "  2. line 3 next...", lines[2])
	assert.Equal(t, "  3. line 2 next...", lines[3])
	assert.Equal(t, "  ... 2 more related records", lines[4])

	single, _ := Extractive{}.Summarize(context.Background(), items[:1])
	assert.Equal(t, items[0].Content, single)
}

func TestExtractiveTruncatesExcerpts(t *testing.T) {
	a := memory.NewItem(memory.Episodic, strings.Repeat("é", 150), 0.9, base)
	b := memory.NewItem(memory.Episodic, "short", 0.1, base.Add(time.Minute))
	got, err := Extractive{}.Summarize(context.Background(), []memory.Item{a, b})
	require.NoError(t, err)
	assert.Contains(t, got, "  1. "+strings.Repeat("é", 100)+"...")
	assert.NotContains(t, got, "more related records")
}

func TestLLMSummarizerFallsBack(t *testing.T) {
	items := []memory.Item{
		memory.NewItem(memory.Episodic, "beta-record", 0.5, base.Add(time.Minute)),
		memory.NewItem(memory.Episodic, "alpha-record", 0.5, base),
	}
	want, _ := Extractive{}.Summarize(context.Background(), items)

	failing := llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
		return "", errors.New("rate limited")
	})
	got, err := NewLLMSummarizer(failing, zerolog.Nop()).Summarize(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	var prompt string
	ok := llm.CompleterFunc(func(_ context.Context, req llm.Request) (string, error) {
		prompt = req.Prompt
		return "  user asked twice  ", nil
	})
	got, err = NewLLMSummarizer(ok, zerolog.Nop()).Summarize(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, "user asked twice", got)
	assert.Less(t, strings.Index(prompt, "alpha-record"), strings.Index(prompt, "beta-record"), "records are sent oldest first")
}

func TestNewSummarizer(t *testing.T) {
	assert.IsType(t, Extractive{}, NewSummarizer(true, nil, zerolog.Nop()))
	c := llm.CompleterFunc(func(context.Context, llm.Request) (string, error) { return "x", nil })
	assert.IsType(t, &LLMSummarizer{}, NewSummarizer(true, c, zerolog.Nop()))
	assert.IsType(t, Extractive{}, NewSummarizer(false, c, zerolog.Nop()))
}

func TestOverview(t *testing.T) {
	plain := memory.NewItem(memory.Episodic, strings.Repeat("a", 40), 0.5, base)
	summary := memory.NewItem(memory.Episodic, strings.Repeat("b", 20), 0.5, base)
	summary.IsSummary = true
	summary.Metadata = map[string]string{memory.MetaOriginalTokens: "50"}
	legacy := memory.NewItem(memory.Episodic, strings.Repeat("c", 8), 0.5, base)
	legacy.IsSummary = true

	got := Overview([]memory.Item{plain, summary, legacy})
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, 2, got.Summarized)
	assert.Equal(t, 66.67, got.SummarizationRate)
	assert.Equal(t, 10+5+2, got.TotalTokens)
	assert.Equal(t, (50+2)-(5+2), got.EstimatedTokensSaved)
	assert.Equal(t, 86.54, got.AverageCompressionRatio)

	assert.Equal(t, OverviewStats{}, Overview(nil))
}
