package retention

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/stellarlinkco/mnemos/internal/errs"
	"github.com/stellarlinkco/mnemos/internal/memory"
)

// Metadata keys written on summaries.
const (
	MetaConsolidationCount = "consolidation_count"
	MetaConsolidatedAt     = "consolidated_at"
)

// Stats reports one compression attempt.
type Stats struct {
	Triggered    bool    `json:"triggered"`
	Reason       Reason  `json:"reason"`
	Compressed   int     `json:"memoriesCompressed"`
	TokensBefore int     `json:"tokensBefore"`
	TokensAfter  int     `json:"tokensAfter"`
	TokensSaved  int     `json:"tokensSaved"`
	PercentSaved float64 `json:"percentSaved"`
	SummaryID    string  `json:"summaryId,omitempty"`
}

// ShouldCompress evaluates the policy against the episodic subset of memories.
// The first satisfied threshold wins, in count, time, token order.
func ShouldCompress(memories map[string]memory.Item, p Policy, now time.Time) (bool, Reason) {
	eps := episodic(memories)
	if len(eps) < p.MinToCompress {
		return false, ReasonNotEnough
	}

	if p.checks(TriggerCount) && len(eps) > p.MaxEpisodicCount {
		return true, ReasonCount
	}
	if p.checks(TriggerTime) {
		cutoff := now.Add(-p.MaxAge)
		old := 0
		for _, it := range eps {
			if !it.CreatedAt.After(cutoff) {
				old++
			}
		}
		if old >= p.MinToCompress {
			return true, ReasonTime
		}
	}
	if p.checks(TriggerToken) && totalTokens(eps) > p.MaxTotalTokens {
		return true, ReasonTokens
	}
	return false, ReasonNone
}

// SelectForCompression returns the episodic records that may be folded into a summary,
// newest first. It returns nil when fewer than MinToCompress qualify.
func SelectForCompression(memories map[string]memory.Item, p Policy) []memory.Item {
	eps := episodic(memories)
	if len(eps) < p.MinToCompress {
		return nil
	}

	preserved := make(map[string]struct{}, p.PreserveRecentCount)
	for i := 0; i < len(eps) && i < p.PreserveRecentCount; i++ {
		preserved[eps[i].ID] = struct{}{}
	}
	if p.PreserveHighImportance {
		for _, it := range eps {
			if it.Importance >= p.ImportanceThreshold {
				preserved[it.ID] = struct{}{}
			}
		}
	}

	var candidates []memory.Item
	for _, it := range eps {
		if _, keep := preserved[it.ID]; keep || it.IsSummary {
			continue
		}
		candidates = append(candidates, it)
	}
	if len(candidates) < p.MinToCompress {
		return nil
	}
	return candidates
}

// Consolidate builds the summary record that replaces candidates.
func Consolidate(ctx context.Context, candidates []memory.Item, s Summarizer, now time.Time) (memory.Item, error) {
	if len(candidates) == 0 {
		return memory.Item{}, errs.Validation("candidates", "nothing to consolidate")
	}
	if s == nil {
		s = Extractive{}
	}
	content, err := s.Summarize(ctx, candidates)
	if err != nil {
		return memory.Item{}, err
	}

	var importance float64
	earliest := candidates[0].CreatedAt
	ids := make([]string, len(candidates))
	for i, it := range candidates {
		importance += it.Importance
		if it.CreatedAt.Before(earliest) {
			earliest = it.CreatedAt
		}
		ids[i] = it.ID
	}

	first := candidates[0]
	summary := memory.NewItem(memory.Episodic, content, importance/float64(len(candidates)), earliest)
	summary.OwnerID = first.OwnerID
	summary.SessionID = first.SessionID
	summary.Context = first.Context
	summary.IsSummary = true
	summary.SummarizedFrom = ids
	summary.Metadata = map[string]string{
		memory.MetaOriginalTokens: strconv.Itoa(totalTokens(candidates)),
		MetaConsolidationCount:    strconv.Itoa(len(candidates)),
		MetaConsolidatedAt:        now.UTC().Format(time.RFC3339Nano),
	}
	summary.Normalize()
	return summary, nil
}

// Compress runs the whole cycle on a copy of memories. The caller's map is never
// modified; on error it is returned as-is, so a failed compression leaves no trace.
func Compress(ctx context.Context, memories map[string]memory.Item, p Policy, s Summarizer, now time.Time) (map[string]memory.Item, Stats, error) {
	if err := p.Validate(); err != nil {
		return memories, Stats{}, err
	}

	triggered, reason := ShouldCompress(memories, p, now)
	stats := Stats{Triggered: triggered, Reason: reason}
	if !triggered {
		return memories, stats, nil
	}
	candidates := SelectForCompression(memories, p)
	if len(candidates) == 0 {
		return memories, stats, nil
	}

	summary, err := Consolidate(ctx, candidates, s, now)
	if err != nil {
		return memories, stats, err
	}

	next := make(map[string]memory.Item, len(memories)-len(candidates)+1)
	for id, it := range memories {
		next[id] = it
	}
	for _, it := range candidates {
		delete(next, it.ID)
	}
	next[summary.ID] = summary

	stats.Compressed = len(candidates)
	stats.TokensBefore = totalTokens(candidates)
	stats.TokensAfter = summary.TokenEstimate
	stats.TokensSaved = stats.TokensBefore - stats.TokensAfter
	if stats.TokensBefore > 0 {
		stats.PercentSaved = round2((1 - float64(stats.TokensAfter)/float64(stats.TokensBefore)) * 100)
	}
	stats.SummaryID = summary.ID
	return next, stats, nil
}

// OverviewStats summarizes how much of a memory set is already compressed.
type OverviewStats struct {
	Total                   int     `json:"totalMemories"`
	Summarized              int     `json:"summarizedMemories"`
	SummarizationRate       float64 `json:"summarizationRate"`
	TotalTokens             int     `json:"totalTokens"`
	EstimatedTokensSaved    int     `json:"estimatedTokensSaved"`
	AverageCompressionRatio float64 `json:"averageCompressionRatio"`
}

// Overview reports compression statistics. Summaries without a recorded original
// estimate count as saving nothing.
func Overview(items []memory.Item) OverviewStats {
	var out OverviewStats
	var summaryTokens, originalTokens int
	for _, it := range items {
		out.Total++
		out.TotalTokens += it.TokenEstimate
		if !it.IsSummary {
			continue
		}
		out.Summarized++
		summaryTokens += it.TokenEstimate
		original := it.TokenEstimate
		if v, err := strconv.Atoi(it.Metadata[memory.MetaOriginalTokens]); err == nil {
			original = v
		}
		originalTokens += original
	}
	if out.Total > 0 {
		out.SummarizationRate = round2(float64(out.Summarized) / float64(out.Total) * 100)
	}
	out.EstimatedTokensSaved = originalTokens - summaryTokens
	if originalTokens > 0 {
		out.AverageCompressionRatio = round2((1 - float64(summaryTokens)/float64(originalTokens)) * 100)
	}
	return out
}

// episodic returns the episodic items newest first, ties by id.
func episodic(memories map[string]memory.Item) []memory.Item {
	out := make([]memory.Item, 0, len(memories))
	for _, it := range memories {
		if it.Kind == memory.Episodic {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func totalTokens(items []memory.Item) int {
	n := 0
	for _, it := range items {
		n += it.TokenEstimate
	}
	return n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
