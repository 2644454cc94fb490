package memory

import (
	"context"
	"strings"
	"time"

	"github.com/stellarlinkco/mnemos/internal/errs"
)

const (
	defaultK       = 10
	defaultRecall  = 5
	recallSemantic = 2
	recallEpisodic = 2
)

// Query is a free-text retrieval request. Empty Kind and OwnerID do not filter.
type Query struct {
	Text    string
	K       int
	Kind    Kind
	OwnerID string
}

// Retrieve returns at most K items ranked by Score. An empty index yields an empty list.
// Returned items have their access counters bumped in the store and in the result.
func (e *Engine) Retrieve(ctx context.Context, q Query) ([]Item, error) {
	if q.Kind != "" && !q.Kind.Valid() {
		return nil, errs.Validation("kind", "unknown memory kind %q", q.Kind)
	}
	if q.K <= 0 {
		q.K = defaultK
	}
	ranked, err := e.rank(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(ranked) > q.K {
		ranked = ranked[:q.K]
	}
	items := make([]Item, len(ranked))
	for i, s := range ranked {
		items[i] = s.Item
	}
	return e.touch(ctx, items)
}

// Search is Retrieve without the access side effects, returning scores as well.
func (e *Engine) Search(ctx context.Context, q Query) ([]Scored, error) {
	if q.K <= 0 {
		q.K = defaultK
	}
	ranked, err := e.rank(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(ranked) > q.K {
		ranked = ranked[:q.K]
	}
	return ranked, nil
}

func (e *Engine) rank(ctx context.Context, q Query) ([]Scored, error) {
	if strings.TrimSpace(q.Text) == "" || e.index.Count() == 0 {
		return []Scored{}, nil
	}
	vec, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	filter := map[string]string{}
	if q.Kind != "" {
		filter[MetaKind] = string(q.Kind)
	}
	if q.OwnerID != "" {
		filter[MetaOwner] = q.OwnerID
	}
	res, err := e.index.Query(ctx, vec, q.K*e.overFetch, filter)
	if err != nil {
		return nil, errs.Upstream("index query", 1, err)
	}
	if res.Len() == 0 {
		return []Scored{}, nil
	}

	items, err := e.store.GetMany(ctx, res.IDs)
	if err != nil {
		return nil, err
	}
	now := e.now()
	scored := make([]Scored, 0, len(items))
	for i, id := range res.IDs {
		it, ok := items[id]
		if !ok {
			// Stale index entry; the store is authoritative.
			continue
		}
		scored = append(scored, Scored{
			Item:  it,
			Score: Score(res.Distances[i], it.Importance, it.CreatedAt, now, e.weights),
		})
	}
	sortScored(scored)
	return scored, nil
}

// TypedQuery drives the pipeline's recall step.
type TypedQuery struct {
	Text           string
	OwnerID        string
	Context        string
	Limit          int
	EpisodicMaxAge time.Duration
}

// RecallTyped blends the best semantic matches, the latest episodes and the strongest
// procedural rule for the context. Failures of the semantic leg degrade to no semantic
// results.
func (e *Engine) RecallTyped(ctx context.Context, q TypedQuery) ([]Item, error) {
	if q.Limit <= 0 {
		q.Limit = defaultRecall
	}
	var out []Item
	seen := map[string]struct{}{}
	add := func(items ...Item) {
		for _, it := range items {
			if _, dup := seen[it.ID]; dup {
				continue
			}
			seen[it.ID] = struct{}{}
			out = append(out, it)
		}
	}

	semantic, err := e.rank(ctx, Query{Text: q.Text, K: recallSemantic, Kind: Semantic, OwnerID: q.OwnerID})
	if err != nil {
		e.log.Warn().Err(err).Msg("semantic recall degraded")
	}
	for i := 0; i < len(semantic) && i < recallSemantic; i++ {
		add(semantic[i].Item)
	}

	lq := ListQuery{OwnerID: q.OwnerID, Kind: Episodic, Limit: recallEpisodic}
	if q.EpisodicMaxAge > 0 {
		lq.Since = e.now().Add(-q.EpisodicMaxAge)
	}
	episodes, err := e.store.ListRecent(ctx, lq)
	if err != nil {
		return nil, err
	}
	add(episodes...)

	contextTag := q.Context
	if contextTag == "" {
		contextTag = DefaultContext
	}
	rule, ok, err := e.store.TopByImportance(ctx, q.OwnerID, Procedural, contextTag)
	if err != nil {
		return nil, err
	}
	if !ok && contextTag != DefaultContext {
		if rule, ok, err = e.store.TopByImportance(ctx, q.OwnerID, Procedural, DefaultContext); err != nil {
			return nil, err
		}
	}
	if ok {
		add(rule)
	}

	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return e.touch(ctx, out)
}

func (e *Engine) touch(ctx context.Context, items []Item) ([]Item, error) {
	if len(items) == 0 {
		return []Item{}, nil
	}
	now := e.now().UTC()
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	if err := e.store.Touch(ctx, ids, now); err != nil {
		return nil, err
	}
	for i := range items {
		items[i].AccessCount++
		at := now
		items[i].LastAccessedAt = &at
	}
	return items, nil
}

// Format renders items as a bullet list for prompts and CLI output.
func Format(items []Item) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, it := range items {
		sb.WriteString("- [")
		sb.WriteString(string(it.Kind))
		if it.IsSummary {
			sb.WriteString("/summary")
		}
		sb.WriteString("] ")
		sb.WriteString(it.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
