package memory

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mnemos/internal/embedding"
	"github.com/stellarlinkco/mnemos/internal/errs"
	"github.com/stellarlinkco/mnemos/internal/index"
)

// Index metadata keys. Query filters use the same names.
const (
	MetaKind    = "kind"
	MetaOwner   = "owner_id"
	MetaContext = "context"
	MetaSession = "session_id"
)

// Options tunes an Engine.
type Options struct {
	Weights   Weights
	OverFetch int
	BatchSize int
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Engine keeps the sqlite store and the similarity index in step and serves ranked reads.
type Engine struct {
	store     *Store
	index     index.Index
	embedder  embedding.Embedder
	weights   Weights
	overFetch int
	batchSize int
	log       zerolog.Logger
	now       func() time.Time
}

func NewEngine(store *Store, idx index.Index, emb embedding.Embedder, opts Options) (*Engine, error) {
	if store == nil || idx == nil || emb == nil {
		return nil, fmt.Errorf("memory engine: store, index and embedder are required")
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	if err := opts.Weights.Validate(); err != nil {
		return nil, err
	}
	if opts.OverFetch <= 0 {
		opts.OverFetch = 2
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:     store,
		index:     idx,
		embedder:  emb,
		weights:   opts.Weights,
		overFetch: opts.OverFetch,
		batchSize: opts.BatchSize,
		log:       opts.Logger,
		now:       opts.Now,
	}, nil
}

func (e *Engine) Store() *Store { return e.store }

func (e *Engine) Weights() Weights { return e.weights }

// Remember persists item and indexes it. An embedding failure leaves the item stored
// but unindexed; Reindex picks it up later.
func (e *Engine) Remember(ctx context.Context, item Item) (Item, error) {
	if math.IsNaN(item.Importance) {
		return Item{}, errs.Validation("importance", "must be a number")
	}
	item.Normalize()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = e.now().UTC()
	}

	vec, err := e.embedder.Embed(ctx, item.Content)
	if err != nil {
		e.log.Warn().Err(err).Str("memory", item.ID).Msg("embedding failed; storing unindexed")
		vec = nil
	}
	if err := e.store.Put(ctx, item, vec); err != nil {
		return Item{}, err
	}
	if vec != nil {
		if err := e.index.Add(ctx, document(item, vec)); err != nil {
			e.log.Warn().Err(err).Str("memory", item.ID).Msg("index add failed")
		}
	}
	return item, nil
}

// Forget deletes a memory from the store and the index.
func (e *Engine) Forget(ctx context.Context, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := e.index.Delete(ctx, id); err != nil {
		e.log.Warn().Err(err).Str("memory", id).Msg("index delete failed")
	}
	return nil
}

// Active returns the items among ids that are still live: neither deleted nor archived.
func (e *Engine) Active(ctx context.Context, ids []string) (map[string]Item, error) {
	return e.store.GetMany(ctx, ids)
}

// Consolidate persists summary and archives the records it replaces.
func (e *Engine) Consolidate(ctx context.Context, summary Item, sourceIDs []string) error {
	vec, err := e.embedder.Embed(ctx, summary.Content)
	if err != nil {
		e.log.Warn().Err(err).Str("memory", summary.ID).Msg("embedding summary failed")
		vec = nil
	}
	if err := e.store.ApplyConsolidation(ctx, summary, vec, sourceIDs); err != nil {
		return err
	}
	for _, id := range sourceIDs {
		if err := e.index.Delete(ctx, id); err != nil {
			e.log.Warn().Err(err).Str("memory", id).Msg("index delete failed")
		}
	}
	if vec != nil {
		summary.Normalize()
		if err := e.index.Add(ctx, document(summary, vec)); err != nil {
			e.log.Warn().Err(err).Str("memory", summary.ID).Msg("index add failed")
		}
	}
	return nil
}

// Expire archives stale low-importance episodic items and drops them from the index.
func (e *Engine) Expire(ctx context.Context, maxAge time.Duration, belowImportance float64) ([]string, error) {
	if maxAge <= 0 {
		return nil, errs.Validation("maxAge", "must be positive, got %s", maxAge)
	}
	ids, err := e.store.Expire(ctx, e.now().Add(-maxAge), belowImportance)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := e.index.Delete(ctx, id); err != nil {
			e.log.Warn().Err(err).Str("memory", id).Msg("index delete failed")
		}
	}
	return ids, nil
}

// Reindex rebuilds the similarity index from the store. Items without a stored
// embedding are embedded again and the blob is saved.
func (e *Engine) Reindex(ctx context.Context) (int, error) {
	if err := e.index.Reset(ctx); err != nil {
		return 0, err
	}

	var (
		batch   []index.Document
		pending []Item
		total   int
	)
	flush := func() error {
		if len(pending) > 0 {
			texts := make([]string, len(pending))
			for i, it := range pending {
				texts[i] = it.Content
			}
			vectors, err := e.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return fmt.Errorf("reindex embed: %w", err)
			}
			for i, it := range pending {
				if err := e.store.SetEmbedding(ctx, it.ID, vectors[i]); err != nil {
					return err
				}
				batch = append(batch, document(it, vectors[i]))
			}
			pending = pending[:0]
		}
		if len(batch) == 0 {
			return nil
		}
		if err := e.index.AddBatch(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	err := e.store.Each(ctx, func(it Item, vec []float32) error {
		if vec == nil {
			pending = append(pending, it)
		} else {
			batch = append(batch, document(it, vec))
		}
		if len(batch)+len(pending) >= e.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}
	e.log.Info().Int("documents", total).Msg("index rebuilt")
	return total, nil
}

// EnsureIndexed rebuilds the index when it is empty but the store is not.
func (e *Engine) EnsureIndexed(ctx context.Context) error {
	if e.index.Count() > 0 {
		return nil
	}
	st, err := e.store.Stats(ctx)
	if err != nil {
		return err
	}
	if st.Total == 0 {
		return nil
	}
	_, err = e.Reindex(ctx)
	return err
}

func document(it Item, vec []float32) index.Document {
	return index.Document{
		ID:     it.ID,
		Text:   it.Content,
		Vector: vec,
		Metadata: map[string]string{
			MetaKind:    string(it.Kind),
			MetaOwner:   it.OwnerID,
			MetaContext: it.Context,
			MetaSession: it.SessionID,
		},
	}
}
