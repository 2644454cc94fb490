package index

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Chromem stores vectors in an embedded chromem-go collection.
type Chromem struct {
	db   *chromem.DB
	name string

	mu  sync.RWMutex
	col *chromem.Collection
}

// NewChromem opens the collection name. An empty persistDir keeps everything in memory.
func NewChromem(persistDir, name string) (*Chromem, error) {
	var (
		db  *chromem.DB
		err error
	)
	if persistDir == "" {
		db = chromem.NewDB()
	} else if db, err = chromem.NewPersistentDB(persistDir, false); err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}

	c := &Chromem{db: db, name: name}
	if c.col, err = c.open(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chromem) open() (*chromem.Collection, error) {
	// Embeddings are always supplied by the caller, so no embedding func is configured.
	col, err := c.db.GetOrCreateCollection(c.name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", c.name, err)
	}
	return col, nil
}

func (c *Chromem) collection() *chromem.Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.col
}

func (c *Chromem) Add(ctx context.Context, doc Document) error {
	if err := validate(doc); err != nil {
		return err
	}
	if err := c.collection().AddDocument(ctx, toChromem(doc)); err != nil {
		return fmt.Errorf("index add %s: %w", doc.ID, err)
	}
	return nil
}

func (c *Chromem) AddBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		if err := validate(d); err != nil {
			return err
		}
		batch = append(batch, toChromem(d))
	}
	if err := c.collection().AddDocuments(ctx, batch, runtime.NumCPU()); err != nil {
		return fmt.Errorf("index add batch: %w", err)
	}
	return nil
}

func (c *Chromem) Query(ctx context.Context, vector []float32, k int, filter map[string]string) (QueryResult, error) {
	var out QueryResult
	col := c.collection()
	// chromem rejects nResults above the collection size.
	if n := col.Count(); k > n {
		k = n
	}
	if k <= 0 || len(vector) == 0 {
		return out, nil
	}
	if len(filter) == 0 {
		filter = nil
	}

	results, err := col.QueryEmbedding(ctx, vector, k, filter, nil)
	if err != nil {
		return out, fmt.Errorf("index query: %w", err)
	}
	for _, r := range results {
		out.IDs = append(out.IDs, r.ID)
		out.Documents = append(out.Documents, r.Content)
		out.Metadatas = append(out.Metadatas, r.Metadata)
		out.Distances = append(out.Distances, distance(r.Similarity))
	}
	return out, nil
}

func (c *Chromem) Delete(ctx context.Context, id string) error {
	if err := c.collection().Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("index delete %s: %w", id, err)
	}
	return nil
}

func (c *Chromem) Count() int {
	return c.collection().Count()
}

// Reset drops and recreates the collection.
func (c *Chromem) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.DeleteCollection(c.name); err != nil {
		return fmt.Errorf("reset collection %s: %w", c.name, err)
	}
	col, err := c.open()
	if err != nil {
		return err
	}
	c.col = col
	return nil
}

func toChromem(d Document) chromem.Document {
	meta := make(map[string]string, len(d.Metadata))
	for k, v := range d.Metadata {
		meta[k] = v
	}
	// chromem normalizes in place; hand it a copy.
	vec := append([]float32(nil), d.Vector...)
	return chromem.Document{
		ID:        d.ID,
		Content:   d.Text,
		Embedding: vec,
		Metadata:  meta,
	}
}

func validate(d Document) error {
	if d.ID == "" {
		return fmt.Errorf("index: document id is empty")
	}
	if len(d.Vector) == 0 {
		return fmt.Errorf("index: document %s has no vector", d.ID)
	}
	return nil
}

// distance maps cosine similarity onto [0,2].
func distance(similarity float32) float64 {
	d := 1 - float64(similarity)
	switch {
	case d < 0:
		return 0
	case d > 2:
		return 2
	}
	return d
}
