// Package index defines the similarity-search contract the memory engine relies on and
// ships a chromem-go backed implementation.
package index

import "context"

// Document is one indexed entry.
type Document struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]string
}

// QueryResult holds aligned columns: entry i of every slice describes the same hit.
// Distances are cosine distances in [0,2], nearest first.
type QueryResult struct {
	IDs       []string
	Documents []string
	Metadatas []map[string]string
	Distances []float64
}

// Len reports the number of hits.
func (r QueryResult) Len() int { return len(r.IDs) }

// Index is an approximate nearest-neighbour search service over cosine distance.
type Index interface {
	Add(ctx context.Context, doc Document) error
	AddBatch(ctx context.Context, docs []Document) error
	// Query returns up to k hits whose metadata equals every filter entry.
	Query(ctx context.Context, vector []float32, k int, filter map[string]string) (QueryResult, error)
	Delete(ctx context.Context, id string) error
	Count() int
	Reset(ctx context.Context) error
}
