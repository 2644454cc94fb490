package memory

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind is the memory category an item belongs to.
type Kind string

const (
	Semantic   Kind = "semantic"
	Episodic   Kind = "episodic"
	Procedural Kind = "procedural"
)

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	switch k {
	case Semantic, Episodic, Procedural:
		return true
	}
	return false
}

const (
	DefaultImportance = 0.5
	DefaultContext    = "default"

	// MetaOriginalTokens is set on summaries to the token estimate of the records they replaced.
	MetaOriginalTokens = "original_tokens"
)

// Item is one stored memory record.
type Item struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"ownerId,omitempty"`
	SessionID      string            `json:"sessionId,omitempty"`
	Context        string            `json:"context,omitempty"`
	Kind           Kind              `json:"kind"`
	Content        string            `json:"content"`
	Importance     float64           `json:"importance"`
	CreatedAt      time.Time         `json:"createdAt"`
	AccessCount    int               `json:"accessCount"`
	LastAccessedAt *time.Time        `json:"lastAccessedAt,omitempty"`
	IsSummary      bool              `json:"isSummary"`
	SummarizedFrom []string          `json:"summarizedFrom,omitempty"`
	TokenEstimate  int               `json:"tokenEstimate"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewItem builds an item with a fresh id, clamped importance and a computed token estimate.
func NewItem(kind Kind, content string, importance float64, now time.Time) Item {
	return Item{
		ID:            uuid.NewString(),
		Kind:          kind,
		Content:       content,
		Importance:    ClampImportance(importance),
		CreatedAt:     now.UTC(),
		Context:       DefaultContext,
		TokenEstimate: EstimateTokens(content),
	}
}

// ClampImportance maps v into [0,1]. Zero is a legitimate importance; callers apply
// DefaultImportance themselves when the value was never given. NaN has no place on the
// scale and falls back to the default.
func ClampImportance(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return DefaultImportance
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ValidImportance reports whether v is a number in [0,1].
func ValidImportance(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// EstimateTokens approximates token cost as one token per four runes.
func EstimateTokens(content string) int {
	return utf8.RuneCountInString(content) / 4
}

// Normalize applies the write-time invariants in place.
func (it *Item) Normalize() {
	it.Importance = ClampImportance(it.Importance)
	if it.Context == "" {
		it.Context = DefaultContext
	}
	if it.AccessCount < 0 {
		it.AccessCount = 0
	}
	it.CreatedAt = it.CreatedAt.UTC()
	if it.LastAccessedAt != nil {
		t := it.LastAccessedAt.UTC()
		it.LastAccessedAt = &t
	}
	it.TokenEstimate = EstimateTokens(it.Content)
}

// Clone returns a deep copy.
func (it Item) Clone() Item {
	out := it
	if it.LastAccessedAt != nil {
		t := *it.LastAccessedAt
		out.LastAccessedAt = &t
	}
	if it.SummarizedFrom != nil {
		out.SummarizedFrom = append([]string(nil), it.SummarizedFrom...)
	}
	if it.Metadata != nil {
		out.Metadata = make(map[string]string, len(it.Metadata))
		for k, v := range it.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Stats is a compact store snapshot used by status reporting.
type Stats struct {
	Total      int
	Semantic   int
	Episodic   int
	Procedural int
	Summaries  int
	Archived   int
	Tokens     int
}
