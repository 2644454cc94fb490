package memory

import (
	"sort"
	"time"

	"github.com/stellarlinkco/mnemos/internal/config"
	"github.com/stellarlinkco/mnemos/internal/errs"
)

// Weights blends the three ranking signals. Values are fixed after construction.
type Weights struct {
	Relevance     float64
	Importance    float64
	Recency       float64
	RecencyWindow time.Duration
}

func DefaultWeights() Weights {
	return Weights{
		Relevance:     config.DefaultWeightRelevance,
		Importance:    config.DefaultWeightImportance,
		Recency:       config.DefaultWeightRecency,
		RecencyWindow: config.DefaultRecencyWindowHours * time.Hour,
	}
}

// WeightsFromConfig reads the scoring section of cfg.
func WeightsFromConfig(cfg config.MemoryConfig) Weights {
	return Weights{
		Relevance:     cfg.WeightRelevance,
		Importance:    cfg.WeightImportance,
		Recency:       cfg.WeightRecency,
		RecencyWindow: time.Duration(cfg.RecencyWindowHours * float64(time.Hour)),
	}
}

func (w Weights) Validate() error {
	if w.Relevance < 0 || w.Importance < 0 || w.Recency < 0 {
		return errs.Validation("weights", "must be non-negative, got %v/%v/%v", w.Relevance, w.Importance, w.Recency)
	}
	if w.Relevance+w.Importance+w.Recency == 0 {
		return errs.Validation("weights", "at least one weight must be positive")
	}
	if w.RecencyWindow <= 0 {
		return errs.Validation("recencyWindow", "must be positive, got %s", w.RecencyWindow)
	}
	return nil
}

// Score ranks one candidate. It depends only on its arguments.
func Score(distance, importance float64, createdAt, now time.Time, w Weights) float64 {
	relevance := clamp01(1 - distance/2)

	age := now.Sub(createdAt).Hours()
	if age < 0 {
		age = 0
	}
	recency := 1 - age/w.RecencyWindow.Hours()
	if recency < 0 {
		recency = 0
	}

	return w.Relevance*relevance + w.Importance*clamp01(importance) + w.Recency*recency
}

// Scored is an item with its ranking score.
type Scored struct {
	Item  Item
	Score float64
}

// sortScored orders by score, then newer createdAt, then id so equal inputs always
// produce the same order.
func sortScored(list []Scored) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.CreatedAt.Equal(b.Item.CreatedAt) {
			return a.Item.CreatedAt.After(b.Item.CreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
