package memory

import (
	"math"
	"testing"
	"time"

	"github.com/stellarlinkco/mnemos/internal/errs"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestScoreFormula(t *testing.T) {
	now := testEpoch
	w := DefaultWeights()

	tests := []struct {
		name       string
		distance   float64
		importance float64
		created    time.Time
		want       float64
	}{
		{"identical fresh", 0, 0.5, now, 0.5*1 + 0.3*0.5 + 0.2*1},
		{"opposite fresh", 2, 0.5, now, 0 + 0.3*0.5 + 0.2*1},
		{"half window", 1, 1, now.Add(-360 * time.Hour), 0.5*0.5 + 0.3*1 + 0.2*0.5},
		{"past window", 0, 0, now.Add(-1000 * time.Hour), 0.5},
		{"future timestamp", 0, 0, now.Add(time.Hour), 0.5 + 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.distance, tt.importance, tt.created, now, w); !approx(got, tt.want) {
				t.Fatalf("Score=%v, want %v", got, tt.want)
			}
		})
	}
}

// Identical content under two ids scores identically: the score depends only on
// distance, importance and age.
func TestScoreIsPureFunction(t *testing.T) {
	w := DefaultWeights()
	a := Score(0.3, 0.6, testEpoch, testEpoch.Add(5*time.Hour), w)
	b := Score(0.3, 0.6, testEpoch, testEpoch.Add(5*time.Hour), w)
	if a != b {
		t.Fatalf("scores differ: %v vs %v", a, b)
	}
}

func TestWeightsValidate(t *testing.T) {
	bad := []Weights{
		{Relevance: -0.1, Importance: 0.5, Recency: 0.5, RecencyWindow: time.Hour},
		{RecencyWindow: time.Hour},
		{Relevance: 1},
	}
	for _, w := range bad {
		if err := w.Validate(); !errs.IsValidation(err) {
			t.Fatalf("Validate(%+v)=%v, want ValidationError", w, err)
		}
	}
	if err := DefaultWeights().Validate(); err != nil {
		t.Fatalf("default weights invalid: %v", err)
	}
}

func TestSortScoredTieBreaks(t *testing.T) {
	list := []Scored{
		{Item: Item{ID: "b", CreatedAt: testEpoch}, Score: 0.5},
		{Item: Item{ID: "a", CreatedAt: testEpoch}, Score: 0.5},
		{Item: Item{ID: "newer", CreatedAt: testEpoch.Add(time.Minute)}, Score: 0.5},
		{Item: Item{ID: "best", CreatedAt: testEpoch}, Score: 0.9},
	}
	sortScored(list)
	got := []string{list[0].Item.ID, list[1].Item.ID, list[2].Item.ID, list[3].Item.ID}
	want := []string{"best", "newer", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order=%v, want %v", got, want)
		}
	}
}
