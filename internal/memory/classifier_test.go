package memory

import (
	"testing"

	"github.com/stellarlinkco/mnemos/internal/config"
)

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier(config.ClassifierConfig{
		SemanticKeywords:   []string{"my name is"},
		ProceduralKeywords: []string{"always"},
		ImportantKeywords:  []string{"critical"},
		SensitiveKeywords:  []string{"password"},
	})

	tests := []struct {
		text           string
		wantKind       Kind
		wantImportance float64
	}{
		{"My name is Ada", Semantic, 0.6},
		{"Always answer in French", Procedural, 0.7},
		{"It is critical: always cite sources", Procedural, 1.0},
		{"what's the weather like", Episodic, 0.4},
	}
	for _, tt := range tests {
		kind, importance := c.Classify(tt.text)
		if kind != tt.wantKind || !approx(importance, tt.wantImportance) {
			t.Errorf("Classify(%q)=(%s,%v), want (%s,%v)", tt.text, kind, importance, tt.wantKind, tt.wantImportance)
		}
	}

	if kw, ok := c.Sensitive("my PASSWORD is hunter2"); !ok || kw != "password" {
		t.Errorf("Sensitive miss: kw=%q ok=%v", kw, ok)
	}
	if _, ok := c.Sensitive("nothing to see"); ok {
		t.Error("unexpected sensitive match")
	}
}
