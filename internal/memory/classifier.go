package memory

import (
	"strings"

	"github.com/stellarlinkco/mnemos/internal/config"
)

// Classifier decides the kind and importance of new text.
type Classifier interface {
	Classify(text string) (Kind, float64)
}

// KeywordClassifier matches configured phrases case-insensitively.
type KeywordClassifier struct {
	semantic   []string
	procedural []string
	important  []string
	sensitive  []string
}

func NewKeywordClassifier(cfg config.ClassifierConfig) *KeywordClassifier {
	return &KeywordClassifier{
		semantic:   lowerAll(cfg.SemanticKeywords),
		procedural: lowerAll(cfg.ProceduralKeywords),
		important:  lowerAll(cfg.ImportantKeywords),
		sensitive:  lowerAll(cfg.SensitiveKeywords),
	}
}

// Classify checks procedural phrases first, then semantic; everything else is episodic.
func (c *KeywordClassifier) Classify(text string) (Kind, float64) {
	lower := strings.ToLower(text)
	kind, importance := Episodic, 0.4
	switch {
	case containsAny(lower, c.procedural):
		kind, importance = Procedural, 0.7
	case containsAny(lower, c.semantic):
		kind, importance = Semantic, 0.6
	}
	if containsAny(lower, c.important) {
		importance += 0.3
	}
	return kind, ClampImportance(importance)
}

// Sensitive reports whether text matches a configured sensitive phrase.
func (c *KeywordClassifier) Sensitive(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range c.sensitive {
		if kw != "" && strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
