package memory

import (
	"context"
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stellarlinkco/mnemos/internal/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("OpenStore error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

func TestOpenStoreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	s2, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore reopen error: %v", err)
	}
	defer s2.Close()

	var version int
	if err := s2.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("user_version=%d, want %d", version, schemaVersion)
	}
}

func TestStorePutGetRoundTripsEveryField(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	accessed := testEpoch.Add(90 * time.Minute)
	want := Item{
		ID:             "m-1",
		OwnerID:        "u1",
		SessionID:      "s1",
		Context:        "coding",
		Kind:           Semantic,
		Content:        "The user's name is Ada",
		Importance:     0.75,
		CreatedAt:      testEpoch,
		AccessCount:    3,
		LastAccessedAt: &accessed,
		IsSummary:      true,
		SummarizedFrom: []string{"a", "b"},
		Metadata:       map[string]string{"source": "chat"},
	}
	want.Normalize()

	if err := s.Put(ctx, want, []float32{0.1, 0.2}); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	got, err := s.Get(ctx, "m-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", got, want)
	}
}

func TestStorePutClampsImportance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Put(ctx, Item{ID: "hi", Kind: Episodic, Content: "x", Importance: 7, CreatedAt: testEpoch}, nil); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	got, _ := s.Get(ctx, "hi")
	if got.Importance != 1 {
		t.Fatalf("importance=%v, want clamped 1", got.Importance)
	}
}

func TestStorePutRejectsUnknownKind(t *testing.T) {
	s := newTestStore(t)
	err := s.Put(context.Background(), Item{ID: "x", Kind: "dream", Content: "x", CreatedAt: testEpoch}, nil)
	if !errs.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestStoreDeleteMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete(context.Background(), "nope")
	if !errs.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := s.Get(context.Background(), "nope"); !errs.IsNotFound(err) {
		t.Fatalf("expected NotFoundError from Get, got %v", err)
	}
}

func TestStoreTouchIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Put(ctx, Item{ID: "a", Kind: Episodic, Content: "a", CreatedAt: testEpoch}, nil)

	for i := 0; i < 3; i++ {
		if err := s.Touch(ctx, []string{"a"}, testEpoch.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("Touch error: %v", err)
		}
	}
	// Re-putting a stale copy must not lower the counter.
	_ = s.Put(ctx, Item{ID: "a", Kind: Episodic, Content: "a", CreatedAt: testEpoch, AccessCount: 1}, nil)

	got, _ := s.Get(ctx, "a")
	if got.AccessCount != 3 {
		t.Fatalf("accessCount=%d, want 3", got.AccessCount)
	}
}

func TestStoreListRecentAndTopByImportance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i, id := range []string{"e1", "e2", "e3"} {
		_ = s.Put(ctx, Item{ID: id, OwnerID: "u1", Kind: Episodic, Content: id, CreatedAt: testEpoch.Add(time.Duration(i) * time.Hour)}, nil)
	}
	_ = s.Put(ctx, Item{ID: "other", OwnerID: "u2", Kind: Episodic, Content: "x", CreatedAt: testEpoch.Add(10 * time.Hour)}, nil)
	_ = s.Put(ctx, Item{ID: "p-low", Kind: Procedural, Context: "coding", Content: "tabs", Importance: 0.4, CreatedAt: testEpoch}, nil)
	_ = s.Put(ctx, Item{ID: "p-high", Kind: Procedural, Context: "coding", Content: "tests first", Importance: 0.9, CreatedAt: testEpoch}, nil)

	recent, err := s.ListRecent(ctx, ListQuery{OwnerID: "u1", Kind: Episodic, Limit: 2})
	if err != nil {
		t.Fatalf("ListRecent error: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "e3" || recent[1].ID != "e2" {
		t.Fatalf("unexpected recent list: %+v", ids(recent))
	}

	windowed, _ := s.ListRecent(ctx, ListQuery{OwnerID: "u1", Kind: Episodic, Since: testEpoch.Add(90 * time.Minute)})
	if len(windowed) != 1 || windowed[0].ID != "e3" {
		t.Fatalf("unexpected windowed list: %v", ids(windowed))
	}

	top, ok, err := s.TopByImportance(ctx, "u1", Procedural, "coding")
	if err != nil || !ok {
		t.Fatalf("TopByImportance ok=%v err=%v", ok, err)
	}
	if top.ID != "p-high" {
		t.Fatalf("top=%s, want p-high", top.ID)
	}
	if _, ok, _ := s.TopByImportance(ctx, "u1", Procedural, "cooking"); ok {
		t.Fatal("expected no rule for unknown context")
	}
}

func TestStoreApplyConsolidationArchivesSources(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		_ = s.Put(ctx, Item{ID: id, Kind: Episodic, Content: "episode " + id, CreatedAt: testEpoch}, nil)
	}
	summary := Item{ID: "sum", Kind: Episodic, Content: "[summary] 3 records", IsSummary: true, SummarizedFrom: []string{"a", "b", "c"}, CreatedAt: testEpoch}

	if err := s.ApplyConsolidation(ctx, summary, []float32{1, 0}, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("ApplyConsolidation error: %v", err)
	}

	live, _ := s.GetMany(ctx, []string{"a", "b", "c", "sum"})
	if len(live) != 1 {
		t.Fatalf("live items=%d, want only the summary", len(live))
	}
	archived, err := s.Archived(ctx, "sum")
	if err != nil {
		t.Fatalf("Archived error: %v", err)
	}
	if len(archived) != 3 || archived[0].Content != "episode a" {
		t.Fatalf("originals not retained: %+v", archived)
	}

	st, _ := s.Stats(ctx)
	if st.Total != 1 || st.Summaries != 1 || st.Archived != 3 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestStoreExpire(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Put(ctx, Item{ID: "old-low", Kind: Episodic, Content: "x", Importance: 0.1, CreatedAt: testEpoch}, nil)
	_ = s.Put(ctx, Item{ID: "old-high", Kind: Episodic, Content: "x", Importance: 0.9, CreatedAt: testEpoch}, nil)
	_ = s.Put(ctx, Item{ID: "new-low", Kind: Episodic, Content: "x", Importance: 0.1, CreatedAt: testEpoch.Add(72 * time.Hour)}, nil)
	_ = s.Put(ctx, Item{ID: "old-fact", Kind: Semantic, Content: "x", Importance: 0.1, CreatedAt: testEpoch}, nil)

	expired, err := s.Expire(ctx, testEpoch.Add(24*time.Hour), 0.3)
	if err != nil {
		t.Fatalf("Expire error: %v", err)
	}
	if len(expired) != 1 || expired[0] != "old-low" {
		t.Fatalf("expired=%v, want [old-low]", expired)
	}
	if live, _ := s.GetMany(ctx, []string{"old-low"}); len(live) != 0 {
		t.Fatal("expired item still live")
	}
}

func TestStoreEachAndSetEmbedding(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Put(ctx, Item{ID: "with", Kind: Semantic, Content: "x", CreatedAt: testEpoch}, []float32{1, 2})
	_ = s.Put(ctx, Item{ID: "without", Kind: Semantic, Content: "y", CreatedAt: testEpoch.Add(time.Second)}, nil)

	vectors := map[string][]float32{}
	err := s.Each(ctx, func(it Item, vec []float32) error {
		vectors[it.ID] = vec
		return nil
	})
	if err != nil {
		t.Fatalf("Each error: %v", err)
	}
	if len(vectors["with"]) != 2 || vectors["without"] != nil {
		t.Fatalf("unexpected vectors: %v", vectors)
	}

	if err := s.SetEmbedding(ctx, "without", []float32{3}); err != nil {
		t.Fatalf("SetEmbedding error: %v", err)
	}
	_ = s.Each(ctx, func(it Item, vec []float32) error {
		vectors[it.ID] = vec
		return nil
	})
	if len(vectors["without"]) != 1 {
		t.Fatalf("embedding not stored: %v", vectors["without"])
	}
}

func TestStoreBackup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Put(ctx, Item{ID: "a", Kind: Semantic, Content: "kept", CreatedAt: testEpoch}, nil)

	dst := filepath.Join(t.TempDir(), "backup", "memory.db")
	if err := s.Backup(ctx, dst); err != nil {
		t.Fatalf("Backup error: %v", err)
	}
	restored, err := OpenStore(dst)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer restored.Close()
	got, err := restored.Get(ctx, "a")
	if err != nil || got.Content != "kept" {
		t.Fatalf("backup missing data: %+v err=%v", got, err)
	}
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestStoreApplyConsolidationRefusesDeletedSource(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		_ = s.Put(ctx, Item{ID: id, Kind: Episodic, Content: "episode " + id, Importance: 0.4, CreatedAt: testEpoch}, nil)
	}
	if err := s.Delete(ctx, "c"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	summary := Item{ID: "sum", Kind: Episodic, Content: "[summary] 3 records", IsSummary: true, SummarizedFrom: []string{"a", "b", "c"}, CreatedAt: testEpoch}

	err := s.ApplyConsolidation(ctx, summary, nil, []string{"a", "b", "c"})
	if !errs.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	live, _ := s.GetMany(ctx, []string{"a", "b", "sum"})
	if len(live) != 2 {
		t.Fatalf("consolidation should roll back, live=%d", len(live))
	}
	if _, ok := live["sum"]; ok {
		t.Fatal("summary persisted despite rollback")
	}
}

func TestStorePutKeepsZeroImportanceAndRejectsNaN(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Put(ctx, Item{ID: "zero", Kind: Semantic, Content: "trivia", Importance: 0, CreatedAt: testEpoch}, nil); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	got, err := s.Get(ctx, "zero")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Importance != 0 {
		t.Fatalf("importance=%v, want 0", got.Importance)
	}

	err = s.Put(ctx, Item{ID: "nan", Kind: Semantic, Content: "x", Importance: math.NaN(), CreatedAt: testEpoch}, nil)
	if !errs.IsValidation(err) {
		t.Fatalf("expected ValidationError for NaN, got %v", err)
	}
}

func TestClampImportance(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{0.25, 0.25},
		{-3, 0},
		{1.5, 1},
		{math.NaN(), DefaultImportance},
	}
	for _, tt := range tests {
		if got := ClampImportance(tt.in); got != tt.want {
			t.Errorf("ClampImportance(%v)=%v, want %v", tt.in, got, tt.want)
		}
	}
	if NewItem(Semantic, "x", 0, testEpoch).Importance != 0 {
		t.Error("NewItem should keep an explicit zero importance")
	}
	if ValidImportance(math.NaN()) || ValidImportance(1.01) || !ValidImportance(0) {
		t.Error("ValidImportance gave a wrong answer")
	}
}
