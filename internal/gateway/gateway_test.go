package gateway

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mnemos/internal/audit"
	"github.com/stellarlinkco/mnemos/internal/bus"
	"github.com/stellarlinkco/mnemos/internal/config"
	"github.com/stellarlinkco/mnemos/internal/errs"
	"github.com/stellarlinkco/mnemos/internal/llm"
	"github.com/stellarlinkco/mnemos/internal/memory"
	"github.com/stellarlinkco/mnemos/internal/pipeline"
	"github.com/stellarlinkco/mnemos/internal/rules"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Provider.Type = "none"
	cfg.Embedding.Provider = "hash"
	cfg.Embedding.Dimension = 64
	cfg.Memory.DBPath = filepath.Join(dir, "data", "memory.db")
	cfg.Audit.DBPath = filepath.Join(dir, "data", "audit.db")
	cfg.Rules.Dir = filepath.Join(dir, "rules")
	cfg.Schedule.Enabled = false
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, opts Options) *Gateway {
	t.Helper()
	nop := zerolog.Nop()
	opts.Logger = &nop
	g, err := NewWithOptions(cfg, opts)
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"", 5, ""},
		{"héllo wörld", 7, "héllo w..."},
		{"日本語のテキスト", 3, "日本語..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.input, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func TestNewWithOptions_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.MinToCompress = 0
	if _, err := NewWithOptions(cfg, Options{}); !errs.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, err := NewWithOptions(nil, Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestCreateSession_AuditsStart(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	ctx := context.Background()

	st, err := g.CreateSession(ctx, "u1", "coding")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(st.SessionID) != 26 || st.Step != 0 || st.Context != "coding" {
		t.Fatalf("unexpected state: %+v", st)
	}

	recs, err := g.History(ctx, st.SessionID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 1 || recs[0].Action != ActionSessionStart || recs[0].Step != 0 {
		t.Fatalf("records = %+v", recs)
	}
	events, err := g.Events(ctx, st.SessionID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != audit.EventSessionCreated {
		t.Fatalf("events = %+v", events)
	}

	again, err := g.OpenSession(ctx, st.SessionID, "someone-else", "other")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if again.UserID != "u1" || again.Context != "coding" {
		t.Fatalf("reopen should resume, got %+v", again)
	}
	if _, err := g.OpenSession(ctx, " ", "u1", ""); !errs.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestHandleMessage_RunsTurnsAndRecalls(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	ctx := context.Background()
	st, err := g.CreateSession(ctx, "u1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	first, err := g.HandleMessage(ctx, st.SessionID, "my name is Ada")
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	wantPath := []string{pipeline.NodePlan, pipeline.NodeRecall, pipeline.NodeDecide, pipeline.NodeRespond, pipeline.NodeStore, pipeline.NodeCompress}
	if strings.Join(first.Path, ",") != strings.Join(wantPath, ",") {
		t.Fatalf("path = %v", first.Path)
	}
	if first.Step != 6 || first.Content == "" {
		t.Fatalf("first reply = %+v", first)
	}

	second, err := g.HandleMessage(ctx, st.SessionID, "what is my name")
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if second.Step != 12 {
		t.Fatalf("second step = %d, want 12", second.Step)
	}
	if second.Decision != pipeline.DecisionContextual || len(second.Recalled) == 0 {
		t.Fatalf("expected contextual reply with recalled memories, got %+v", second)
	}

	resumed, err := g.Resume(ctx, st.SessionID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Step != 12 || len(resumed.Messages) != 4 {
		t.Fatalf("resumed = step %d, %d messages", resumed.Step, len(resumed.Messages))
	}

	rep, err := g.Verify(ctx, st.SessionID)
	if err != nil || !rep.Valid || rep.Records != 13 {
		t.Fatalf("verify: %+v err=%v", rep, err)
	}
}

func TestHandleMessage_UsesCompleter(t *testing.T) {
	var got llm.Request
	completer := llm.CompleterFunc(func(_ context.Context, req llm.Request) (string, error) {
		got = req
		return "  hello Ada  ", nil
	})
	g := newTestGateway(t, testConfig(t), Options{Completer: completer})
	ctx := context.Background()
	st, _ := g.CreateSession(ctx, "u1", "")

	reply, err := g.HandleMessage(ctx, st.SessionID, "hi there")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Content != "hello Ada" {
		t.Fatalf("content = %q", reply.Content)
	}
	if !strings.Contains(got.Prompt, "user: hi there") {
		t.Fatalf("prompt missing user turn: %q", got.Prompt)
	}
}

func TestHandleMessage_Validation(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	ctx := context.Background()

	if _, err := g.HandleMessage(ctx, "missing", "hello"); !errs.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	st, _ := g.CreateSession(ctx, "u1", "")
	if _, err := g.HandleMessage(ctx, st.SessionID, "   "); !errs.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestHandleMessage_SensitiveContentNotStored(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	ctx := context.Background()
	st, _ := g.CreateSession(ctx, "u1", "")

	reply, err := g.HandleMessage(ctx, st.SessionID, "my password is hunter2")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Step != 6 {
		t.Fatalf("step = %d", reply.Step)
	}
	stats, err := g.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Memory.Total != 0 {
		t.Fatalf("sensitive content stored: %+v", stats.Memory)
	}
	events, _ := g.Events(ctx, st.SessionID, 0)
	found := false
	for _, ev := range events {
		if ev.Kind == audit.EventRetentionFilter {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing retention filter event in %+v", events)
	}
}

func tamper(t *testing.T, dbPath, sid string, step int) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open audit db: %v", err)
	}
	defer db.Close()
	res, err := db.Exec(`UPDATE state_log SET state_json = replace(state_json, 'Ada', 'Eve') WHERE session_id = ? AND step = ?`, sid, step)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("tamper touched %d rows", n)
	}
}

func TestTamperedSessionBecomesUntrusted(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first := newTestGateway(t, cfg, Options{})
	st, _ := first.CreateSession(ctx, "u1", "")
	if _, err := first.HandleMessage(ctx, st.SessionID, "my name is Ada"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tamper(t, cfg.Audit.DBPath, st.SessionID, 1)

	g := newTestGateway(t, cfg, Options{})
	_, err := g.HandleMessage(ctx, st.SessionID, "hello again")
	if !errs.IsIntegrity(err) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if !g.Untrusted(st.SessionID) {
		t.Fatal("session should be untrusted")
	}
	if _, err := g.HandleMessage(ctx, st.SessionID, "still there?"); !errs.IsIntegrity(err) {
		t.Fatalf("untrusted session must keep refusing turns, got %v", err)
	}

	rep, err := g.Verify(ctx, st.SessionID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.Valid || rep.BrokenStep != 1 {
		t.Fatalf("report = %+v", rep)
	}
	events, _ := g.Events(ctx, st.SessionID, 0)
	if events[len(events)-1].Kind != audit.EventIntegrity {
		t.Fatalf("last event = %+v", events[len(events)-1])
	}

	stats, err := g.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats.Untrusted) != 1 || stats.Untrusted[0] != st.SessionID {
		t.Fatalf("untrusted = %v", stats.Untrusted)
	}
}

func TestVerifyAll_FlagsBrokenSessions(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first := newTestGateway(t, cfg, Options{})
	good, _ := first.CreateSession(ctx, "u1", "")
	bad, _ := first.CreateSession(ctx, "u2", "")
	if _, err := first.HandleMessage(ctx, bad.SessionID, "my name is Ada"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	_ = first.Close()
	tamper(t, cfg.Audit.DBPath, bad.SessionID, 2)

	g := newTestGateway(t, cfg, Options{})
	out, err := g.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if !strings.Contains(out, "1 broken") {
		t.Fatalf("out = %q", out)
	}
	if !g.Untrusted(bad.SessionID) || g.Untrusted(good.SessionID) {
		t.Fatal("only the tampered session should be untrusted")
	}
}

func TestDeleteMemory(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	ctx := context.Background()
	st, _ := g.CreateSession(ctx, "u1", "")
	if _, err := g.HandleMessage(ctx, st.SessionID, "my name is Ada"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	resumed, _ := g.Resume(ctx, st.SessionID)
	semantic := resumed.MemoriesByKind(memory.Semantic)
	if len(semantic) != 1 {
		t.Fatalf("semantic memories = %d", len(semantic))
	}
	id := semantic[0].ID

	if err := g.DeleteMemory(ctx, id, ""); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if err := g.DeleteMemory(ctx, id, ""); !errs.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	events, _ := g.Events(ctx, st.SessionID, 0)
	if events[len(events)-1].Kind != audit.EventMemoryDeleted {
		t.Fatalf("events = %+v", events)
	}
}

func TestInit_SeedsRulesForContextRecall(t *testing.T) {
	cfg := testConfig(t)
	ruleDir := filepath.Join(cfg.Rules.Dir, "tests")
	if err := os.MkdirAll(ruleDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "---\nname: write-tests\ncontext: coding\nimportance: 0.9\n---\nAlways write a failing test first.\n"
	if err := os.WriteFile(filepath.Join(ruleDir, "RULE.md"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	g := newTestGateway(t, cfg, Options{})
	ctx := context.Background()
	if err := g.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := g.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	stats, _ := g.Stats(ctx)
	if stats.Memory.Procedural != 1 {
		t.Fatalf("procedural = %d, want 1 after reseeding", stats.Memory.Procedural)
	}

	st, _ := g.CreateSession(ctx, "u1", "coding")
	reply, err := g.HandleMessage(ctx, st.SessionID, "how should I start this feature")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	ruleID := rules.Rule{Name: "write-tests"}.ID()
	found := false
	for _, it := range reply.Recalled {
		if it.ID == ruleID {
			found = true
		}
	}
	if !found {
		t.Fatalf("rule not recalled: %+v", reply.Recalled)
	}
}

func TestStatsReindexAndBackup(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	ctx := context.Background()
	st, _ := g.CreateSession(ctx, "u1", "")
	if _, err := g.HandleMessage(ctx, st.SessionID, "I work at the observatory"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	stats, err := g.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Sessions != 1 || stats.Memory.Total != 1 || stats.Compression.Total != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(stats.Jobs) != 2 {
		t.Fatalf("jobs = %+v", stats.Jobs)
	}

	n, err := g.Reindex(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Reindex: n=%d err=%v", n, err)
	}

	paths, err := g.Backup(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v", paths)
	}
	for _, p := range paths {
		if info, err := os.Stat(p); err != nil || info.Size() == 0 {
			t.Fatalf("backup %s missing: %v", p, err)
		}
	}
}

type captureChannel struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (c *captureChannel) Name() string                { return "capture" }
func (c *captureChannel) Start(context.Context) error { return nil }
func (c *captureChannel) Stop() error                 { return nil }

func (c *captureChannel) Send(msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureChannel) messages() []bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.OutboundMessage(nil), c.sent...)
}

func TestRun_DispatchesBusMessagesInOrder(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	g := newTestGateway(t, testConfig(t), Options{SignalChan: sigCh, IdleWorker: 100 * time.Millisecond})
	capture := &captureChannel{}
	if err := g.AddChannel(capture); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	ctx := context.Background()
	for _, text := range []string{"my name is Ada", "what is my name"} {
		if err := g.Bus().PublishInbound(ctx, bus.InboundMessage{Channel: "capture", ChatID: "c1", SenderID: "u1", SessionID: "bus-1", Content: text}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(capture.messages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	msgs := capture.messages()
	if len(msgs) != 2 {
		t.Fatalf("replies = %d, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Error != "" || m.SessionID != "bus-1" || m.ChatID != "c1" {
			t.Fatalf("reply = %+v", m)
		}
	}

	recs, err := g.History(ctx, "bus-1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 13 {
		t.Fatalf("records = %d, want 13", len(recs))
	}

	for g.activeWorkers() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if g.activeWorkers() != 0 {
		t.Fatal("idle session worker did not exit")
	}

	sigCh <- os.Interrupt
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after signal")
	}
}
