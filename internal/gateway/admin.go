package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/stellarlinkco/mnemos/internal/audit"
	"github.com/stellarlinkco/mnemos/internal/cron"
	"github.com/stellarlinkco/mnemos/internal/errs"
	"github.com/stellarlinkco/mnemos/internal/memory"
	"github.com/stellarlinkco/mnemos/internal/retention"
)

// Verify checks the session's chain. A broken chain marks the session untrusted and
// records an integrity event.
func (g *Gateway) Verify(ctx context.Context, sid string) (audit.Report, error) {
	rep, err := g.audit.Inspect(ctx, sid)
	if err != nil {
		return rep, err
	}
	if rep.Records == 0 {
		return rep, errs.NotFound("session", sid)
	}
	if !rep.Valid {
		g.markUntrusted(sid, rep.Reason)
		g.event(ctx, sid, audit.EventIntegrity, rep)
	} else {
		g.checked.Store(sid, struct{}{})
	}
	return rep, nil
}

// VerifyAll runs the scheduled verification job now.
func (g *Gateway) VerifyAll(ctx context.Context) (string, error) {
	return g.cron.RunNow(ctx, cron.JobVerify)
}

// ExpireNow runs the scheduled expiry job now.
func (g *Gateway) ExpireNow(ctx context.Context) (string, error) {
	return g.cron.RunNow(ctx, cron.JobExpire)
}

// History returns the session's audit records oldest first. limit <= 0 returns all.
func (g *Gateway) History(ctx context.Context, sid string, limit int) ([]audit.Record, error) {
	recs, err := g.audit.History(ctx, sid, limit)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errs.NotFound("session", sid)
	}
	return recs, nil
}

func (g *Gateway) Events(ctx context.Context, sid string, limit int) ([]audit.Event, error) {
	return g.audit.Events(ctx, sid, limit)
}

func (g *Gateway) Sessions(ctx context.Context) ([]audit.SessionSummary, error) {
	return g.audit.Sessions(ctx)
}

// Remember stores an item directly, outside any session turn.
func (g *Gateway) Remember(ctx context.Context, item memory.Item) (memory.Item, error) {
	return g.engine.Remember(ctx, item)
}

// Search ranks memories for text without touching access counters.
func (g *Gateway) Search(ctx context.Context, q memory.Query) ([]memory.Scored, error) {
	return g.engine.Search(ctx, q)
}

// DeleteMemory removes a memory from the store and the index. sid, when set, names
// the session the deletion event is filed under.
func (g *Gateway) DeleteMemory(ctx context.Context, memoryID, sid string) error {
	it, err := g.store.Get(ctx, memoryID)
	if err != nil {
		return err
	}
	if err := g.engine.Forget(ctx, memoryID); err != nil {
		return err
	}
	if sid == "" {
		sid = it.SessionID
	}
	g.event(ctx, sid, audit.EventMemoryDeleted, map[string]string{
		"memoryId": memoryID,
		"kind":     string(it.Kind),
	})
	return nil
}

// Reindex rebuilds the similarity index from the store.
func (g *Gateway) Reindex(ctx context.Context) (int, error) {
	return g.engine.Reindex(ctx)
}

// Status is the operator view of the engine.
type Status struct {
	Memory      memory.Stats            `json:"memory"`
	Compression retention.OverviewStats `json:"compression"`
	Sessions    int                     `json:"sessions"`
	Untrusted   []string                `json:"untrusted,omitempty"`
	Jobs        []cron.JobState         `json:"jobs"`
	Weights     memory.Weights          `json:"weights"`
	Policy      retention.Policy        `json:"policy"`
}

func (g *Gateway) Stats(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.Memory, err = g.store.Stats(ctx); err != nil {
		return st, err
	}
	active, err := g.store.ListRecent(ctx, memory.ListQuery{})
	if err != nil {
		return st, err
	}
	st.Compression = retention.Overview(active)
	sessions, err := g.audit.Sessions(ctx)
	if err != nil {
		return st, err
	}
	st.Sessions = len(sessions)
	g.untrusted.Range(func(k, _ any) bool {
		st.Untrusted = append(st.Untrusted, k.(string))
		return true
	})
	sort.Strings(st.Untrusted)
	st.Jobs = g.cron.Jobs()
	st.Weights = g.engine.Weights()
	st.Policy = g.policy
	return st, nil
}

// Backup copies both databases into dir and returns the written paths.
func (g *Gateway) Backup(ctx context.Context, dir string) ([]string, error) {
	stamp := g.now().UTC().Format("20060102T150405Z")
	memPath := filepath.Join(dir, fmt.Sprintf("memory-%s.db", stamp))
	auditPath := filepath.Join(dir, fmt.Sprintf("audit-%s.db", stamp))
	if err := g.store.Backup(ctx, memPath); err != nil {
		return nil, err
	}
	if err := g.audit.Backup(ctx, auditPath); err != nil {
		return []string{memPath}, err
	}
	g.log.Info().Str("dir", dir).Msg("backup written")
	return []string{memPath, auditPath}, nil
}
