package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/stellarlinkco/mnemos/internal/audit"
	"github.com/stellarlinkco/mnemos/internal/errs"
	"github.com/stellarlinkco/mnemos/internal/memory"
	"github.com/stellarlinkco/mnemos/internal/session"
)

// ActionSessionStart is the audit action of a session's first record.
const ActionSessionStart = "session_start"

// Reply is the outcome of one user turn.
type Reply struct {
	SessionID string        `json:"sessionId"`
	Content   string        `json:"content"`
	Decision  string        `json:"decision"`
	Recalled  []memory.Item `json:"recalled,omitempty"`
	Step      int           `json:"step"`
	Path      []string      `json:"path"`
	Exhausted bool          `json:"exhausted,omitempty"`
}

// CreateSession starts a session with a fresh id.
func (g *Gateway) CreateSession(ctx context.Context, userID, contextTag string) (*session.State, error) {
	return g.OpenSession(ctx, ulid.Make().String(), userID, contextTag)
}

// OpenSession resumes sid, or starts it when the log has no records for it. A new
// session is audited at step 0 before it is returned.
func (g *Gateway) OpenSession(ctx context.Context, sid, userID, contextTag string) (*session.State, error) {
	if strings.TrimSpace(sid) == "" {
		return nil, errs.Validation("sessionId", "must not be empty")
	}
	mu := g.sessionLock(sid)
	mu.Lock()
	defer mu.Unlock()

	st, err := g.Resume(ctx, sid)
	if err == nil {
		return st, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}

	st = session.New(sid, userID, contextTag, g.now())
	if _, err := g.audit.Append(ctx, sid, 0, ActionSessionStart, st); err != nil {
		return nil, fmt.Errorf("record session start: %w", err)
	}
	g.checked.Store(sid, struct{}{})
	g.event(ctx, sid, audit.EventSessionCreated, map[string]string{"userId": userID, "context": st.Context})
	g.log.Info().Str("session", sid).Str("user", userID).Str("context", st.Context).Msg("session created")
	return st, nil
}

// Resume rebuilds the session from its latest audited snapshot.
func (g *Gateway) Resume(ctx context.Context, sid string) (*session.State, error) {
	rec, ok, err := g.audit.Latest(ctx, sid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("session", sid)
	}
	var st session.State
	if err := json.Unmarshal(rec.StateJSON, &st); err != nil {
		return nil, errs.Integrity(sid, rec.Step, "decode snapshot: %v", err)
	}
	if st.Step != rec.Step || st.SessionID != sid {
		return nil, errs.Integrity(sid, rec.Step, "snapshot names session %s step %d", st.SessionID, st.Step)
	}
	if st.Memories == nil {
		st.Memories = map[string]memory.Item{}
	}
	return &st, nil
}

// HandleMessage runs one turn of the pipeline for text. Turns of one session are
// serialized; sessions that failed verification refuse new turns.
func (g *Gateway) HandleMessage(ctx context.Context, sid, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, errs.Validation("text", "must not be empty")
	}
	mu := g.sessionLock(sid)
	mu.Lock()
	defer mu.Unlock()

	if err := g.ensureTrusted(ctx, sid); err != nil {
		return Reply{}, err
	}
	st, err := g.Resume(ctx, sid)
	if err != nil {
		return Reply{}, err
	}

	in := st.Clone()
	if in.Status == session.StatusComplete || in.Status == session.StatusError {
		in.Status = session.StatusIdle
	}
	in.AddMessage(session.RoleUser, text, g.now())

	res, err := g.exec.Invoke(ctx, in)
	if err != nil {
		if errs.IsIntegrity(err) {
			g.markUntrusted(sid, err.Error())
			g.event(ctx, sid, audit.EventIntegrity, map[string]any{"step": in.Step, "reason": err.Error()})
		}
		return Reply{SessionID: sid, Step: res.State.Step, Path: res.Path}, err
	}

	out := res.State
	reply := Reply{
		SessionID: sid,
		Decision:  out.Decision,
		Recalled:  out.RecalledItems(),
		Step:      out.Step,
		Path:      res.Path,
		Exhausted: res.Exhausted,
	}
	if _, assistant, ok := out.LastExchange(); ok {
		reply.Content = assistant.Content
	}
	return reply, nil
}

// ensureTrusted verifies the chain the first time a session is touched in this process.
func (g *Gateway) ensureTrusted(ctx context.Context, sid string) error {
	if reason, bad := g.untrusted.Load(sid); bad {
		return errs.Integrity(sid, -1, "session is untrusted: %s", reason)
	}
	if _, ok := g.checked.Load(sid); ok {
		return nil
	}
	rep, err := g.audit.Inspect(ctx, sid)
	if err != nil {
		return err
	}
	if !rep.Valid {
		g.markUntrusted(sid, rep.Reason)
		g.event(ctx, sid, audit.EventIntegrity, rep)
		return errs.Integrity(sid, rep.BrokenStep, "%s", rep.Reason)
	}
	g.checked.Store(sid, struct{}{})
	return nil
}

func (g *Gateway) markUntrusted(sid, reason string) {
	if _, loaded := g.untrusted.LoadOrStore(sid, reason); !loaded {
		g.log.Error().Str("session", sid).Str("reason", reason).Msg("session marked untrusted")
	}
}

// Untrusted reports whether sid failed verification in this process.
func (g *Gateway) Untrusted(sid string) bool {
	_, bad := g.untrusted.Load(sid)
	return bad
}

func (g *Gateway) sessionLock(sid string) *sync.Mutex {
	v, _ := g.locks.LoadOrStore(sid, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (g *Gateway) event(ctx context.Context, sid, kind string, details any) {
	if err := g.audit.RecordEvent(context.WithoutCancel(ctx), sid, kind, details); err != nil {
		g.log.Warn().Err(err).Str("session", sid).Str("kind", kind).Msg("record audit event failed")
	}
}
