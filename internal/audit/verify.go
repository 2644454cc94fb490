package audit

import (
	"context"
	"fmt"
)

// Report is the result of checking one session's chain.
type Report struct {
	SessionID  string `json:"sessionId"`
	Records    int    `json:"records"`
	Valid      bool   `json:"valid"`
	BrokenStep int    `json:"brokenStep,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Verify reports whether every record of the session matches its hash, links to its
// predecessor and follows it without a gap. A session with no records verifies.
func (a *Log) Verify(ctx context.Context, sessionID string) (bool, error) {
	rep, err := a.Inspect(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return rep.Valid, nil
}

// Inspect checks the session's chain and names the first broken step.
func (a *Log) Inspect(ctx context.Context, sessionID string) (Report, error) {
	ctx, span := a.tracer.Start(ctx, "audit.verify")
	defer span.End()

	recs, err := a.query(ctx, `WHERE session_id = ? ORDER BY step ASC`, sessionID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{SessionID: sessionID, Records: len(recs), Valid: true}
	fail := func(step int, format string, args ...any) Report {
		rep.Valid = false
		rep.BrokenStep = step
		rep.Reason = fmt.Sprintf(format, args...)
		a.log.Warn().Str("session", sessionID).Int("step", step).Str("reason", rep.Reason).Msg("chain broken")
		return rep
	}

	for i, r := range recs {
		got, err := hashStored(r.Canon, r.StateJSON)
		if err != nil {
			return fail(r.Step, "snapshot unreadable: %v", err), nil
		}
		if got != r.StateHash {
			return fail(r.Step, "state hash mismatch: stored %s, computed %s", short(r.StateHash), short(got)), nil
		}
		if i == 0 {
			if r.ParentHash != "" {
				return fail(r.Step, "first record has parent %s", short(r.ParentHash)), nil
			}
			continue
		}
		prev := recs[i-1]
		if r.Step != prev.Step+1 {
			return fail(r.Step, "gap after step %d", prev.Step), nil
		}
		if r.ParentHash != prev.StateHash {
			return fail(r.Step, "parent %s does not match step %d hash %s", short(r.ParentHash), prev.Step, short(prev.StateHash)), nil
		}
	}
	return rep, nil
}
