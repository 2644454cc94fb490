package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mnemos/internal/audit"
)

const (
	JobExpire = "expire"
	JobVerify = "verify"
)

// Expirer archives stale low-importance memories.
type Expirer interface {
	Expire(ctx context.Context, maxAge time.Duration, belowImportance float64) ([]string, error)
}

// ChainAuditor is the part of the audit log the verify job needs.
type ChainAuditor interface {
	Sessions(ctx context.Context) ([]audit.SessionSummary, error)
	Inspect(ctx context.Context, sessionID string) (audit.Report, error)
	RecordEvent(ctx context.Context, sessionID, kind string, details any) error
}

// ExpireJob archives episodic memories older than maxAge whose importance is below
// the threshold. A zero maxAge disables the job body.
func ExpireJob(schedule string, m Expirer, maxAge time.Duration, below float64, log zerolog.Logger) Job {
	return Job{
		Name:     JobExpire,
		Schedule: schedule,
		Run: func(ctx context.Context) (string, error) {
			if maxAge <= 0 {
				return "expiry disabled", nil
			}
			ids, err := m.Expire(ctx, maxAge, below)
			if err != nil {
				return "", err
			}
			if len(ids) > 0 {
				log.Info().Int("count", len(ids)).Msg("expired memories")
			}
			return fmt.Sprintf("expired %d memories", len(ids)), nil
		},
	}
}

// VerifyJob walks every session's chain. Broken sessions get an integrity event and
// are passed to onBroken, which normally marks them untrusted.
func VerifyJob(schedule string, a ChainAuditor, onBroken func(audit.Report), log zerolog.Logger) Job {
	return Job{
		Name:     JobVerify,
		Schedule: schedule,
		Run: func(ctx context.Context) (string, error) {
			sessions, err := a.Sessions(ctx)
			if err != nil {
				return "", err
			}
			broken := 0
			for _, sess := range sessions {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				rep, err := a.Inspect(ctx, sess.SessionID)
				if err != nil {
					return "", err
				}
				if rep.Valid {
					continue
				}
				broken++
				log.Error().Str("session", rep.SessionID).Int("step", rep.BrokenStep).Str("reason", rep.Reason).Msg("audit chain broken")
				if err := a.RecordEvent(ctx, rep.SessionID, audit.EventIntegrity, rep); err != nil {
					log.Warn().Err(err).Str("session", rep.SessionID).Msg("failed to record integrity event")
				}
				if onBroken != nil {
					onBroken(rep)
				}
			}
			return fmt.Sprintf("verified %d sessions, %d broken", len(sessions), broken), nil
		},
	}
}
