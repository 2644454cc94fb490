// Package audit is an append-only, hash-chained log of session state transitions.
//
// Every record stores the snapshot it was computed from, the SHA-256 of that snapshot's
// canonical form and the hash of the previous record for the same session. Altering any
// stored snapshot breaks its own hash; removing or reordering records breaks the chain.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/mnemos/internal/errs"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one state transition.
type Record struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"sessionId"`
	Step       int       `json:"step"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	StateJSON  []byte    `json:"-"`
	StateHash  string    `json:"stateHash"`
	ParentHash string    `json:"parentHash"`
	Canon      string    `json:"canon"`
}

// Log is the sqlite-backed audit log. It is safe for concurrent use; appends for the
// same session are serialized.
type Log struct {
	db     *sql.DB
	locks  sync.Map // session id -> *sync.Mutex
	now    func() time.Time
	log    zerolog.Logger
	tracer trace.Tracer
}

// Option configures a Log.
type Option func(*Log)

func WithLogger(l zerolog.Logger) Option { return func(a *Log) { a.log = l } }

func WithClock(now func() time.Time) Option { return func(a *Log) { a.now = now } }

// Open opens (or creates) the log at path. Every connection runs with synchronous=FULL
// so a committed append is on disk before Append returns.
func Open(path string, opts ...Option) (*Log, error) {
	if path == "" {
		return nil, errs.Validation("audit.dbPath", "must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "busy_timeout(5000)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// One writer connection keeps append transactions strictly ordered.
	db.SetMaxOpenConns(1)

	a := &Log{
		db:     db,
		now:    time.Now,
		log:    zerolog.Nop(),
		tracer: otel.Tracer("github.com/stellarlinkco/mnemos/internal/audit"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Log) Close() error {
	return a.db.Close()
}

func (a *Log) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			state_json TEXT NOT NULL,
			state_hash TEXT NOT NULL,
			parent_hash TEXT NOT NULL DEFAULT '',
			canon TEXT NOT NULL DEFAULT 'v1',
			UNIQUE(session_id, step)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			details_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_state_log_timestamp ON state_log(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.Exec(stmt); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
	}
	return nil
}

type appendOptions struct {
	expectedParent *string
}

// AppendOption adjusts a single Append.
type AppendOption func(*appendOptions)

// WithExpectedParent makes Append fail unless the session's latest hash equals h.
// Pass "" to assert the session has no records yet.
func WithExpectedParent(h string) AppendOption {
	return func(o *appendOptions) { o.expectedParent = &h }
}

// Append records the transition to step. step must directly follow the session's latest
// record; anything else would fork or gap the chain and fails with an IntegrityError
// without writing.
func (a *Log) Append(ctx context.Context, sessionID string, step int, action string, snapshot any, opts ...AppendOption) (rec Record, err error) {
	ctx, span := a.tracer.Start(ctx, "audit.append", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("audit.step", step),
		attribute.String("audit.action", action),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if sessionID == "" {
		return Record{}, errs.Validation("sessionId", "must not be empty")
	}
	if step < 0 {
		return Record{}, errs.Validation("step", "must be non-negative, got %d", step)
	}
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}

	stateJSON, err := marshalSnapshot(snapshot)
	if err != nil {
		return Record{}, err
	}
	hash, err := hashStored(CanonV1, stateJSON)
	if err != nil {
		return Record{}, err
	}

	mu := a.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var (
		latestStep int
		parent     string
	)
	row := tx.QueryRowContext(ctx, `SELECT step, state_hash FROM state_log WHERE session_id = ? ORDER BY step DESC LIMIT 1`, sessionID)
	switch err := row.Scan(&latestStep, &parent); {
	case errors.Is(err, sql.ErrNoRows):
		parent = ""
	case err != nil:
		return Record{}, fmt.Errorf("load latest record: %w", err)
	default:
		if step != latestStep+1 {
			return Record{}, errs.Integrity(sessionID, step, "step does not follow latest step %d", latestStep)
		}
	}
	if o.expectedParent != nil && *o.expectedParent != parent {
		return Record{}, errs.Integrity(sessionID, step, "expected parent %q, chain head is %q", short(*o.expectedParent), short(parent))
	}

	rec = Record{
		SessionID:  sessionID,
		Step:       step,
		Timestamp:  a.now().UTC(),
		Action:     action,
		StateJSON:  stateJSON,
		StateHash:  hash,
		ParentHash: parent,
		Canon:      CanonV1,
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO state_log (session_id, step, timestamp, action, state_json, state_hash, parent_hash, canon)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.Step, rec.Timestamp.Format(timeLayout), rec.Action, string(rec.StateJSON), rec.StateHash, rec.ParentHash, rec.Canon)
	if err != nil {
		return Record{}, fmt.Errorf("insert audit record: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return Record{}, fmt.Errorf("audit record id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit audit record: %w", err)
	}

	a.log.Debug().Str("session", sessionID).Int("step", step).Str("action", action).Str("hash", short(hash)).Msg("appended")
	return rec, nil
}

func (a *Log) sessionLock(sessionID string) *sync.Mutex {
	mu, _ := a.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Latest returns the newest record for the session.
func (a *Log) Latest(ctx context.Context, sessionID string) (Record, bool, error) {
	recs, err := a.query(ctx, `WHERE session_id = ? ORDER BY step DESC LIMIT 1`, sessionID)
	if err != nil {
		return Record{}, false, err
	}
	if len(recs) == 0 {
		return Record{}, false, nil
	}
	return recs[0], true, nil
}

// History returns up to limit of the session's most recent records, oldest first.
// limit <= 0 returns everything.
func (a *Log) History(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return a.query(ctx, `WHERE session_id = ? ORDER BY step ASC`, sessionID)
	}
	recs, err := a.query(ctx, `WHERE session_id = ? ORDER BY step DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// SessionSummary describes one session in the log.
type SessionSummary struct {
	SessionID  string    `json:"sessionId"`
	Records    int       `json:"records"`
	LastStep   int       `json:"lastStep"`
	LastAction string    `json:"lastAction"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Sessions lists every session with records, most recently updated first.
func (a *Log) Sessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT s.session_id, s.n, l.step, l.action, l.timestamp
		FROM (SELECT session_id, COUNT(*) AS n, MAX(step) AS last FROM state_log GROUP BY session_id) s
		JOIN state_log l ON l.session_id = s.session_id AND l.step = s.last
		ORDER BY l.timestamp DESC, s.session_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]SessionSummary, 0)
	for rows.Next() {
		var (
			s  SessionSummary
			ts string
		)
		if err := rows.Scan(&s.SessionID, &s.Records, &s.LastStep, &s.LastAction, &ts); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if s.UpdatedAt, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse session time: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Purge deletes every record and event of the session. It is the only way records
// leave the log.
func (a *Log) Purge(ctx context.Context, sessionID string) (int64, error) {
	mu := a.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM state_log WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_events WHERE session_id = ?`, sessionID); err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	a.log.Info().Str("session", sessionID).Int64("records", n).Msg("session purged")
	return n, nil
}

// Backup writes a consistent copy of the log to path.
func (a *Log) Backup(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("backup audit log: %w", err)
	}
	return nil
}

func (a *Log) query(ctx context.Context, tail string, args ...any) ([]Record, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, session_id, step, timestamp, action, state_json, state_hash, parent_hash, canon
		FROM state_log `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			r     Record
			ts    string
			state string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Step, &ts, &r.Action, &state, &r.StateHash, &r.ParentHash, &r.Canon); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if r.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse audit time: %w", err)
		}
		r.StateJSON = []byte(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

func marshalSnapshot(snapshot any) ([]byte, error) {
	if snapshot == nil {
		return nil, errs.Validation("snapshot", "must not be nil")
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return normalJSON(raw)
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
