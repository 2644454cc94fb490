package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/mnemos/internal/errs"
)

const (
	schemaVersion = 1

	// Fixed-width UTC layout so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Store is the sqlite-backed long-term memory store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (or creates) the store at dbPath. ":memory:" is accepted for tests.
func OpenStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT 'default',
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			created_at TEXT NOT NULL,
			last_accessed TEXT NOT NULL DEFAULT '',
			access_count INTEGER NOT NULL DEFAULT 0,
			is_summary INTEGER NOT NULL DEFAULT 0,
			summarized_from TEXT NOT NULL DEFAULT '[]',
			token_estimate INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding BLOB,
			is_archived INTEGER NOT NULL DEFAULT 0,
			archived_into TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_owner_kind ON memories(owner_id, kind, is_archived, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_context ON memories(kind, context, importance)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_archived_into ON memories(archived_into)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const itemColumns = `id, owner_id, session_id, context, kind, content, importance, created_at,
	last_accessed, access_count, is_summary, summarized_from, token_estimate, metadata`

// Put inserts or replaces an item. vector may be nil when no embedding is available.
func (s *Store) Put(ctx context.Context, item Item, vector []float32) error {
	if math.IsNaN(item.Importance) {
		return errs.Validation("importance", "must be a number")
	}
	item.Normalize()
	if !item.Kind.Valid() {
		return errs.Validation("kind", "unknown memory kind %q", item.Kind)
	}
	if strings.TrimSpace(item.ID) == "" {
		return errs.Validation("id", "must not be empty")
	}

	blob, err := blobArg(vector)
	if err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	args, err := itemArgs(item)
	if err != nil {
		return fmt.Errorf("put memory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (`+itemColumns+`, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			session_id = excluded.session_id,
			context = excluded.context,
			kind = excluded.kind,
			content = excluded.content,
			importance = excluded.importance,
			created_at = excluded.created_at,
			last_accessed = MAX(memories.last_accessed, excluded.last_accessed),
			access_count = MAX(memories.access_count, excluded.access_count),
			is_summary = excluded.is_summary,
			summarized_from = excluded.summarized_from,
			token_estimate = excluded.token_estimate,
			metadata = excluded.metadata,
			embedding = COALESCE(excluded.embedding, memories.embedding)
	`, append(args, blob)...)
	if err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	return nil
}

// Get returns an active or archived item by id.
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM memories WHERE id = ?`, id)
	if err != nil {
		return Item{}, fmt.Errorf("get memory: %w", err)
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, errs.NotFound("memory", id)
	}
	return items[0], nil
}

// GetMany returns the active items among ids, keyed by id. Unknown or archived ids are skipped.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]Item, error) {
	out := make(map[string]Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM memories
		WHERE is_archived = 0 AND id IN (`+placeholders(len(ids))+`)
	`, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		out[it.ID] = it
	}
	return out, nil
}

// Delete removes an item permanently.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("memory", id)
	}
	return nil
}

// Touch bumps access counters on ids.
func (s *Store) Touch(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	args := append([]any{formatTime(at)}, stringArgs(ids)...)
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET last_accessed = ?, access_count = access_count + 1
		WHERE id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("touch memories: %w", err)
	}
	return nil
}

// ListQuery narrows ListRecent. Zero fields do not filter.
type ListQuery struct {
	OwnerID string
	Kind    Kind
	Since   time.Time
	Limit   int
}

// ListRecent returns active items newest first.
func (s *Store) ListRecent(ctx context.Context, q ListQuery) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM memories WHERE is_archived = 0`
	args := []any{}
	if q.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, q.OwnerID)
	}
	if q.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(q.Kind))
	}
	if !q.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(q.Since))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// TopByImportance returns the most important active item of kind for the context tag.
func (s *Store) TopByImportance(ctx context.Context, ownerID string, kind Kind, contextTag string) (Item, bool, error) {
	query := `SELECT ` + itemColumns + ` FROM memories
		WHERE is_archived = 0 AND kind = ? AND context = ?`
	args := []any{string(kind), contextTag}
	if ownerID != "" {
		// Rules seeded without an owner apply to everyone.
		query += ` AND (owner_id = ? OR owner_id = '')`
		args = append(args, ownerID)
	}
	query += ` ORDER BY importance DESC, created_at DESC, id ASC LIMIT 1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Item{}, false, fmt.Errorf("top memory: %w", err)
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return Item{}, false, err
	}
	if len(items) == 0 {
		return Item{}, false, nil
	}
	return items[0], true, nil
}

// ApplyConsolidation stores summary and archives sources under it in one transaction.
func (s *Store) ApplyConsolidation(ctx context.Context, summary Item, vector []float32, sourceIDs []string) error {
	summary.Normalize()
	args, err := itemArgs(summary)
	if err != nil {
		return fmt.Errorf("apply consolidation: %w", err)
	}
	blob, err := blobArg(vector)
	if err != nil {
		return fmt.Errorf("apply consolidation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin consolidation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories (`+itemColumns+`, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, append(args, blob)...); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	if len(sourceIDs) > 0 {
		archiveArgs := append([]any{summary.ID}, stringArgs(sourceIDs)...)
		res, err := tx.ExecContext(ctx, `
			UPDATE memories SET is_archived = 1, archived_into = ?
			WHERE is_archived = 0 AND id IN (`+placeholders(len(sourceIDs))+`)
		`, archiveArgs...)
		if err != nil {
			return fmt.Errorf("archive sources: %w", err)
		}
		// A source deleted or archived since selection must not end up inside the summary.
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("archive sources: %w", err)
		} else if int(n) != len(sourceIDs) {
			return errs.NotFound("memory", fmt.Sprintf("%d of %d summary sources", len(sourceIDs)-int(n), len(sourceIDs)))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consolidation: %w", err)
	}
	return nil
}

// Archived returns the original records a summary replaced.
func (s *Store) Archived(ctx context.Context, summaryID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM memories
		WHERE is_archived = 1 AND archived_into = ?
		ORDER BY created_at ASC
	`, summaryID)
	if err != nil {
		return nil, fmt.Errorf("list archived: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Expire archives episodic non-summary items created before olderThan whose importance
// is below the threshold. It returns the archived ids.
func (s *Store) Expire(ctx context.Context, olderThan time.Time, belowImportance float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM memories
		WHERE is_archived = 0 AND is_summary = 0 AND kind = ?
		  AND created_at < ? AND importance < ?
		ORDER BY created_at ASC
	`, string(Episodic), formatTime(olderThan), belowImportance)
	if err != nil {
		return nil, fmt.Errorf("query expired: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired: %w", err)
	}

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE memories SET is_archived = 1
			WHERE id IN (`+placeholders(len(ids))+`)
		`, stringArgs(ids)...); err != nil {
			return nil, fmt.Errorf("archive expired: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire: %w", err)
	}
	return ids, nil
}

// Each calls fn for every active item with its stored embedding (nil when missing).
func (s *Store) Each(ctx context.Context, fn func(Item, []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`, embedding FROM memories
		WHERE is_archived = 0
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("scan store: %w", err)
	}

	type row struct {
		item Item
		vec  []float32
	}
	var all []row
	for rows.Next() {
		var blob []byte
		it, err := scanItem(rows, &blob)
		if err != nil {
			rows.Close()
			return err
		}
		var vec []float32
		if len(blob) > 0 {
			// A corrupt blob is treated as missing so the caller re-embeds.
			vec, _ = DecodeVector(blob)
		}
		all = append(all, row{item: it, vec: vec})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate store: %w", err)
	}

	for _, r := range all {
		if err := fn(r.item, r.vec); err != nil {
			return err
		}
	}
	return nil
}

// SetEmbedding replaces the stored embedding blob of id.
func (s *Store) SetEmbedding(ctx context.Context, id string, vector []float32) error {
	blob, err := EncodeVector(vector)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `UPDATE memories SET embedding = ? WHERE id = ?`, blob, id); err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return nil
}

// Stats summarizes the store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, is_archived, is_summary, COUNT(1), COALESCE(SUM(token_estimate), 0)
		FROM memories
		GROUP BY kind, is_archived, is_summary
	`)
	if err != nil {
		return st, fmt.Errorf("memory stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind              string
			archived, summary int
			count, tokens     int
		)
		if err := rows.Scan(&kind, &archived, &summary, &count, &tokens); err != nil {
			return st, fmt.Errorf("scan stats: %w", err)
		}
		if archived == 1 {
			st.Archived += count
			continue
		}
		st.Total += count
		st.Tokens += tokens
		if summary == 1 {
			st.Summaries += count
		}
		switch Kind(kind) {
		case Semantic:
			st.Semantic += count
		case Episodic:
			st.Episodic += count
		case Procedural:
			st.Procedural += count
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate stats: %w", err)
	}
	return st, nil
}

// Backup writes a consistent copy of the database to path.
func (s *Store) Backup(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("backup memory db: %w", err)
	}
	return nil
}

func itemArgs(it Item) ([]any, error) {
	from := it.SummarizedFrom
	if from == nil {
		from = []string{}
	}
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, fmt.Errorf("marshal summarized_from: %w", err)
	}
	meta := it.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	lastAccessed := ""
	if it.LastAccessedAt != nil {
		lastAccessed = formatTime(*it.LastAccessedAt)
	}
	return []any{
		it.ID,
		it.OwnerID,
		it.SessionID,
		it.Context,
		string(it.Kind),
		it.Content,
		it.Importance,
		formatTime(it.CreatedAt),
		lastAccessed,
		it.AccessCount,
		boolToInt(it.IsSummary),
		string(fromJSON),
		it.TokenEstimate,
		string(metaJSON),
	}, nil
}

// blobArg encodes vector for binding; an empty vector binds as NULL.
func blobArg(vector []float32) (any, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	return EncodeVector(vector)
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	result := make([]Item, 0)
	for rows.Next() {
		it, err := scanItem(rows, nil)
		if err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return result, nil
}

func scanItem(rows *sql.Rows, blob *[]byte) (Item, error) {
	var (
		it                    Item
		kind                  string
		createdAt, lastAccess string
		summary               int
		fromJSON, metaJSON    string
	)
	dest := []any{
		&it.ID,
		&it.OwnerID,
		&it.SessionID,
		&it.Context,
		&kind,
		&it.Content,
		&it.Importance,
		&createdAt,
		&lastAccess,
		&it.AccessCount,
		&summary,
		&fromJSON,
		&it.TokenEstimate,
		&metaJSON,
	}
	if blob != nil {
		dest = append(dest, blob)
	}
	if err := rows.Scan(dest...); err != nil {
		return Item{}, fmt.Errorf("scan memory: %w", err)
	}

	it.Kind = Kind(kind)
	it.IsSummary = summary == 1
	var err error
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return Item{}, fmt.Errorf("scan memory %s: created_at: %w", it.ID, err)
	}
	if lastAccess != "" {
		t, err := parseTime(lastAccess)
		if err != nil {
			return Item{}, fmt.Errorf("scan memory %s: last_accessed: %w", it.ID, err)
		}
		it.LastAccessedAt = &t
	}
	if err := json.Unmarshal([]byte(fromJSON), &it.SummarizedFrom); err != nil {
		return Item{}, fmt.Errorf("scan memory %s: summarized_from: %w", it.ID, err)
	}
	if len(it.SummarizedFrom) == 0 {
		it.SummarizedFrom = nil
	}
	if err := json.Unmarshal([]byte(metaJSON), &it.Metadata); err != nil {
		return Item{}, fmt.Errorf("scan memory %s: metadata: %w", it.ID, err)
	}
	if len(it.Metadata) == 0 {
		it.Metadata = nil
	}
	return it, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
