// Package store is the durable side of the context engine: a sqlite-backed
// semantic store for span summaries (FTS5 plus optional embedding vectors)
// and the keyed persistence of session records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/recall/internal/session"
)

const (
	maxMatchTokens = 8

	// heatDecayRate is the per-day exponential decay applied to a
	// summary's recency component.
	heatDecayRate = 0.023

	// heatAccessBoost and heatAccessBoostCap reward summaries that keep
	// being pulled back into context.
	heatAccessBoost    = 0.05
	heatAccessBoostCap = 0.3
)

var wordRegex = regexp.MustCompile(`[\p{L}\p{N}][\p{L}\p{N}_\-]{1,}`)

// Metadata travels with every stored summary and comes back on search hits.
type Metadata struct {
	SessionID      string
	StartIndex     int
	EndIndex       int
	OriginalTokens int
	SummaryTokens  int
	Importance     float64
	CreatedAt      time.Time
}

// Hit is one search result. Distance is bounded to roughly [0, 2]
// regardless of whether the vector or the full-text path produced it.
type Hit struct {
	ID       int64
	Content  string
	Distance float64
	Heat     float64
	Meta     Metadata
}

// Filters narrows a search.
type Filters struct {
	SessionID string
}

// SessionInfo is a listing row for persisted sessions.
type SessionInfo struct {
	ID        string
	Agent     string
	Messages  int
	StartedAt time.Time
	SavedAt   time.Time
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	SummariesActive   int
	SummariesArchived int
	Sessions          int
}

type Store struct {
	db *sql.DB
	mu sync.Mutex

	embedder       Embedder
	embeddingModel string
}

// Open creates or opens the database at path, applying pragmas and the
// idempotent schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
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

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			start_index INTEGER NOT NULL DEFAULT 0,
			end_index INTEGER NOT NULL DEFAULT 0,
			original_tokens INTEGER NOT NULL DEFAULT 0,
			summary_tokens INTEGER NOT NULL DEFAULT 0,
			importance REAL NOT NULL DEFAULT 0.5,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed TEXT NOT NULL DEFAULT (datetime('now')),
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			is_archived INTEGER NOT NULL DEFAULT 0,
			embedding BLOB,
			embedding_model TEXT NOT NULL DEFAULT '',
			embedding_dim INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_scope ON summaries(domain, session_id, is_archived)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_created ON summaries(created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS summaries_fts USING fts5(
			content,
			content='summaries',
			content_rowid='id',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS summaries_ai AFTER INSERT ON summaries BEGIN
			INSERT INTO summaries_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS summaries_ad AFTER DELETE ON summaries BEGIN
			INSERT INTO summaries_fts(summaries_fts, rowid, content) VALUES('delete', old.id, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS summaries_au AFTER UPDATE ON summaries BEGIN
			INSERT INTO summaries_fts(summaries_fts, rowid, content) VALUES('delete', old.id, old.content);
			INSERT INTO summaries_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			turns TEXT NOT NULL DEFAULT '[]',
			evicted_turns INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			saved_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_saved ON sessions(saved_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
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

// SetEmbedder enables the vector search path. model labels stored vectors
// so a model change can be detected later.
func (s *Store) SetEmbedder(e Embedder, model string) {
	s.mu.Lock()
	s.embedder = e
	s.embeddingModel = strings.TrimSpace(model)
	s.mu.Unlock()
}

func (s *Store) embedderSnapshot() (Embedder, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.embedder, s.embeddingModel
}

// Put stores one summary under a domain. The embedding is best-effort: a
// failed embed logs a warning and the row is written without a vector, so
// it remains reachable through full-text search.
func (s *Store) Put(ctx context.Context, domain, content string, meta Metadata) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("put summary: empty content")
	}

	var (
		blob  []byte
		model string
		dim   int
	)
	if embedder, embeddingModel := s.embedderSnapshot(); embedder != nil {
		vec, err := embedder.Embed(ctx, content)
		if err != nil {
			log.Printf("[store] embed summary warning: %v", err)
		} else if encoded, err := EncodeVector(vec); err != nil {
			log.Printf("[store] encode summary vector warning: %v", err)
		} else {
			blob = encoded
			model = embeddingModel
			dim = len(vec)
		}
	}

	createdAt := meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	importance := meta.Importance
	if importance <= 0 {
		importance = 0.5
	}
	if importance > 1 {
		importance = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO summaries (domain, session_id, content, start_index, end_index,
			original_tokens, summary_tokens, importance, created_at,
			embedding, embedding_model, embedding_dim)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, domain, meta.SessionID, content, meta.StartIndex, meta.EndIndex,
		meta.OriginalTokens, meta.SummaryTokens, importance,
		createdAt.UTC().Format(time.RFC3339), blob, model, dim)
	if err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}

// Search returns up to limit hits for the query within a domain, ordered
// by ascending distance. The vector path is used when an embedder is
// configured and the query embeds cleanly; otherwise bm25 scores are
// normalized onto the same [0, 2] distance scale.
func (s *Store) Search(ctx context.Context, domain, query string, limit int, f Filters) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	if embedder, _ := s.embedderSnapshot(); embedder != nil {
		hits, err := s.searchVector(ctx, embedder, domain, query, limit, f)
		if err == nil {
			return hits, nil
		}
		log.Printf("[store] vector search warning, falling back to fts: %v", err)
	}
	return s.searchFTS(domain, query, limit, f)
}

func (s *Store) searchVector(ctx context.Context, embedder Embedder, domain, query string, limit int, f Filters) ([]Hit, error) {
	queryVec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	q := `
		SELECT id, content, session_id, start_index, end_index,
		       original_tokens, summary_tokens, importance,
		       access_count, last_accessed, created_at, embedding
		FROM summaries
		WHERE domain = ? AND is_archived = 0 AND embedding IS NOT NULL AND embedding_dim > 0
	`
	args := []any{domain}
	if f.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query vector rows: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	hits := make([]Hit, 0)
	for rows.Next() {
		var (
			hit          Hit
			accessCount  int
			lastAccessed string
			createdAt    string
			blob         []byte
		)
		if err := rows.Scan(&hit.ID, &hit.Content, &hit.Meta.SessionID,
			&hit.Meta.StartIndex, &hit.Meta.EndIndex,
			&hit.Meta.OriginalTokens, &hit.Meta.SummaryTokens, &hit.Meta.Importance,
			&accessCount, &lastAccessed, &createdAt, &blob); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}

		vec, err := DecodeVector(blob)
		if err != nil {
			continue
		}
		score, err := CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}

		hit.Distance = 1 - score
		hit.Heat = heat(accessCount, lastAccessed, now)
		hit.Meta.CreatedAt = parseStoredTime(createdAt)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance == hits[j].Distance {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Distance < hits[j].Distance
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Store) searchFTS(domain, query string, limit int, f Filters) ([]Hit, error) {
	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	q := `
		SELECT m.id, m.content, m.session_id, m.start_index, m.end_index,
		       m.original_tokens, m.summary_tokens, m.importance,
		       m.access_count, m.last_accessed, m.created_at,
		       bm25(summaries_fts) AS score
		FROM summaries m
		JOIN summaries_fts fts ON m.id = fts.rowid
		WHERE summaries_fts MATCH ?
		  AND m.domain = ?
		  AND m.is_archived = 0
	`
	args := []any{match, domain}
	if f.SessionID != "" {
		q += ` AND m.session_id = ?`
		args = append(args, f.SessionID)
	}
	q += ` ORDER BY bm25(summaries_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("search fts: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	hits := make([]Hit, 0)
	scores := make([]float64, 0)
	for rows.Next() {
		var (
			hit          Hit
			accessCount  int
			lastAccessed string
			createdAt    string
			score        float64
		)
		if err := rows.Scan(&hit.ID, &hit.Content, &hit.Meta.SessionID,
			&hit.Meta.StartIndex, &hit.Meta.EndIndex,
			&hit.Meta.OriginalTokens, &hit.Meta.SummaryTokens, &hit.Meta.Importance,
			&accessCount, &lastAccessed, &createdAt, &score); err != nil {
			return nil, fmt.Errorf("scan fts row: %w", err)
		}
		hit.Heat = heat(accessCount, lastAccessed, now)
		hit.Meta.CreatedAt = parseStoredTime(createdAt)
		hits = append(hits, hit)
		scores = append(scores, score)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fts rows: %w", err)
	}

	for i, norm := range normalizeScores(scores) {
		hits[i].Distance = 2 * (1 - norm)
	}
	return hits, nil
}

// Touch bumps the heat inputs of a summary that was re-injected into a
// request.
func (s *Store) Touch(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE summaries
		SET access_count = access_count + 1, last_accessed = datetime('now')
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("touch summary: %w", err)
	}
	return nil
}

// ArchiveDecayed archives every active summary whose heat fell below
// minHeat and returns how many were archived.
func (s *Store) ArchiveDecayed(minHeat float64) (int, error) {
	rows, err := s.db.Query(`
		SELECT id, access_count, last_accessed FROM summaries WHERE is_archived = 0
	`)
	if err != nil {
		return 0, fmt.Errorf("query decay candidates: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	stale := make([]int64, 0)
	for rows.Next() {
		var (
			id           int64
			accessCount  int
			lastAccessed string
		)
		if err := rows.Scan(&id, &accessCount, &lastAccessed); err != nil {
			return 0, fmt.Errorf("scan decay candidate: %w", err)
		}
		if heat(accessCount, lastAccessed, now) < minHeat {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate decay candidates: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	archived := 0
	for _, id := range stale {
		if _, err := s.db.Exec(`UPDATE summaries SET is_archived = 1 WHERE id = ?`, id); err != nil {
			log.Printf("[store] archive decayed id=%d warning: %v", id, err)
			continue
		}
		archived++
	}
	return archived, nil
}

// CountSummaries reports active rows in a domain, used by tests and status.
func (s *Store) CountSummaries(domain string) (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(1) FROM summaries WHERE domain = ? AND is_archived = 0`, domain)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count summaries: %w", err)
	}
	return n, nil
}

// SaveSession upserts the keyed record for a session.
func (s *Store) SaveSession(rec session.Record) error {
	turns, err := json.Marshal(rec.Turns)
	if err != nil {
		return fmt.Errorf("marshal session turns: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, agent, started_at, turns, evicted_turns, input_tokens, output_tokens, cost, error_count, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			agent = excluded.agent,
			turns = excluded.turns,
			evicted_turns = excluded.evicted_turns,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cost = excluded.cost,
			error_count = excluded.error_count,
			saved_at = datetime('now')
	`, rec.ID, rec.Agent, rec.StartedAt.UTC().Format(time.RFC3339), string(turns),
		rec.EvictedTurns, rec.InputTokens, rec.OutputTokens, rec.Cost, rec.ErrorCount)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession restores a record by id.
func (s *Store) LoadSession(id string) (session.Record, error) {
	row := s.db.QueryRow(`
		SELECT id, agent, started_at, turns, evicted_turns, input_tokens, output_tokens, cost, error_count
		FROM sessions WHERE id = ?
	`, id)

	var (
		rec       session.Record
		startedAt string
		turnsJSON string
	)
	if err := row.Scan(&rec.ID, &rec.Agent, &startedAt, &turnsJSON, &rec.EvictedTurns,
		&rec.InputTokens, &rec.OutputTokens, &rec.Cost, &rec.ErrorCount); err != nil {
		return session.Record{}, fmt.Errorf("load session %s: %w", id, err)
	}

	rec.StartedAt = parseStoredTime(startedAt)
	if err := json.Unmarshal([]byte(turnsJSON), &rec.Turns); err != nil {
		return session.Record{}, fmt.Errorf("parse session turns: %w", err)
	}
	return rec, nil
}

// ListSessions returns persisted sessions by recency of their last save.
func (s *Store) ListSessions(limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, agent, started_at, saved_at, turns
		FROM sessions
		ORDER BY saved_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	infos := make([]SessionInfo, 0)
	for rows.Next() {
		var (
			info      SessionInfo
			startedAt string
			savedAt   string
			turnsJSON string
		)
		if err := rows.Scan(&info.ID, &info.Agent, &startedAt, &savedAt, &turnsJSON); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		info.StartedAt = parseStoredTime(startedAt)
		info.SavedAt = parseStoredTime(savedAt)

		var turns []session.Turn
		if err := json.Unmarshal([]byte(turnsJSON), &turns); err == nil {
			info.Messages = len(turns)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return infos, nil
}

// Snapshot returns row counts for status reporting.
func (s *Store) Snapshot() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM summaries WHERE is_archived = 0`).Scan(&st.SummariesActive); err != nil {
		return Stats{}, fmt.Errorf("count active summaries: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM summaries WHERE is_archived = 1`).Scan(&st.SummariesArchived); err != nil {
		return Stats{}, fmt.Errorf("count archived summaries: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM sessions`).Scan(&st.Sessions); err != nil {
		return Stats{}, fmt.Errorf("count sessions: %w", err)
	}
	return st, nil
}

// heat combines recency decay with an access-count boost, clamped to [0, 1].
func heat(accessCount int, lastAccessed string, now time.Time) float64 {
	days := daysSince(lastAccessed, now)
	h := math.Exp(-heatDecayRate * days)
	boost := heatAccessBoost * float64(accessCount)
	if boost > heatAccessBoostCap {
		boost = heatAccessBoostCap
	}
	h += boost
	if h > 1 {
		h = 1
	}
	if h < 0 {
		h = 0
	}
	return h
}

// Heat exposes the ranking weight for tests and the retriever's scoring.
func Heat(accessCount int, lastAccessed string, now time.Time) float64 {
	return heat(accessCount, lastAccessed, now)
}

func daysSince(stored string, now time.Time) float64 {
	t := parseStoredTime(stored)
	if t.IsZero() {
		return 365
	}
	d := now.Sub(t).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

func parseStoredTime(stored string) time.Time {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, stored); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// buildMatchQuery turns free text into a quoted OR query for fts5,
// capping the token count to keep the match cheap.
func buildMatchQuery(query string) string {
	tokens := wordRegex.FindAllString(strings.ToLower(query), -1)
	if len(tokens) == 0 {
		return ""
	}

	seen := make(map[string]struct{}, len(tokens))
	parts := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		parts = append(parts, `"`+strings.ReplaceAll(tok, `"`, ``)+`"`)
		if len(parts) >= maxMatchTokens {
			break
		}
	}
	return strings.Join(parts, " OR ")
}

// normalizeScores maps bm25 output (lower is better) onto [0, 1] with 1 as
// the best match. All-equal inputs normalize to 1.
func normalizeScores(raw []float64) []float64 {
	if len(raw) == 0 {
		return nil
	}

	min, max := raw[0], raw[0]
	for _, v := range raw[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	out := make([]float64, len(raw))
	if max == min {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, v := range raw {
		norm := 1 - ((v - min) / (max - min))
		if norm < 0 {
			norm = 0
		}
		if norm > 1 {
			norm = 1
		}
		out[i] = norm
	}
	return out
}
