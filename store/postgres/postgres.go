// Package postgres implements afk.MemoryStore using PostgreSQL with
// pgvector for native vector similarity search.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/afk"
)

// Store implements afk.MemoryStore backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Default:
// pgvector's 40. Applied via SET during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ afk.MemoryStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS events (
			thread_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS event_seq (
			thread_id TEXT PRIMARY KEY,
			seq BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			embedding %s,
			updated_at BIGINT NOT NULL
		)`, vtype),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memories_embedding_idx ON memories USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),
		`CREATE INDEX IF NOT EXISTS memories_updated_idx ON memories(updated_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}

	return nil
}

// --- Events ---

// AppendEvent appends an event to its thread's log. The per-thread
// sequence counter advances through an upsert that locks the counter
// row until commit, so concurrent appenders serialize per thread.
func (s *Store) AppendEvent(ctx context.Context, ev afk.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO event_seq (thread_id, seq) VALUES ($1, 1)
		 ON CONFLICT (thread_id) DO UPDATE SET seq = event_seq.seq + 1
		 RETURNING seq`,
		ev.ThreadID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("postgres: bump event seq: %w", err)
	}
	ev.Seq = seq

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("postgres: marshal event: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO events (thread_id, seq, payload) VALUES ($1, $2, $3)`,
		ev.ThreadID, seq, string(payload)); err != nil {
		return fmt.Errorf("postgres: insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// RecentEvents returns the last limit events of a thread in append order.
// limit <= 0 returns the whole log.
func (s *Store) RecentEvents(ctx context.Context, threadID string, limit int) ([]afk.Event, error) {
	query := `SELECT seq, payload FROM events WHERE thread_id = $1 ORDER BY seq DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	events, err := s.scanEvents(ctx, query, args)
	if err != nil {
		return nil, err
	}

	// Reverse to append order (oldest first).
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// EventsSince returns the events of a thread with Seq > afterSeq in
// append order.
func (s *Store) EventsSince(ctx context.Context, threadID string, afterSeq int64) ([]afk.Event, error) {
	return s.scanEvents(ctx,
		`SELECT seq, payload FROM events WHERE thread_id = $1 AND seq > $2 ORDER BY seq ASC`,
		[]any{threadID, afterSeq})
}

// ReplaceThreadEvents atomically swaps a thread's event log. Sequence
// numbers of the kept events are preserved, and the thread's sequence
// counter never moves backwards.
func (s *Store) ReplaceThreadEvents(ctx context.Context, threadID string, events []afk.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM events WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("postgres: clear thread events: %w", err)
	}

	var maxSeq int64
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("postgres: marshal event: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO events (thread_id, seq, payload) VALUES ($1, $2, $3)`,
			threadID, ev.Seq, string(payload)); err != nil {
			return fmt.Errorf("postgres: insert event: %w", err)
		}
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO event_seq (thread_id, seq) VALUES ($1, $2)
		 ON CONFLICT (thread_id) DO UPDATE SET seq = GREATEST(event_seq.seq, EXCLUDED.seq)`,
		threadID, maxSeq); err != nil {
		return fmt.Errorf("postgres: bump event seq: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) scanEvents(ctx context.Context, query string, args []any) ([]afk.Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query events: %w", err)
	}
	defer rows.Close()

	var events []afk.Event
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		var ev afk.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal event: %w", err)
		}
		// The seq column is authoritative.
		ev.Seq = seq
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate events: %w", err)
	}
	return events, nil
}

// --- State ---

// GetState returns the value at key, or afk.ErrNotFound.
func (s *Store) GetState(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM state WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, afk.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get state: %w", err)
	}
	return value, nil
}

// PutState writes value at key, overwriting any previous value.
func (s *Store) PutState(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO state (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("postgres: put state: %w", err)
	}
	return nil
}

// ListState returns every key with the given prefix, sorted ascending.
func (s *Store) ListState(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM state WHERE key LIKE $1 ORDER BY key ASC`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("postgres: list state: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres: scan state key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteState removes key. Deleting a missing key is not an error.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM state WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("postgres: delete state: %w", err)
	}
	return nil
}

// --- Memories ---

// UpsertMemory inserts or replaces a long-term memory entry by ID.
func (s *Store) UpsertMemory(ctx context.Context, entry afk.MemoryEntry) error {
	if entry.UpdatedAt == 0 {
		entry.UpdatedAt = afk.NowUnixMilli()
	}
	if len(entry.Embedding) > 0 {
		embStr := serializeEmbedding(entry.Embedding)
		_, err := s.pool.Exec(ctx,
			`INSERT INTO memories (id, namespace, text, embedding, updated_at)
			 VALUES ($1, $2, $3, $4::vector, $5)
			 ON CONFLICT (id) DO UPDATE SET
			   namespace = EXCLUDED.namespace,
			   text = EXCLUDED.text,
			   embedding = EXCLUDED.embedding,
			   updated_at = EXCLUDED.updated_at`,
			entry.ID, entry.Namespace, entry.Text, embStr, entry.UpdatedAt)
		if err != nil {
			return fmt.Errorf("postgres: upsert memory: %w", err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, namespace, text, embedding, updated_at)
		 VALUES ($1, $2, $3, NULL, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   namespace = EXCLUDED.namespace,
		   text = EXCLUDED.text,
		   embedding = NULL,
		   updated_at = EXCLUDED.updated_at`,
		entry.ID, entry.Namespace, entry.Text, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert memory: %w", err)
	}
	return nil
}

// SearchMemoryText returns entries whose text contains query
// (case-insensitive), most recently updated first.
func (s *Store) SearchMemoryText(ctx context.Context, query string, topK int) ([]afk.MemoryEntry, error) {
	q := `SELECT id, namespace, text, updated_at FROM memories
	 WHERE text ILIKE $1
	 ORDER BY updated_at DESC, id ASC`
	args := []any{"%" + escapeLike(query) + "%"}
	if topK > 0 {
		q += ` LIMIT $2`
		args = append(args, topK)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search memory text: %w", err)
	}
	defer rows.Close()

	var entries []afk.MemoryEntry
	for rows.Next() {
		var entry afk.MemoryEntry
		if err := rows.Scan(&entry.ID, &entry.Namespace, &entry.Text, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SearchMemoryVector performs vector similarity search over memories
// using pgvector's cosine distance operator with HNSW index.
func (s *Store) SearchMemoryVector(ctx context.Context, embedding []float32, topK int) ([]afk.ScoredMemory, error) {
	embStr := serializeEmbedding(embedding)
	q := `SELECT id, namespace, text, updated_at,
	        1 - (embedding <=> $1::vector) AS score
	 FROM memories
	 WHERE embedding IS NOT NULL
	 ORDER BY embedding <=> $1::vector`
	args := []any{embStr}
	if topK > 0 {
		q += ` LIMIT $2`
		args = append(args, topK)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search memory vector: %w", err)
	}
	defer rows.Close()

	var results []afk.ScoredMemory
	for rows.Next() {
		var entry afk.MemoryEntry
		var score float64
		if err := rows.Scan(&entry.ID, &entry.Namespace, &entry.Text, &entry.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		results = append(results, afk.ScoredMemory{Entry: entry, Score: score})
	}
	return results, rows.Err()
}

// Capabilities reports atomic upserts and native pgvector search.
func (s *Store) Capabilities() afk.StoreCapabilities {
	return afk.StoreCapabilities{AtomicUpsert: true, VectorSearch: true}
}

// Close is a no-op. The caller owns the pool and is responsible for
// closing it.
func (s *Store) Close() error { return nil }

// escapeLike escapes LIKE metacharacters so user-supplied keys and
// queries match literally. Postgres uses backslash as the default
// escape character.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
