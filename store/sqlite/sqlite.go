// Package sqlite implements afk.MemoryStore using pure-Go SQLite
// with in-process brute-force vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/afk"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements afk.MemoryStore backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done
// in-process using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ afk.MemoryStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS events (
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS event_seq (
			thread_id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			embedding TEXT,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_thread ON events(thread_id, seq)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// AppendEvent appends an event to its thread's log and assigns the next
// per-thread sequence number inside a single transaction.
func (s *Store) AppendEvent(ctx context.Context, ev afk.Event) error {
	start := time.Now()
	s.logger.Debug("sqlite: append event", "thread_id", ev.ThreadID, "type", ev.Type)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM event_seq WHERE thread_id = ?`, ev.ThreadID).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read event seq: %w", err)
	}
	seq++
	ev.Seq = seq

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO event_seq (thread_id, seq) VALUES (?, ?)`,
		ev.ThreadID, seq,
	); err != nil {
		return fmt.Errorf("bump event seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (thread_id, seq, payload) VALUES (?, ?, ?)`,
		ev.ThreadID, seq, string(payload),
	); err != nil {
		s.logger.Error("sqlite: append event failed", "thread_id", ev.ThreadID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: append event ok", "thread_id", ev.ThreadID, "seq", seq, "duration", time.Since(start))
	return nil
}

// RecentEvents returns the last limit events of a thread in append order.
// limit <= 0 returns the whole log.
func (s *Store) RecentEvents(ctx context.Context, threadID string, limit int) ([]afk.Event, error) {
	start := time.Now()
	s.logger.Debug("sqlite: recent events", "thread_id", threadID, "limit", limit)

	query := `SELECT seq, payload FROM events WHERE thread_id = ? ORDER BY seq DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	events, err := s.scanEvents(ctx, query, args)
	if err != nil {
		s.logger.Error("sqlite: recent events failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return nil, err
	}

	// Reverse to append order (oldest first).
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	s.logger.Debug("sqlite: recent events ok", "thread_id", threadID, "count", len(events), "duration", time.Since(start))
	return events, nil
}

// EventsSince returns the events of a thread with Seq > afterSeq in
// append order.
func (s *Store) EventsSince(ctx context.Context, threadID string, afterSeq int64) ([]afk.Event, error) {
	start := time.Now()
	s.logger.Debug("sqlite: events since", "thread_id", threadID, "after_seq", afterSeq)

	events, err := s.scanEvents(ctx,
		`SELECT seq, payload FROM events WHERE thread_id = ? AND seq > ? ORDER BY seq ASC`,
		[]any{threadID, afterSeq},
	)
	if err != nil {
		s.logger.Error("sqlite: events since failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return nil, err
	}
	s.logger.Debug("sqlite: events since ok", "thread_id", threadID, "count", len(events), "duration", time.Since(start))
	return events, nil
}

// ReplaceThreadEvents atomically swaps a thread's event log. Sequence
// numbers of the kept events are preserved, and the thread's sequence
// counter never moves backwards.
func (s *Store) ReplaceThreadEvents(ctx context.Context, threadID string, events []afk.Event) error {
	start := time.Now()
	s.logger.Debug("sqlite: replace thread events", "thread_id", threadID, "count", len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear thread events: %w", err)
	}

	var cur int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM event_seq WHERE thread_id = ?`, threadID).Scan(&cur)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read event seq: %w", err)
	}
	maxSeq := cur
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (thread_id, seq, payload) VALUES (?, ?, ?)`,
			threadID, ev.Seq, string(payload),
		); err != nil {
			s.logger.Error("sqlite: replace insert failed", "thread_id", threadID, "seq", ev.Seq, "error", err)
			return fmt.Errorf("insert event: %w", err)
		}
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO event_seq (thread_id, seq) VALUES (?, ?)`,
		threadID, maxSeq,
	); err != nil {
		return fmt.Errorf("bump event seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: replace thread events commit failed", "thread_id", threadID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: replace thread events ok", "thread_id", threadID, "count", len(events), "duration", time.Since(start))
	return nil
}

// GetState returns the value at key, or afk.ErrNotFound.
func (s *Store) GetState(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get state", "key", key)

	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: get state not found", "key", key, "duration", time.Since(start))
		return nil, afk.ErrNotFound
	}
	if err != nil {
		s.logger.Error("sqlite: get state failed", "key", key, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get state: %w", err)
	}
	s.logger.Debug("sqlite: get state ok", "key", key, "duration", time.Since(start))
	return value, nil
}

// PutState writes value at key, overwriting any previous value.
func (s *Store) PutState(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	s.logger.Debug("sqlite: put state", "key", key, "bytes", len(value))

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)`,
		key, value,
	)
	if err != nil {
		s.logger.Error("sqlite: put state failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("put state: %w", err)
	}
	s.logger.Debug("sqlite: put state ok", "key", key, "duration", time.Since(start))
	return nil
}

// ListState returns every key with the given prefix, sorted ascending.
func (s *Store) ListState(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list state", "prefix", prefix)

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM state WHERE key LIKE ? ESCAPE '\' ORDER BY key ASC`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		s.logger.Error("sqlite: list state failed", "prefix", prefix, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list state: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan state key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state keys: %w", err)
	}
	s.logger.Debug("sqlite: list state ok", "prefix", prefix, "count", len(keys), "duration", time.Since(start))
	return keys, nil
}

// DeleteState removes key. Deleting a missing key is not an error.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete state", "key", key)

	_, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key)
	if err != nil {
		s.logger.Error("sqlite: delete state failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete state: %w", err)
	}
	s.logger.Debug("sqlite: delete state ok", "key", key, "duration", time.Since(start))
	return nil
}

// UpsertMemory inserts or replaces a long-term memory entry by ID.
// The write is a single statement on a serialized connection, so it is
// atomic under concurrent writers.
func (s *Store) UpsertMemory(ctx context.Context, entry afk.MemoryEntry) error {
	start := time.Now()
	s.logger.Debug("sqlite: upsert memory", "id", entry.ID, "namespace", entry.Namespace, "embedding_dim", len(entry.Embedding))

	if entry.UpdatedAt == 0 {
		entry.UpdatedAt = afk.NowUnixMilli()
	}
	var embJSON *string
	if len(entry.Embedding) > 0 {
		v := serializeEmbedding(entry.Embedding)
		embJSON = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memories (id, namespace, text, embedding, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.Namespace, entry.Text, embJSON, entry.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: upsert memory failed", "id", entry.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("upsert memory: %w", err)
	}
	s.logger.Debug("sqlite: upsert memory ok", "id", entry.ID, "duration", time.Since(start))
	return nil
}

// SearchMemoryText returns entries whose text contains query
// (case-insensitive), most recently updated first.
func (s *Store) SearchMemoryText(ctx context.Context, query string, topK int) ([]afk.MemoryEntry, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search memory text", "top_k", topK)

	q := `SELECT id, namespace, text, embedding, updated_at FROM memories
	 WHERE text LIKE ? ESCAPE '\'
	 ORDER BY updated_at DESC, id ASC`
	args := []any{"%" + escapeLike(query) + "%"}
	if topK > 0 {
		q += ` LIMIT ?`
		args = append(args, topK)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.logger.Error("sqlite: search memory text failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("search memory text: %w", err)
	}
	defer rows.Close()

	var entries []afk.MemoryEntry
	for rows.Next() {
		entry, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	s.logger.Debug("sqlite: search memory text ok", "count", len(entries), "duration", time.Since(start))
	return entries, nil
}

// SearchMemoryVector performs brute-force cosine similarity search over
// all entries that carry an embedding.
func (s *Store) SearchMemoryVector(ctx context.Context, embedding []float32, topK int) ([]afk.ScoredMemory, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search memory vector", "top_k", topK, "embedding_dim", len(embedding))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, namespace, text, embedding, updated_at FROM memories WHERE embedding IS NOT NULL`,
	)
	if err != nil {
		s.logger.Error("sqlite: search memory vector failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("search memory vector: %w", err)
	}
	defer rows.Close()

	var results []afk.ScoredMemory
	scanned := 0

	for rows.Next() {
		entry, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		scanned++
		if len(entry.Embedding) == 0 {
			continue
		}
		results = append(results, afk.ScoredMemory{Entry: entry, Score: cosineSimilarity(embedding, entry.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.ID < results[j].Entry.ID
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: search memory vector ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// Capabilities reports atomic upserts and in-process vector search.
func (s *Store) Capabilities() afk.StoreCapabilities {
	return afk.StoreCapabilities{AtomicUpsert: true, VectorSearch: true}
}

// DB exposes the underlying handle so callers can share the serialized
// connection for their own queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func (s *Store) scanEvents(ctx context.Context, query string, args []any) ([]afk.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []afk.Event
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev afk.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		// The seq column is authoritative.
		ev.Seq = seq
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanMemory(rows *sql.Rows) (afk.MemoryEntry, error) {
	var entry afk.MemoryEntry
	var embJSON sql.NullString
	if err := rows.Scan(&entry.ID, &entry.Namespace, &entry.Text, &embJSON, &entry.UpdatedAt); err != nil {
		return entry, fmt.Errorf("scan memory: %w", err)
	}
	if embJSON.Valid {
		emb, err := deserializeEmbedding(embJSON.String)
		if err == nil {
			entry.Embedding = emb
		}
	}
	return entry, nil
}

// escapeLike escapes LIKE metacharacters so user-supplied keys and
// queries match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// --- Vector math ---

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
