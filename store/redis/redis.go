// Package redis implements afk's shared-deployment persistence on Redis:
// the memory store, the task queue with worker presence, and the A2A
// delivery store. Every key carries a common prefix so several
// installations can coexist on one server.
//
// Connections are injected, not opened here. The caller owns the
// *redis.Client and closes it after the stores built on it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nevindra/afk"
)

// DefaultPrefix is the key prefix used when WithPrefix is not given.
const DefaultPrefix = "afk"

// scanCount is the COUNT hint passed to SCAN when listing state keys.
const scanCount = 256

// Option configures the stores this package builds. Options that do not
// apply to a given constructor are ignored by it.
type Option func(*config)

type config struct {
	prefix      string
	logger      *slog.Logger
	tracer      afk.Tracer
	retry       afk.RetryPolicy
	maxRetries  int
	responseTTL time.Duration
}

func newConfig(opts []Option) config {
	c := config{
		prefix:     DefaultPrefix,
		logger:     nopLogger,
		retry:      afk.RetryPolicy{BackoffBase: 500 * time.Millisecond, BackoffMax: 30 * time.Second},
		maxRetries: 3,
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// WithPrefix overrides the key prefix shared by every key this package
// writes. Empty prefixes are ignored.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets the tracer used for queue spans.
func WithTracer(t afk.Tracer) Option {
	return func(c *config) { c.tracer = t }
}

// WithRetryPolicy sets the queue's default backoff for deferred retries.
func WithRetryPolicy(p afk.RetryPolicy) Option {
	return func(c *config) { c.retry = p }
}

// WithMaxRetries sets the queue's default retry budget for contract tasks.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithResponseTTL bounds how long cached A2A responses live. Zero keeps
// them until deleted.
func WithResponseTTL(d time.Duration) Option {
	return func(c *config) { c.responseTTL = d }
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Store implements afk.MemoryStore on Redis. Event logs live in one sorted
// set per thread scored by sequence number, state entries are plain keys,
// and long-term memories share a hash with vector search done in-process
// by brute-force cosine similarity.
type Store struct {
	client *goredis.Client
	prefix string
	logger *slog.Logger
}

var _ afk.MemoryStore = (*Store)(nil)

// New builds a Store on an existing client. The caller owns the client.
func New(client *goredis.Client, opts ...Option) *Store {
	cfg := newConfig(opts)
	return &Store{client: client, prefix: cfg.prefix, logger: cfg.logger}
}

// Client returns the underlying Redis client, for callers that build the
// queue and delivery store on the same connection.
func (s *Store) Client() *goredis.Client { return s.client }

func (s *Store) eventsKey(threadID string) string   { return s.prefix + ":events:" + threadID }
func (s *Store) eventSeqKey(threadID string) string { return s.prefix + ":eventseq:" + threadID }
func (s *Store) stateKey(key string) string         { return s.prefix + ":state:" + key }
func (s *Store) memoriesKey() string                { return s.prefix + ":memories" }

// Init verifies connectivity. Redis needs no schema.
func (s *Store) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: init: %w", err)
	}
	s.logger.Debug("redis: store ready", "prefix", s.prefix)
	return nil
}

// Close is a no-op. The caller owns the client and closes it once every
// store built on it is done.
func (s *Store) Close() error { return nil }

// AppendEvent assigns the next per-thread sequence number via INCR and adds
// the event to the thread's sorted set, scored by that sequence. A crash
// between the two commands leaves a gap in the sequence, which consumers
// tolerate: seqs are monotonic, not dense.
func (s *Store) AppendEvent(ctx context.Context, ev afk.Event) error {
	start := time.Now()
	seq, err := s.client.Incr(ctx, s.eventSeqKey(ev.ThreadID)).Result()
	if err != nil {
		s.logger.Error("redis: append event failed", "thread_id", ev.ThreadID, "error", err)
		return fmt.Errorf("redis: append event: %w", err)
	}
	ev.Seq = seq
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: append event: %w", err)
	}
	// Members embed their assigned seq, so two events never collide in the
	// sorted set even when the rest of the payload is identical.
	member := goredis.Z{Score: float64(seq), Member: payload}
	if err := s.client.ZAdd(ctx, s.eventsKey(ev.ThreadID), member).Err(); err != nil {
		s.logger.Error("redis: append event failed", "thread_id", ev.ThreadID, "error", err)
		return fmt.Errorf("redis: append event: %w", err)
	}
	s.logger.Debug("redis: append event ok", "thread_id", ev.ThreadID, "seq", seq, "duration", time.Since(start))
	return nil
}

func (s *Store) RecentEvents(ctx context.Context, threadID string, limit int) ([]afk.Event, error) {
	first := int64(0)
	if limit > 0 {
		// Negative ranks count from the tail; shorter logs clamp to the head.
		first = int64(-limit)
	}
	raws, err := s.client.ZRange(ctx, s.eventsKey(threadID), first, -1).Result()
	if err != nil {
		s.logger.Error("redis: recent events failed", "thread_id", threadID, "error", err)
		return nil, fmt.Errorf("redis: recent events: %w", err)
	}
	return decodeEvents(raws)
}

func (s *Store) EventsSince(ctx context.Context, threadID string, afterSeq int64) ([]afk.Event, error) {
	rng := &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterSeq, 10),
		Max: "+inf",
	}
	raws, err := s.client.ZRangeByScore(ctx, s.eventsKey(threadID), rng).Result()
	if err != nil {
		s.logger.Error("redis: events since failed", "thread_id", threadID, "error", err)
		return nil, fmt.Errorf("redis: events since: %w", err)
	}
	return decodeEvents(raws)
}

// replaceEventsScript atomically swaps a thread's event log and raises the
// sequence counter to the highest kept seq. The counter never moves down,
// so appends after a compaction cannot reuse a dropped sequence number.
var replaceEventsScript = goredis.NewScript(`
redis.call("DEL", KEYS[1])
local max = 0
for i = 1, #ARGV, 2 do
	local seq = tonumber(ARGV[i])
	redis.call("ZADD", KEYS[1], ARGV[i], ARGV[i+1])
	if seq > max then max = seq end
end
local cur = tonumber(redis.call("GET", KEYS[2]) or "0")
if max > cur then
	redis.call("SET", KEYS[2], max)
end
return max
`)

func (s *Store) ReplaceThreadEvents(ctx context.Context, threadID string, events []afk.Event) error {
	start := time.Now()
	argv := make([]interface{}, 0, len(events)*2)
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("redis: replace thread events: %w", err)
		}
		argv = append(argv, ev.Seq, payload)
	}
	keys := []string{s.eventsKey(threadID), s.eventSeqKey(threadID)}
	if err := replaceEventsScript.Run(ctx, s.client, keys, argv...).Err(); err != nil {
		s.logger.Error("redis: replace thread events failed", "thread_id", threadID, "error", err)
		return fmt.Errorf("redis: replace thread events: %w", err)
	}
	s.logger.Debug("redis: replace thread events ok", "thread_id", threadID, "count", len(events), "duration", time.Since(start))
	return nil
}

func (s *Store) GetState(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.stateKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, afk.ErrNotFound
	}
	if err != nil {
		s.logger.Error("redis: get state failed", "key", key, "error", err)
		return nil, fmt.Errorf("redis: get state: %w", err)
	}
	return val, nil
}

func (s *Store) PutState(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	if err := s.client.Set(ctx, s.stateKey(key), value, 0).Err(); err != nil {
		s.logger.Error("redis: put state failed", "key", key, "error", err)
		return fmt.Errorf("redis: put state: %w", err)
	}
	s.logger.Debug("redis: put state ok", "key", key, "bytes", len(value), "duration", time.Since(start))
	return nil
}

// globEscaper quotes the characters SCAN MATCH treats specially so state
// prefixes match literally.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (s *Store) ListState(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	match := globEscaper.Replace(s.stateKey(prefix)) + "*"
	trim := s.stateKey("")
	keys := make([]string, 0)
	iter := s.client.Scan(ctx, 0, match, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), trim))
	}
	if err := iter.Err(); err != nil {
		s.logger.Error("redis: list state failed", "prefix", prefix, "error", err)
		return nil, fmt.Errorf("redis: list state: %w", err)
	}
	sort.Strings(keys)
	s.logger.Debug("redis: list state ok", "prefix", prefix, "count", len(keys), "duration", time.Since(start))
	return keys, nil
}

func (s *Store) DeleteState(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.stateKey(key)).Err(); err != nil {
		s.logger.Error("redis: delete state failed", "key", key, "error", err)
		return fmt.Errorf("redis: delete state: %w", err)
	}
	return nil
}

func (s *Store) UpsertMemory(ctx context.Context, entry afk.MemoryEntry) error {
	start := time.Now()
	if entry.UpdatedAt == 0 {
		entry.UpdatedAt = afk.NowUnixMilli()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: upsert memory: %w", err)
	}
	if err := s.client.HSet(ctx, s.memoriesKey(), entry.ID, raw).Err(); err != nil {
		s.logger.Error("redis: upsert memory failed", "id", entry.ID, "error", err)
		return fmt.Errorf("redis: upsert memory: %w", err)
	}
	s.logger.Debug("redis: upsert memory ok", "id", entry.ID, "namespace", entry.Namespace, "duration", time.Since(start))
	return nil
}

func (s *Store) SearchMemoryText(ctx context.Context, query string, topK int) ([]afk.MemoryEntry, error) {
	start := time.Now()
	entries, err := s.loadMemories(ctx)
	if err != nil {
		s.logger.Error("redis: search memory text failed", "error", err)
		return nil, fmt.Errorf("redis: search memory text: %w", err)
	}
	needle := strings.ToLower(query)
	out := make([]afk.MemoryEntry, 0)
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Text), needle) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	s.logger.Debug("redis: search memory text ok", "count", len(out), "duration", time.Since(start))
	return out, nil
}

func (s *Store) SearchMemoryVector(ctx context.Context, embedding []float32, topK int) ([]afk.ScoredMemory, error) {
	start := time.Now()
	entries, err := s.loadMemories(ctx)
	if err != nil {
		s.logger.Error("redis: search memory vector failed", "error", err)
		return nil, fmt.Errorf("redis: search memory vector: %w", err)
	}
	scored := make([]afk.ScoredMemory, 0, len(entries))
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		scored = append(scored, afk.ScoredMemory{Entry: e, Score: cosineSimilarity(embedding, e.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.ID < scored[j].Entry.ID
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	s.logger.Debug("redis: search memory vector ok", "count", len(scored), "duration", time.Since(start))
	return scored, nil
}

// loadMemories fetches and decodes the whole memory hash. Search filters
// and ranks in-process, same as the SQLite backend.
func (s *Store) loadMemories(ctx context.Context) ([]afk.MemoryEntry, error) {
	fields, err := s.client.HGetAll(ctx, s.memoriesKey()).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]afk.MemoryEntry, 0, len(fields))
	for id, raw := range fields {
		var e afk.MemoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode memory %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Capabilities: HSET makes upserts atomic; vector search is brute force
// but present.
func (s *Store) Capabilities() afk.StoreCapabilities {
	return afk.StoreCapabilities{AtomicUpsert: true, VectorSearch: true}
}

func decodeEvents(raws []string) ([]afk.Event, error) {
	events := make([]afk.Event, 0, len(raws))
	for _, raw := range raws {
		var ev afk.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

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
