package afk

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by store lookups when the key or record does not
// exist.
var ErrNotFound = errors.New("afk: not found")

// StoreCapabilities advertises optional MemoryStore features. The runtime
// consults these before relying on a behavior.
type StoreCapabilities struct {
	// AtomicUpsert reports whether UpsertMemory is atomic under concurrent
	// writers for the same id.
	AtomicUpsert bool
	// VectorSearch reports whether SearchMemoryVector is implemented.
	VectorSearch bool
}

// MemoryEntry is a long-term memory record.
type MemoryEntry struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace,omitempty"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	UpdatedAt int64     `json:"updated_at"` // unix millis
}

// ScoredMemory pairs a memory entry with its similarity score.
// Score is cosine similarity in [-1, 1], higher is closer.
type ScoredMemory struct {
	Entry MemoryEntry `json:"entry"`
	Score float64     `json:"score"`
}

// MemoryStore is the persistence surface shared by the checkpoint journal,
// the event emitter, and long-term memory. Backends: in-process maps,
// SQLite, Postgres, Redis. All methods are safe for concurrent use.
type MemoryStore interface {
	// AppendEvent appends ev to its thread's event log and assigns a
	// per-thread monotonic sequence number.
	AppendEvent(ctx context.Context, ev Event) error
	// RecentEvents returns the last limit events of a thread in append
	// order. limit <= 0 returns the whole log.
	RecentEvents(ctx context.Context, threadID string, limit int) ([]Event, error)
	// EventsSince returns the events of a thread with Seq > afterSeq,
	// in append order.
	EventsSince(ctx context.Context, threadID string, afterSeq int64) ([]Event, error)
	// ReplaceThreadEvents atomically swaps a thread's event log. Used by
	// compaction; sequence numbers of the kept events are preserved.
	ReplaceThreadEvents(ctx context.Context, threadID string, events []Event) error

	// GetState returns the value at key, or ErrNotFound.
	GetState(ctx context.Context, key string) ([]byte, error)
	// PutState writes value at key, overwriting any previous value.
	PutState(ctx context.Context, key string, value []byte) error
	// ListState returns every key with the given prefix, sorted ascending.
	ListState(ctx context.Context, prefix string) ([]string, error)
	// DeleteState removes key. Deleting a missing key is not an error.
	DeleteState(ctx context.Context, key string) error

	// UpsertMemory inserts or replaces a long-term memory entry by ID.
	UpsertMemory(ctx context.Context, entry MemoryEntry) error
	// SearchMemoryText returns entries whose text matches query,
	// most recently updated first.
	SearchMemoryText(ctx context.Context, query string, topK int) ([]MemoryEntry, error)
	// SearchMemoryVector returns the topK entries nearest to embedding,
	// sorted by Score descending. Backends without the VectorSearch
	// capability return an error.
	SearchMemoryVector(ctx context.Context, embedding []float32, topK int) ([]ScoredMemory, error)

	Capabilities() StoreCapabilities
	Init(ctx context.Context) error
	Close() error
}

// Retention is the compaction policy applied by Compact.
type Retention struct {
	// MaxEventsPerThread caps a thread's event log. 0 disables event
	// compaction.
	MaxEventsPerThread int `json:"max_events_per_thread" yaml:"max_events_per_thread"`
	// KeepEventTypes are always retained regardless of the cap.
	KeepEventTypes []EventType `json:"keep_event_types,omitempty" yaml:"keep_event_types,omitempty"`
	// ScanLimit bounds how many trailing events one Compact call examines.
	// 0 means scan the whole log.
	ScanLimit int `json:"scan_limit" yaml:"scan_limit"`
	// KeepRunCheckpoints keeps the checkpoint frames of the most recent N
	// runs and deletes the rest. 0 disables checkpoint compaction.
	KeepRunCheckpoints int `json:"keep_run_checkpoints" yaml:"keep_run_checkpoints"`
	// KeepRuntimeFrames keeps the latest K runtime_state frames per
	// surviving run. 0 keeps all of them.
	KeepRuntimeFrames int `json:"keep_runtime_frames" yaml:"keep_runtime_frames"`
}

// CompactionStats reports what one Compact call removed.
type CompactionStats struct {
	EventsDropped int
	KeysDeleted   int
}

// Compact applies a retention policy to a thread's event log and to the
// checkpoint key space. Pass an empty threadID to compact state keys only.
func Compact(ctx context.Context, s MemoryStore, threadID string, policy Retention) (CompactionStats, error) {
	var stats CompactionStats
	if threadID != "" && policy.MaxEventsPerThread > 0 {
		dropped, err := compactEvents(ctx, s, threadID, policy)
		if err != nil {
			return stats, err
		}
		stats.EventsDropped = dropped
	}
	if policy.KeepRunCheckpoints > 0 || policy.KeepRuntimeFrames > 0 {
		deleted, err := compactCheckpoints(ctx, s, policy)
		if err != nil {
			return stats, err
		}
		stats.KeysDeleted = deleted
	}
	return stats, nil
}

func compactEvents(ctx context.Context, s MemoryStore, threadID string, policy Retention) (int, error) {
	events, err := s.RecentEvents(ctx, threadID, policy.ScanLimit)
	if err != nil {
		return 0, err
	}
	if len(events) <= policy.MaxEventsPerThread {
		return 0, nil
	}
	keepType := make(map[EventType]bool, len(policy.KeepEventTypes))
	for _, t := range policy.KeepEventTypes {
		keepType[t] = true
	}
	// Walk from the newest event backwards. Pinned types survive
	// unconditionally; everything else counts against the cap.
	kept := make([]Event, 0, policy.MaxEventsPerThread)
	budget := policy.MaxEventsPerThread
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if keepType[ev.Type] {
			kept = append(kept, ev)
			continue
		}
		if budget > 0 {
			kept = append(kept, ev)
			budget--
		}
	}
	if len(kept) == len(events) {
		return 0, nil
	}
	// Restore append order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	if err := s.ReplaceThreadEvents(ctx, threadID, kept); err != nil {
		return 0, err
	}
	return len(events) - len(kept), nil
}

func compactCheckpoints(ctx context.Context, s MemoryStore, policy Retention) (int, error) {
	keys, err := s.ListState(ctx, checkpointKeyPrefix)
	if err != nil {
		return 0, err
	}
	byRun := make(map[string][]string)
	var runs []string
	for _, key := range keys {
		runID, _, _, ok := parseCheckpointKey(key)
		if !ok {
			continue
		}
		if _, seen := byRun[runID]; !seen {
			runs = append(runs, runID)
		}
		byRun[runID] = append(byRun[runID], key)
	}
	// Run ids are UUIDv7 so lexicographic order tracks creation time:
	// the tail of the sorted list is the most recent runs.
	sort.Strings(runs)
	deleted := 0
	cutoff := 0
	if policy.KeepRunCheckpoints > 0 && len(runs) > policy.KeepRunCheckpoints {
		cutoff = len(runs) - policy.KeepRunCheckpoints
	}
	for i, runID := range runs {
		if i < cutoff {
			for _, key := range byRun[runID] {
				if err := s.DeleteState(ctx, key); err != nil {
					return deleted, err
				}
				deleted++
			}
			continue
		}
		if policy.KeepRuntimeFrames > 0 {
			n, err := trimRuntimeFrames(ctx, s, byRun[runID], policy.KeepRuntimeFrames)
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
	}
	return deleted, nil
}

func trimRuntimeFrames(ctx context.Context, s MemoryStore, keys []string, keep int) (int, error) {
	type frame struct {
		key  string
		step int
	}
	var frames []frame
	for _, key := range keys {
		_, step, phase, ok := parseCheckpointKey(key)
		if ok && phase == PhaseRuntimeState {
			frames = append(frames, frame{key: key, step: step})
		}
	}
	if len(frames) <= keep {
		return 0, nil
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].step < frames[j].step })
	deleted := 0
	for _, f := range frames[:len(frames)-keep] {
		if err := s.DeleteState(ctx, f.key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// InMemoryStore is a MemoryStore backed by process-local maps. Suited to
// tests and single-process deployments; contents are lost on restart.
type InMemoryStore struct {
	mu       sync.Mutex
	state    map[string][]byte
	events   map[string][]Event
	seq      map[string]int64
	memories map[string]MemoryEntry
}

var _ MemoryStore = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty in-process store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		state:    make(map[string][]byte),
		events:   make(map[string][]Event),
		seq:      make(map[string]int64),
		memories: make(map[string]MemoryEntry),
	}
}

func (m *InMemoryStore) AppendEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[ev.ThreadID]++
	ev.Seq = m.seq[ev.ThreadID]
	m.events[ev.ThreadID] = append(m.events[ev.ThreadID], ev)
	return nil
}

func (m *InMemoryStore) RecentEvents(_ context.Context, threadID string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.events[threadID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]Event, len(log))
	copy(out, log)
	return out, nil
}

func (m *InMemoryStore) EventsSince(_ context.Context, threadID string, afterSeq int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events[threadID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *InMemoryStore) ReplaceThreadEvents(_ context.Context, threadID string, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := make([]Event, len(events))
	copy(log, events)
	m.events[threadID] = log
	// Keep the sequence counter ahead of every retained event.
	for _, ev := range log {
		if ev.Seq > m.seq[threadID] {
			m.seq[threadID] = ev.Seq
		}
	}
	return nil
}

func (m *InMemoryStore) GetState(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *InMemoryStore) PutState(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.state[key] = v
	return nil
}

func (m *InMemoryStore) ListState(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.state {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *InMemoryStore) DeleteState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, key)
	return nil
}

func (m *InMemoryStore) UpsertMemory(_ context.Context, entry MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.UpdatedAt == 0 {
		entry.UpdatedAt = NowUnixMilli()
	}
	m.memories[entry.ID] = entry
	return nil
}

func (m *InMemoryStore) SearchMemoryText(_ context.Context, query string, topK int) ([]MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(query)
	var out []MemoryEntry
	for _, entry := range m.memories {
		if strings.Contains(strings.ToLower(entry.Text), q) {
			out = append(out, entry)
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
	return out, nil
}

func (m *InMemoryStore) SearchMemoryVector(_ context.Context, embedding []float32, topK int) ([]ScoredMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScoredMemory
	for _, entry := range m.memories {
		if len(entry.Embedding) == 0 {
			continue
		}
		out = append(out, ScoredMemory{Entry: entry, Score: cosineSimilarity(embedding, entry.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entry.ID < out[j].Entry.ID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *InMemoryStore) Capabilities() StoreCapabilities {
	return StoreCapabilities{AtomicUpsert: true, VectorSearch: true}
}

func (m *InMemoryStore) Init(context.Context) error { return nil }

func (m *InMemoryStore) Close() error { return nil }

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is empty, zero-length, or the dimensions differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
