// Package scheduling turns recurring schedules into queued contract tasks.
// One ticker goroutine drives every entry; maintenance work (memory
// compaction, dead-letter redrive) ships as ready-made entries paired with
// job handlers for the dispatch contract.
package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	afk "github.com/nevindra/afk"
)

// Job types served by the maintenance handlers.
const (
	JobCompact = "memory.compact"
	JobRedrive = "queue.redrive"
)

const defaultTick = 15 * time.Second

// Entry describes one recurring enqueue.
type Entry struct {
	// Name identifies the entry in logs and task metadata.
	Name string
	// Schedule decides when the entry fires.
	Schedule afk.Schedule
	// Contract is the execution contract the task targets.
	Contract string
	// Payload is marshalled into the task payload.
	Payload any
	// Opts customize the task (agent name, retry budget, metadata).
	Opts []afk.EnqueueOption
}

type entry struct {
	Entry
	next     time.Time
	disabled bool
}

// Scheduler enqueues tasks when entries come due.
type Scheduler struct {
	queue  afk.TaskQueue
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries []*entry
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTick sets how often due entries are checked.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// New creates a Scheduler over queue.
func New(queue afk.TaskQueue, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:  queue,
		logger: nopLogger,
		tick:   defaultTick,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers an entry and computes its first fire time.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" {
		return &afk.ConfigError{Field: "schedule_entry", Reason: "name required"}
	}
	if e.Contract == "" {
		return &afk.ConfigError{Field: "schedule_entry", Reason: fmt.Sprintf("entry %q needs a contract", e.Name)}
	}
	if err := e.Schedule.Validate(); err != nil {
		return err
	}
	next, ok := e.Schedule.Next(s.now())
	if !ok {
		return &afk.ConfigError{Field: "schedule_entry", Reason: fmt.Sprintf("entry %q schedule never fires", e.Name)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.Name == e.Name {
			return &afk.ConfigError{Field: "schedule_entry", Reason: fmt.Sprintf("duplicate entry %q", e.Name)}
		}
	}
	s.entries = append(s.entries, &entry{Entry: e, next: next})
	return nil
}

// Run starts the scheduling loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	count := len(s.entries)
	s.mu.Unlock()
	s.logger.Info("scheduler started", "entries", count, "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue enqueues every due entry, then advances or disables it. Enqueues
// happen outside the entry lock. A failed enqueue does not advance the
// entry, so the next tick retries it (one-shot entries stay armed).
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.disabled || e.next.After(now) {
			continue
		}
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		opts := append([]afk.EnqueueOption{afk.WithTaskMetadata("schedule_entry", e.Name)}, e.Opts...)
		id, err := s.queue.EnqueueContract(ctx, e.Contract, e.Payload, opts...)
		if err != nil {
			s.logger.Error("scheduled enqueue failed", "entry", e.Name, "error", err)
			continue
		}
		s.logger.Info("scheduled task enqueued", "entry", e.Name, "task_id", id, "contract", e.Contract)
		s.advance(e, now)
	}
}

func (s *Scheduler) advance(e *entry, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Schedule.Once() {
		e.disabled = true
		return
	}
	next, ok := e.Schedule.Next(now)
	if !ok {
		e.disabled = true
		s.logger.Warn("entry disabled, schedule stopped producing fire times", "entry", e.Name)
		return
	}
	e.next = next
}

// CompactionEntry builds an entry that enqueues a memory.compact job for
// threadID every interval. Pair it with CompactionHandler on the worker.
func CompactionEntry(threadID string, policy afk.Retention, every time.Duration) Entry {
	return Entry{
		Name:     JobCompact + ":" + threadID,
		Schedule: afk.Schedule{Every: every},
		Contract: afk.ContractJobDispatch,
		Payload: map[string]any{
			"job_type": JobCompact,
			"arguments": map[string]any{
				"thread_id": threadID,
				"policy":    policy,
			},
		},
	}
}

// RedriveEntry builds an entry that re-enqueues dead-lettered tasks every
// interval. Empty reason matches all dead letters; limit 0 means no cap.
// Pair it with RedriveHandler on the worker.
func RedriveEntry(reason string, limit int, every time.Duration) Entry {
	name := JobRedrive
	if reason != "" {
		name += ":" + reason
	}
	return Entry{
		Name:     name,
		Schedule: afk.Schedule{Every: every},
		Contract: afk.ContractJobDispatch,
		Payload: map[string]any{
			"job_type": JobRedrive,
			"arguments": map[string]any{
				"reason": reason,
				"limit":  limit,
			},
		},
	}
}

// CompactionHandler returns the job handler for memory.compact jobs.
func CompactionHandler(store afk.MemoryStore) afk.JobHandler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("compact arguments: %w", err)
		}
		var p struct {
			ThreadID string        `json:"thread_id"`
			Policy   afk.Retention `json:"policy"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("compact arguments: %w", err)
		}
		stats, err := afk.Compact(ctx, store, p.ThreadID, p.Policy)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"events_dropped": stats.EventsDropped,
			"keys_deleted":   stats.KeysDeleted,
		}, nil
	}
}

// RedriveHandler returns the job handler for queue.redrive jobs.
func RedriveHandler(queue afk.TaskQueue) afk.JobHandler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		reason, _ := args["reason"].(string)
		limit := 0
		if f, ok := args["limit"].(float64); ok {
			limit = int(f)
		}
		n, err := queue.RedriveDeadLetters(ctx, reason, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"redriven": n}, nil
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
