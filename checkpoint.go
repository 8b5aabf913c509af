package afk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// CheckpointPhase names the phase boundary a journal frame was written at.
type CheckpointPhase string

const (
	PhaseRunStarted    CheckpointPhase = "run_started"
	PhasePreLLM        CheckpointPhase = "pre_llm"
	PhasePostLLM       CheckpointPhase = "post_llm"
	PhasePreToolBatch  CheckpointPhase = "pre_tool_batch"
	PhasePostToolBatch CheckpointPhase = "post_tool_batch"
	PhaseRuntimeState  CheckpointPhase = "runtime_state"
	PhasePaused        CheckpointPhase = "paused"
	PhaseResumed       CheckpointPhase = "resumed"
	PhaseRunTerminal   CheckpointPhase = "run_terminal"
)

// ErrCheckpointCorrupt is returned when a run's latest pointer references a
// frame that no longer exists in the store.
var ErrCheckpointCorrupt = errors.New("afk: latest pointer references missing checkpoint frame")

const (
	checkpointKeyPrefix = "checkpoint:"
	effectKeyPrefix     = "effect:"
)

// CheckpointFrame is one journal record: a compact snapshot of a run at a
// phase boundary. Payload holds the serialized terminal result for
// run_terminal frames and the serialized runtime state for runtime_state
// frames; other phases usually leave it empty.
type CheckpointFrame struct {
	RunID     string          `json:"run_id"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Step      int             `json:"step"`
	Phase     CheckpointPhase `json:"phase"`
	State     RunState        `json:"state"`
	Timestamp int64           `json:"ts"` // unix millis
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Journal writes checkpoint frames through a MemoryStore and maintains each
// run's latest pointer. The pointer is a single key whose value is the frame
// key, so readers either see the previous frame or the new one, never a
// partial write.
type Journal struct {
	store  MemoryStore
	logger *slog.Logger
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithJournalLogger sets the logger for journal writes. Defaults to a
// no-op logger.
func WithJournalLogger(logger *slog.Logger) JournalOption {
	return func(j *Journal) { j.logger = logger }
}

// NewJournal creates a checkpoint journal on top of store.
func NewJournal(store MemoryStore, opts ...JournalOption) *Journal {
	j := &Journal{store: store, logger: nopLogger}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Write persists frame and swaps the run's latest pointer to it. The frame
// is written before the pointer so the pointer invariant holds even if the
// second write fails.
func (j *Journal) Write(ctx context.Context, frame CheckpointFrame) error {
	if err := validateKeySegment("run_id", frame.RunID); err != nil {
		return err
	}
	if err := validateKeySegment("phase", string(frame.Phase)); err != nil {
		return err
	}
	if frame.Step < 0 {
		return fmt.Errorf("afk: checkpoint step %d is negative", frame.Step)
	}
	if frame.Timestamp == 0 {
		frame.Timestamp = NowUnixMilli()
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("afk: marshal checkpoint frame: %w", err)
	}
	key := checkpointFrameKey(frame.RunID, frame.Step, frame.Phase)
	if err := j.store.PutState(ctx, key, raw); err != nil {
		return &StoreError{Op: "checkpoint", Key: key, Err: err}
	}
	latest := checkpointLatestKey(frame.RunID)
	if err := j.store.PutState(ctx, latest, []byte(key)); err != nil {
		return &StoreError{Op: "checkpoint", Key: latest, Err: err}
	}
	j.logger.Debug("checkpoint written",
		"run_id", frame.RunID,
		"step", frame.Step,
		"phase", frame.Phase)
	return nil
}

// Latest loads the frame the run's latest pointer references. Returns
// ErrNotFound when the run has no checkpoints, ErrCheckpointCorrupt when the
// pointer names a frame that does not exist.
func (j *Journal) Latest(ctx context.Context, runID string) (CheckpointFrame, error) {
	latest := checkpointLatestKey(runID)
	ptr, err := j.store.GetState(ctx, latest)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CheckpointFrame{}, ErrNotFound
		}
		return CheckpointFrame{}, &StoreError{Op: "latest", Key: latest, Err: err}
	}
	raw, err := j.store.GetState(ctx, string(ptr))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CheckpointFrame{}, &StoreError{Op: "latest", Key: string(ptr), Err: ErrCheckpointCorrupt}
		}
		return CheckpointFrame{}, &StoreError{Op: "latest", Key: string(ptr), Err: err}
	}
	return decodeFrame(string(ptr), raw)
}

// Frame loads one specific frame.
func (j *Journal) Frame(ctx context.Context, runID string, step int, phase CheckpointPhase) (CheckpointFrame, error) {
	key := checkpointFrameKey(runID, step, phase)
	raw, err := j.store.GetState(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CheckpointFrame{}, ErrNotFound
		}
		return CheckpointFrame{}, &StoreError{Op: "frame", Key: key, Err: err}
	}
	return decodeFrame(key, raw)
}

// Frames returns every frame recorded for a run, ordered by step then by
// write time for frames within the same step.
func (j *Journal) Frames(ctx context.Context, runID string) ([]CheckpointFrame, error) {
	keys, err := j.store.ListState(ctx, checkpointKeyPrefix+runID+":")
	if err != nil {
		return nil, &StoreError{Op: "frames", Key: runID, Err: err}
	}
	var frames []CheckpointFrame
	for _, key := range keys {
		_, _, phase, ok := parseCheckpointKey(key)
		if !ok || phase == "latest" {
			continue
		}
		raw, err := j.store.GetState(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // compacted between list and read
			}
			return nil, &StoreError{Op: "frames", Key: key, Err: err}
		}
		frame, err := decodeFrame(key, raw)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	sortFrames(frames)
	return frames, nil
}

// RecordEffect stores an idempotency marker for an external side effect
// performed at (runID, step). Replays after a resume check HasEffect before
// re-executing the effect.
func (j *Journal) RecordEffect(ctx context.Context, runID string, step int, effectID string, payload []byte) error {
	if err := validateKeySegment("run_id", runID); err != nil {
		return err
	}
	if err := validateKeySegment("effect_id", effectID); err != nil {
		return err
	}
	key := effectKey(runID, step, effectID)
	if payload == nil {
		payload = []byte{}
	}
	if err := j.store.PutState(ctx, key, payload); err != nil {
		return &StoreError{Op: "effect", Key: key, Err: err}
	}
	return nil
}

// HasEffect reports whether an effect marker exists and returns its payload.
func (j *Journal) HasEffect(ctx context.Context, runID string, step int, effectID string) ([]byte, bool, error) {
	key := effectKey(runID, step, effectID)
	raw, err := j.store.GetState(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, &StoreError{Op: "effect", Key: key, Err: err}
	}
	return raw, true, nil
}

func decodeFrame(key string, raw []byte) (CheckpointFrame, error) {
	var frame CheckpointFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return CheckpointFrame{}, &StoreError{Op: "decode", Key: key, Err: err}
	}
	return frame, nil
}

func sortFrames(frames []CheckpointFrame) {
	sort.SliceStable(frames, func(i, j int) bool {
		if frames[i].Step != frames[j].Step {
			return frames[i].Step < frames[j].Step
		}
		return frames[i].Timestamp < frames[j].Timestamp
	})
}

func checkpointLatestKey(runID string) string {
	return checkpointKeyPrefix + runID + ":latest"
}

func checkpointFrameKey(runID string, step int, phase CheckpointPhase) string {
	return checkpointKeyPrefix + runID + ":" + strconv.Itoa(step) + ":" + string(phase)
}

func effectKey(runID string, step int, effectID string) string {
	return effectKeyPrefix + runID + ":" + strconv.Itoa(step) + ":" + effectID
}

// parseCheckpointKey splits a checkpoint key into its segments. Latest
// pointers parse with step -1 and phase "latest".
func parseCheckpointKey(key string) (runID string, step int, phase CheckpointPhase, ok bool) {
	rest, found := strings.CutPrefix(key, checkpointKeyPrefix)
	if !found {
		return "", 0, "", false
	}
	parts := strings.Split(rest, ":")
	switch len(parts) {
	case 2:
		if parts[1] != "latest" {
			return "", 0, "", false
		}
		return parts[0], -1, "latest", true
	case 3:
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return "", 0, "", false
		}
		return parts[0], n, CheckpointPhase(parts[2]), true
	}
	return "", 0, "", false
}

// validateKeySegment rejects values that would collide with the reserved
// key separator.
func validateKeySegment(name, value string) error {
	if value == "" {
		return fmt.Errorf("afk: %s is empty", name)
	}
	if strings.Contains(value, ":") {
		return fmt.Errorf("afk: %s %q contains reserved separator ':'", name, value)
	}
	return nil
}
