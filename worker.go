package afk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultWorkerConcurrency   = 4
	defaultWorkerPresenceTTL   = 30 * time.Second
	defaultWorkerRefresh       = 10 * time.Second
	defaultWorkerShutdown      = 30 * time.Second
	defaultWorkerDequeueWindow = time.Second
	workerDequeueErrorBackoff  = time.Second
)

// Worker pulls tasks from a queue and executes them through registered
// contracts. Concurrency is bounded by a semaphore whose permit is acquired
// before each dequeue, so the worker never claims work it cannot run.
type Worker struct {
	queue     TaskQueue
	presence  WorkerPresence
	contracts map[string]ExecutionContract
	retries   map[string]RetryPolicy

	id              string
	concurrency     int
	presenceTTL     time.Duration
	refreshInterval time.Duration
	shutdownTimeout time.Duration
	dequeueWindow   time.Duration
	logger          *slog.Logger
	tracer          Tracer

	sem            *semaphore.Weighted
	wg             sync.WaitGroup
	running        atomic.Bool
	stopOnce       sync.Once
	dispatchCancel context.CancelFunc
	taskCtx        context.Context
	taskCancel     context.CancelFunc
	loopDone       chan struct{}
}

type workerConfig struct {
	id              string
	concurrency     int
	presenceTTL     time.Duration
	refreshInterval time.Duration
	shutdownTimeout time.Duration
	dequeueWindow   time.Duration
	logger          *slog.Logger
	tracer          Tracer
	runner          *Runner
	contracts       map[string]ExecutionContract
	retries         map[string]RetryPolicy
	jobHandlers     map[string]JobHandler
	err             error
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerConfig)

// WithWorkerID overrides the generated worker id.
func WithWorkerID(id string) WorkerOption {
	return func(c *workerConfig) { c.id = id }
}

// WithWorkerConcurrency bounds concurrent task executions.
func WithWorkerConcurrency(n int) WorkerOption {
	return func(c *workerConfig) { c.concurrency = n }
}

// WithWorkerContract registers a contract under id, which must match the
// contract's own ID. Duplicate registrations are rejected.
func WithWorkerContract(id string, contract ExecutionContract) WorkerOption {
	return func(c *workerConfig) {
		if c.err != nil {
			return
		}
		if contract == nil {
			c.err = &ConfigError{Field: "contract", Reason: "nil contract for " + id}
			return
		}
		if id != contract.ID() {
			c.err = &ConfigError{Field: "contract", Reason: fmt.Sprintf(
				"registration key %q does not match contract id %q", id, contract.ID())}
			return
		}
		if _, dup := c.contracts[id]; dup {
			c.err = &ConfigError{Field: "contract", Reason: fmt.Sprintf("duplicate contract %q", id)}
			return
		}
		c.contracts[id] = contract
	}
}

// WithWorkerRunner enables the runner.chat.v1 contract against r.
func WithWorkerRunner(r *Runner) WorkerOption {
	return func(c *workerConfig) { c.runner = r }
}

// WithWorkerJobHandler enables the job.dispatch.v1 contract and routes
// jobType to h.
func WithWorkerJobHandler(jobType string, h JobHandler) WorkerOption {
	return func(c *workerConfig) {
		if c.err != nil {
			return
		}
		if jobType == "" || h == nil {
			c.err = &ConfigError{Field: "job_handler", Reason: "empty job type or nil handler"}
			return
		}
		if _, dup := c.jobHandlers[jobType]; dup {
			c.err = &ConfigError{Field: "job_handler", Reason: fmt.Sprintf("duplicate job handler %q", jobType)}
			return
		}
		c.jobHandlers[jobType] = h
	}
}

// WithWorkerContractRetry sets the retry backoff used when tasks of a
// contract fail retryably. Per-task metadata still wins.
func WithWorkerContractRetry(contractID string, p RetryPolicy) WorkerOption {
	return func(c *workerConfig) { c.retries[contractID] = p }
}

// WithWorkerPresence tunes the liveness heartbeat. refresh must be positive
// and shorter than ttl.
func WithWorkerPresence(ttl, refresh time.Duration) WorkerOption {
	return func(c *workerConfig) {
		c.presenceTTL = ttl
		c.refreshInterval = refresh
	}
}

// WithWorkerShutdownTimeout bounds how long Stop waits for in-flight tasks.
func WithWorkerShutdownTimeout(d time.Duration) WorkerOption {
	return func(c *workerConfig) { c.shutdownTimeout = d }
}

// WithWorkerDequeueWindow sets how long each dequeue blocks for work.
func WithWorkerDequeueWindow(d time.Duration) WorkerOption {
	return func(c *workerConfig) { c.dequeueWindow = d }
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(c *workerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithWorkerTracer sets the tracer for task spans.
func WithWorkerTracer(t Tracer) WorkerOption {
	return func(c *workerConfig) { c.tracer = t }
}

// NewWorker builds a worker over queue. At least one contract must end up
// registered, either directly or via WithWorkerRunner / WithWorkerJobHandler.
func NewWorker(queue TaskQueue, opts ...WorkerOption) (*Worker, error) {
	if queue == nil {
		return nil, &ConfigError{Field: "queue", Reason: "must not be nil"}
	}
	cfg := workerConfig{
		concurrency:     defaultWorkerConcurrency,
		presenceTTL:     defaultWorkerPresenceTTL,
		refreshInterval: defaultWorkerRefresh,
		shutdownTimeout: defaultWorkerShutdown,
		dequeueWindow:   defaultWorkerDequeueWindow,
		logger:          nopLogger,
		contracts:       make(map[string]ExecutionContract),
		retries:         make(map[string]RetryPolicy),
		jobHandlers:     make(map[string]JobHandler),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}
	if cfg.concurrency < 1 {
		return nil, &ConfigError{Field: "concurrency", Reason: "must be at least 1"}
	}
	if cfg.refreshInterval <= 0 || cfg.refreshInterval >= cfg.presenceTTL {
		return nil, &ConfigError{Field: "presence", Reason: fmt.Sprintf(
			"refresh interval %s must be positive and below ttl %s", cfg.refreshInterval, cfg.presenceTTL)}
	}
	if cfg.runner != nil {
		c, err := NewRunnerChatContract(cfg.runner)
		if err != nil {
			return nil, err
		}
		if _, dup := cfg.contracts[c.ID()]; dup {
			return nil, &ConfigError{Field: "contract", Reason: fmt.Sprintf("duplicate contract %q", c.ID())}
		}
		cfg.contracts[c.ID()] = c
	}
	if len(cfg.jobHandlers) > 0 {
		c, err := NewJobDispatchContract(cfg.jobHandlers)
		if err != nil {
			return nil, err
		}
		if _, dup := cfg.contracts[c.ID()]; dup {
			return nil, &ConfigError{Field: "contract", Reason: fmt.Sprintf("duplicate contract %q", c.ID())}
		}
		cfg.contracts[c.ID()] = c
	}
	if len(cfg.contracts) == 0 {
		return nil, &ConfigError{Field: "contracts", Reason: "at least one contract required"}
	}
	if cfg.id == "" {
		cfg.id = "worker-" + NewID()
	}
	presence, _ := queue.(WorkerPresence)
	return &Worker{
		queue:           queue,
		presence:        presence,
		contracts:       cfg.contracts,
		retries:         cfg.retries,
		id:              cfg.id,
		concurrency:     cfg.concurrency,
		presenceTTL:     cfg.presenceTTL,
		refreshInterval: cfg.refreshInterval,
		shutdownTimeout: cfg.shutdownTimeout,
		dequeueWindow:   cfg.dequeueWindow,
		logger:          cfg.logger.With("worker_id", cfg.id),
		tracer:          cfg.tracer,
		sem:             semaphore.NewWeighted(int64(cfg.concurrency)),
		loopDone:        make(chan struct{}),
	}, nil
}

// ID returns the worker's presence identity.
func (w *Worker) ID() string { return w.id }

// Start registers presence, recovers abandoned in-flight work when this is
// the only live worker, and begins dispatching. It returns immediately;
// Stop shuts the worker down.
func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return &ConfigError{Field: "worker", Reason: "already started"}
	}
	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	w.dispatchCancel = dispatchCancel
	// Task executions outlive the dispatcher during graceful drain.
	w.taskCtx, w.taskCancel = context.WithCancel(context.WithoutCancel(ctx))

	if w.presence != nil {
		if err := w.presence.RegisterWorker(ctx, w.id, w.presenceTTL); err != nil {
			dispatchCancel()
			w.taskCancel()
			w.running.Store(false)
			return err
		}
		if n, err := w.presence.RecoverInflightIfIdle(ctx, w.id); err != nil {
			w.logger.Warn("in-flight recovery failed", "error", err)
		} else if n > 0 {
			w.logger.Info("recovered abandoned tasks", "count", n)
		}
		go w.refreshLoop(dispatchCtx)
	}
	go w.dispatchLoop(dispatchCtx)
	w.logger.Info("worker started", "concurrency", w.concurrency, "contracts", len(w.contracts))
	return nil
}

// Stop drains the worker: no new dequeues, in-flight tasks get up to the
// shutdown timeout, survivors are cancelled, presence is unregistered.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.running.Load() {
		return nil
	}
	w.stopOnce.Do(func() { w.dispatchCancel() })
	<-w.loopDone

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()
	timer := time.NewTimer(w.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		w.logger.Warn("shutdown timeout, cancelling in-flight tasks")
		w.taskCancel()
		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		w.taskCancel()
		return ctx.Err()
	}
	w.taskCancel()

	if w.presence != nil {
		if err := w.presence.UnregisterWorker(context.WithoutCancel(ctx), w.id); err != nil {
			w.logger.Warn("presence unregister failed", "error", err)
		}
	}
	w.logger.Info("worker stopped")
	return nil
}

// dispatchLoop acquires a permit, then claims work. The permit travels with
// the execution goroutine and is released when it finishes.
func (w *Worker) dispatchLoop(ctx context.Context) {
	defer close(w.loopDone)
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		task, err := w.queue.Dequeue(ctx, w.dequeueWindow)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", "error", err)
			if sleepCtx(ctx, workerDequeueErrorBackoff) != nil {
				return
			}
			continue
		}
		if task == nil {
			w.sem.Release(1)
			continue
		}
		w.wg.Add(1)
		go func(t *Task) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.runTask(w.taskCtx, t)
		}(task)
	}
}

func (w *Worker) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(w.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.presence.RefreshWorker(ctx, w.id, w.presenceTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("presence refresh failed, re-registering", "error", err)
				if err := w.presence.RegisterWorker(ctx, w.id, w.presenceTTL); err != nil && ctx.Err() == nil {
					w.logger.Error("presence re-register failed", "error", err)
				}
			}
		}
	}
}

// runTask resolves the task's contract and executes it. Configuration and
// schema problems fail the task outright; everything else consumes retry
// budget under the contract's policy.
func (w *Worker) runTask(ctx context.Context, task *Task) {
	var span Span
	if w.tracer != nil {
		ctx, span = w.tracer.Start(ctx, "worker.task",
			StringAttr("task_id", task.ID),
			StringAttr("contract", task.Contract()))
		defer span.End()
	}

	contractID := task.Contract()
	if contractID == "" {
		w.failTask(ctx, task, "missing execution_contract metadata", false, nil)
		return
	}
	contract, ok := w.contracts[contractID]
	if !ok {
		w.failTask(ctx, task, fmt.Sprintf("unknown contract %q", contractID), false, nil)
		return
	}
	if contract.RequiresAgent() && task.AgentName == "" {
		w.failTask(ctx, task, fmt.Sprintf("contract %q requires agent_name", contractID), false, nil)
		return
	}
	if v, ok := contract.(PayloadValidator); ok {
		if err := v.ValidatePayload(task.Payload); err != nil {
			w.failTask(ctx, task, err.Error(), false, nil)
			return
		}
	}

	w.logger.Debug("task executing", "task_id", task.ID, "contract", contractID)
	out, err := contract.Execute(ctx, task)
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		retryable := !terminalTaskError(err)
		w.failTask(ctx, task, err.Error(), retryable, w.retryFor(contractID))
		return
	}
	envelope := map[string]any{"contract": contractID, "output": out}
	if err := w.queue.Complete(ctx, task.ID, envelope); err != nil {
		w.logger.Error("task completion write failed", "task_id", task.ID, "error", err)
		return
	}
	w.logger.Info("task completed", "task_id", task.ID, "contract", contractID)
}

func (w *Worker) failTask(ctx context.Context, task *Task, msg string, retryable bool, policy *RetryPolicy) {
	if err := w.queue.Fail(ctx, task.ID, msg, retryable, policy); err != nil {
		w.logger.Error("task failure write failed", "task_id", task.ID, "error", err)
		return
	}
	w.logger.Warn("task failed", "task_id", task.ID, "retryable", retryable, "error", msg)
}

func (w *Worker) retryFor(contractID string) *RetryPolicy {
	if p, ok := w.retries[contractID]; ok {
		return &p
	}
	return nil
}
