package afk

import (
	"fmt"
	"log/slog"
	"sync"
)

// App is the composition point for a process: one runner with its agents,
// one task queue, the contracts and job handlers workers execute, and the
// shared memory store. Registries reject duplicates so wiring mistakes
// surface at startup rather than as shadowed behavior.
type App struct {
	runner *Runner
	queue  TaskQueue
	store  MemoryStore
	logger *slog.Logger
	tracer Tracer

	transport ModelTransport // default transport for NewAgent

	mu        sync.Mutex
	contracts map[string]ExecutionContract
	jobs      map[string]JobHandler
}

type appConfig struct {
	queue      TaskQueue
	store      MemoryStore
	transport  ModelTransport
	logger     *slog.Logger
	tracer     Tracer
	runnerOpts []RunnerOption
}

// AppOption configures an App.
type AppOption func(*appConfig)

// WithAppQueue sets the task queue. Default is an in-process MemoryQueue.
func WithAppQueue(q TaskQueue) AppOption {
	return func(c *appConfig) { c.queue = q }
}

// WithAppStore sets the memory store. Default is an InMemoryStore.
func WithAppStore(m MemoryStore) AppOption {
	return func(c *appConfig) { c.store = m }
}

// WithAppTransport sets the default model transport handed to agents built
// through App.NewAgent when they don't carry their own.
func WithAppTransport(t ModelTransport) AppOption {
	return func(c *appConfig) { c.transport = t }
}

// WithAppLogger sets the logger shared by the app's components.
func WithAppLogger(l *slog.Logger) AppOption {
	return func(c *appConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAppTracer sets the tracer shared by the app's components.
func WithAppTracer(t Tracer) AppOption {
	return func(c *appConfig) { c.tracer = t }
}

// WithAppRunnerOptions appends options to the underlying runner.
func WithAppRunnerOptions(opts ...RunnerOption) AppOption {
	return func(c *appConfig) { c.runnerOpts = append(c.runnerOpts, opts...) }
}

// NewApp builds an app. Zero options yield a fully in-process runtime:
// in-memory store, in-memory queue, no-op logging.
func NewApp(opts ...AppOption) *App {
	cfg := appConfig{logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = NewInMemoryStore()
	}
	if cfg.queue == nil {
		cfg.queue = NewMemoryQueue(WithQueueLogger(cfg.logger), WithQueueTracer(cfg.tracer))
	}
	runnerOpts := append([]RunnerOption{
		WithRunnerLogger(cfg.logger),
		WithRunnerTracer(cfg.tracer),
	}, cfg.runnerOpts...)
	return &App{
		runner:    NewRunner(cfg.store, runnerOpts...),
		queue:     cfg.queue,
		store:     cfg.store,
		logger:    cfg.logger,
		tracer:    cfg.tracer,
		transport: cfg.transport,
		contracts: make(map[string]ExecutionContract),
		jobs:      make(map[string]JobHandler),
	}
}

// Runner returns the app's run executor.
func (a *App) Runner() *Runner { return a.runner }

// Queue returns the app's task queue.
func (a *App) Queue() TaskQueue { return a.queue }

// Store returns the app's memory store.
func (a *App) Store() MemoryStore { return a.store }

// NewAgent builds an agent that defaults to the app's transport and
// registers it on the runner.
func (a *App) NewAgent(name string, opts ...AgentOption) (*Agent, error) {
	if a.transport != nil {
		opts = append([]AgentOption{WithTransport(a.transport)}, opts...)
	}
	agent, err := NewAgent(name, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.runner.RegisterAgent(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// RegisterAgent adds an existing agent to the runner. Registering a
// different agent under a taken name is an error.
func (a *App) RegisterAgent(agent *Agent) error {
	return a.runner.RegisterAgent(agent)
}

// RegisterContract adds a contract for workers built from this app.
func (a *App) RegisterContract(c ExecutionContract) error {
	if c == nil {
		return &ConfigError{Field: "contract", Reason: "must not be nil"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.contracts[c.ID()]; dup {
		return &ConfigError{Field: "contract", Reason: fmt.Sprintf("duplicate contract %q", c.ID())}
	}
	a.contracts[c.ID()] = c
	return nil
}

// RegisterJobHandler routes a job.dispatch.v1 job type for workers built
// from this app.
func (a *App) RegisterJobHandler(jobType string, h JobHandler) error {
	if jobType == "" || h == nil {
		return &ConfigError{Field: "job_handler", Reason: "empty job type or nil handler"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.jobs[jobType]; dup {
		return &ConfigError{Field: "job_handler", Reason: fmt.Sprintf("duplicate job handler %q", jobType)}
	}
	a.jobs[jobType] = h
	return nil
}

// Worker builds a worker over the app's queue with the runner contract, the
// registered contracts, and the registered job handlers wired in. Extra
// options are applied after the app's own.
func (a *App) Worker(opts ...WorkerOption) (*Worker, error) {
	a.mu.Lock()
	base := []WorkerOption{
		WithWorkerLogger(a.logger),
		WithWorkerTracer(a.tracer),
		WithWorkerRunner(a.runner),
	}
	for id, c := range a.contracts {
		base = append(base, WithWorkerContract(id, c))
	}
	for jobType, h := range a.jobs {
		base = append(base, WithWorkerJobHandler(jobType, h))
	}
	a.mu.Unlock()
	return NewWorker(a.queue, append(base, opts...)...)
}

// Process-wide default app, for programs that want the zero-config path.
var (
	defaultAppMu sync.Mutex
	defaultApp   *App
)

// Default returns the process-wide app, building a zero-config one on first
// use.
func Default() *App {
	defaultAppMu.Lock()
	defer defaultAppMu.Unlock()
	if defaultApp == nil {
		defaultApp = NewApp()
	}
	return defaultApp
}

// SetDefault replaces the process-wide app. Passing nil resets it, so the
// next Default call builds a fresh zero-config app.
func SetDefault(a *App) {
	defaultAppMu.Lock()
	defaultApp = a
	defaultAppMu.Unlock()
}
