// Package afk is an agent orchestration runtime for Go: durable runs,
// checkpointed execution, delegation across agent-to-agent messaging, and
// persistent task queues feeding contract-typed workers.
//
// It provides modular, interface-driven building blocks: model transports,
// a policy evaluator with human-in-the-loop approvals, a delegation engine
// that fans work out to sub-agents over an idempotent protocol, a
// checkpoint journal for crash recovery, and a retrying task queue with
// dead-letter handling.
//
// # Quick Start
//
// Build an agent over a model transport, start a run, and wait for it:
//
//	agent, err := afk.NewAgent(
//		"assistant",
//		afk.WithTransport(transport),
//		afk.WithInstructions("You are a helpful assistant."),
//		afk.WithTools(searchTool, calcTool),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	runner := afk.NewRunner(afk.NewInMemoryStore())
//	handle, err := runner.Start(ctx, agent, afk.WithUserMessage("What changed today?"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	result, err := handle.Await(ctx)
//
// Background work goes through the queue and a worker:
//
//	queue := afk.NewMemoryQueue()
//	worker, err := afk.NewWorker(queue, afk.WithWorkerRunner(runner))
//	if err != nil {
//		log.Fatal(err)
//	}
//	worker.Start(ctx)
//	defer worker.Stop(ctx)
//
//	id, _ := queue.EnqueueContract(ctx, afk.ContractRunnerChat,
//		map[string]any{"user_message": "summarize the incident"},
//		afk.WithTaskAgent("assistant"))
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [ModelTransport] — LLM backend (chat, streaming, interrupt, embeddings)
//   - [MemoryStore] — event log, state keys, semantic memory, compaction
//   - [TaskQueue] — FIFO queue with deferred retries and dead letters
//   - [ExecutionContract] — execution semantics for queued tasks
//   - [Tool] — pluggable capability for model function calling
//   - [InteractionProvider] — approval and user-input resolution
//   - [Tracer] — span creation for runs, delegation, and queue operations
//
// # Included Implementations
//
// Storage: store/sqlite (embedded, pure Go), store/postgres (pgx),
// store/redis (memory store, distributed queue, A2A delivery store).
// Observability: observer (OTLP trace/metric/log export).
//
// See cmd/afk for a worker daemon wiring configuration, backends, and
// graceful shutdown together.
package afk
