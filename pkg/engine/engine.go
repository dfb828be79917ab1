// Package engine composes the worker pool, batch optimizer, project-aware
// cache, resource registry, health monitor, and event bus into one owned
// object with an explicit lifetime.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/TheEntropyCollective/notemill/pkg/cache"
	"github.com/TheEntropyCollective/notemill/pkg/events"
	"github.com/TheEntropyCollective/notemill/pkg/health"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/notemill/pkg/optimizer"
	"github.com/TheEntropyCollective/notemill/pkg/parse"
	"github.com/TheEntropyCollective/notemill/pkg/resources"
	"github.com/TheEntropyCollective/notemill/pkg/workers"
)

// CachedResult is the per-operation payload stored in the parse cache
type CachedResult struct {
	Tasks      []parse.Task       `json:"tasks,omitempty"`
	Project    *parse.Project     `json:"project,omitempty"`
	HasProject bool               `json:"has_project"`
	Metadata   parse.NoteMetadata `json:"metadata,omitempty"`
}

// Engine is the background note-parsing engine. Construct it once with New
// and release it with Close; nothing in this package lives as a package-level
// singleton.
type Engine struct {
	cfg      *config.Config
	logger   *logging.Logger
	bus      *events.Bus
	registry *resources.Registry
	pool     *workers.Pool
	cache    *cache.Cache
	opt      *optimizer.Optimizer
	monitor  *health.Monitor
}

// New builds a fully wired engine. Every long-lived component the engine
// creates is registered with its resource registry so shutdown is complete
// and observable.
func New(cfg *config.Config, parser parse.Parser, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	if parser == nil {
		return nil, fmt.Errorf("engine requires a parser")
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.WithComponent("engine"),
		bus:    events.NewBus(),
	}

	e.registry = resources.NewRegistry(cfg.Registry, logger)
	e.pool = workers.NewPool(cfg.Workers, parser, logger)
	e.cache = cache.New(cfg.Cache, logger, e.pool)
	e.opt = optimizer.New(cfg.Optimizer, logger, e.bus)
	e.monitor = health.NewMonitor(e.registry, e.pool, cfg.Health, cfg.Registry, logger)

	if err := e.registerCoreResources(); err != nil {
		e.pool.Close()
		e.cache.Close()
		e.registry.Close()
		return nil, err
	}
	return e, nil
}

// registerCoreResources tracks the engine's own long-lived components in the
// registry. The pool lists the cache as a dependency so the cache drains
// first during a full teardown: invalidation broadcasts sent while the cache
// unwinds still have live workers to land on.
func (e *Engine) registerCoreResources() error {
	descs := []resources.Descriptor{
		{
			ID:          "engine.worker_pool",
			Kind:        "worker",
			Description: "background parse worker pool",
			Cleanup: func(ctx context.Context) error {
				e.pool.Close()
				return nil
			},
			IsActive:       e.pool.Available,
			Priority:       resources.PriorityCritical,
			Tags:           []string{"engine"},
			DependsOn:      []string{"engine.parse_cache"},
			EstimatedBytes: int64(e.pool.Size()) * 10 * 1024 * 1024,
		},
		{
			ID:          "engine.parse_cache",
			Kind:        "cache_slab",
			Description: "project-aware parse result cache",
			Cleanup: func(ctx context.Context) error {
				e.cache.Close()
				return nil
			},
			IsActive:       func() bool { return true },
			Priority:       resources.PriorityHigh,
			Tags:           []string{"engine"},
			EstimatedBytes: 1024 * 1024,
		},
	}
	return e.registry.RegisterGroup("engine.core", "engine core components", descs, resources.GroupOptions{
		CleanupOrder: 100,
		AutoCleanup:  false,
	})
}

// IsAvailable reports whether background parsing can accept work
func (e *Engine) IsAvailable() bool {
	return e.pool.Available()
}

// SubmitUnified optimizes and dispatches a list of operations, returning the
// merged result once every batch settles
func (e *Engine) SubmitUnified(ctx context.Context, operations []parse.Operation, priority parse.Priority) (*parse.BatchResult, optimizer.Stats, error) {
	if !e.pool.Available() {
		return nil, optimizer.Stats{}, workers.ErrNoWorkersAvailable
	}

	e.bus.Emit(events.ParseStarted, map[string]interface{}{
		"operations": len(operations),
		"priority":   string(priority),
	})

	start := time.Now()
	result, stats, err := e.opt.Execute(ctx, operations, priority, e.pool)
	if err != nil {
		e.bus.Emit(events.BatchFailed, map[string]interface{}{
			"operations": len(operations),
			"error":      err.Error(),
		})
		return nil, stats, err
	}

	e.bus.Emit(events.ParseCompleted, map[string]interface{}{
		"operations": len(operations),
		"succeeded":  result.Metadata.SuccessCount,
		"failed":     result.Metadata.ErrorCount,
		"duration":   time.Since(start).String(),
	})
	return result, stats, nil
}

// ParseBatch extracts tasks from the given files
func (e *Engine) ParseBatch(ctx context.Context, ops []parse.Operation) (*parse.BatchResult, error) {
	return e.submitKind(ctx, ops, parse.KindTasks)
}

// DetectProjectsBatch resolves project associations for the given files
func (e *Engine) DetectProjectsBatch(ctx context.Context, ops []parse.Operation) (*parse.BatchResult, error) {
	return e.submitKind(ctx, ops, parse.KindProjects)
}

// ProcessMetadataBatch extracts enhanced metadata for the given files
func (e *Engine) ProcessMetadataBatch(ctx context.Context, ops []parse.Operation) (*parse.BatchResult, error) {
	return e.submitKind(ctx, ops, parse.KindMetadata)
}

func (e *Engine) submitKind(ctx context.Context, ops []parse.Operation, kind parse.OperationKind) (*parse.BatchResult, error) {
	coerced := make([]parse.Operation, len(ops))
	copy(coerced, ops)
	for i := range coerced {
		coerced[i].Kind = kind
	}
	result, _, err := e.SubmitUnified(ctx, coerced, parse.PriorityNormal)
	return result, err
}

// OptimizeBatch runs the optimization pass without dispatching, exposing the
// plan for inspection
func (e *Engine) OptimizeBatch(operations []parse.Operation) *optimizer.Plan {
	return e.opt.Optimize(operations)
}

// ProcessWithCache serves operations from the parse cache where possible and
// dispatches only the misses. Fresh results are written back to the cache
// under their operation fingerprints.
func (e *Engine) ProcessWithCache(ctx context.Context, operations []parse.Operation, priority parse.Priority) (*parse.BatchResult, optimizer.Stats, error) {
	result := parse.NewBatchResult()
	var misses []parse.Operation
	missKeys := make(map[int]string)

	for i := range operations {
		op := &operations[i]
		key := parse.Fingerprint(op)
		if e.cache.MightContain(key) {
			if value, ok := e.cache.Get(key, op.ProjectID); ok {
				if cached, valid := value.(*CachedResult); valid {
					applyCached(op.FilePath, cached, result)
					result.Metadata.TotalOperations++
					result.Metadata.SuccessCount++
					result.Metadata.CacheHits++
					e.bus.Emit(events.CacheHit, map[string]interface{}{
						"file":    op.FilePath,
						"kind":    string(op.Kind),
						"project": op.ProjectID,
					})
					continue
				}
			}
		}
		missKeys[len(misses)] = key
		misses = append(misses, *op)
	}

	if len(misses) == 0 {
		return result, optimizer.Stats{}, nil
	}

	fresh, stats, err := e.SubmitUnified(ctx, misses, priority)
	if err != nil {
		return result, stats, err
	}

	for i := range misses {
		op := &misses[i]
		cached := extractCached(op.FilePath, fresh)
		if cached == nil {
			continue
		}
		e.cache.Set(missKeys[i], cached, cache.SetOptions{
			ProjectID: op.ProjectID,
			Kind:      string(op.Kind),
		})
	}

	result.Merge(fresh)
	return result, stats, nil
}

// applyCached folds a cached per-operation result into a batch result
func applyCached(filePath string, cached *CachedResult, result *parse.BatchResult) {
	if cached.Tasks != nil {
		result.Tasks[filePath] = cached.Tasks
	}
	if cached.HasProject {
		result.Projects[filePath] = cached.Project
	}
	if cached.Metadata != nil {
		result.EnhancedMetadata[filePath] = cached.Metadata
	}
}

// extractCached pulls one file's slice of a batch result for cache storage
func extractCached(filePath string, result *parse.BatchResult) *CachedResult {
	cached := &CachedResult{}
	found := false
	if tasks, ok := result.Tasks[filePath]; ok {
		cached.Tasks = tasks
		found = true
	}
	if project, ok := result.Projects[filePath]; ok {
		cached.Project = project
		cached.HasProject = true
		found = true
	}
	if meta, ok := result.EnhancedMetadata[filePath]; ok {
		cached.Metadata = meta
		found = true
	}
	if !found {
		return nil
	}
	return cached
}

// InvalidateProject drops a project's cache footprint everywhere, including
// worker-local mirrors
func (e *Engine) InvalidateProject(projectID string) int {
	return e.cache.InvalidateProject(projectID)
}

// ClearCache empties the parse cache and every worker mirror
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

// UpdateConfig broadcasts new parser configuration to every worker.
// Worker mirrors reset because their contents derive from the old config.
func (e *Engine) UpdateConfig(configData map[string]interface{}) {
	e.pool.Broadcast(parse.Control{
		Type:       parse.MsgUpdateConfig,
		ConfigData: configData,
	})
}

// EvaluateHealth classifies worker pool health
func (e *Engine) EvaluateHealth() health.Report {
	return e.monitor.Evaluate()
}

// ResourceHealth classifies resource registry health
func (e *Engine) ResourceHealth() health.ResourceReport {
	return e.monitor.ResourceStats()
}

// CacheStats returns a snapshot of parse cache statistics
func (e *Engine) CacheStats() cache.StatsSnapshot {
	return e.cache.Stats()
}

// WorkerStats returns a snapshot of worker pool statistics
func (e *Engine) WorkerStats() workers.Stats {
	return e.pool.Stats()
}

// Registry exposes the resource registry for callers that track their own
// resources alongside the engine's
func (e *Engine) Registry() *resources.Registry {
	return e.registry
}

// Bus exposes the engine's event bus for subscription
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Close releases everything the engine owns. The registry drains last so
// every component cleanup runs under its supervision.
func (e *Engine) Close() {
	e.registry.Close()
	e.bus.Close()
}
