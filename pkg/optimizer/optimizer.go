// Package optimizer deduplicates, batches, compresses, and bounds the
// concurrency of parse operations before they reach the worker dispatcher.
package optimizer

import (
	"bytes"
	"compress/gzip"
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/TheEntropyCollective/notemill/pkg/events"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/notemill/pkg/parse"
)

// Base cost per operation kind for the batching heuristic. Unified
// operations run all three extraction passes, so they weigh the most.
var baseCost = map[parse.OperationKind]int{
	parse.KindTasks:    2,
	parse.KindProjects: 3,
	parse.KindMetadata: 2,
	parse.KindUnified:  5,
}

// costBucketSize groups estimated costs so operations of similar weight
// batch together
const costBucketSize = 8

// Dispatcher is the downstream the optimizer hands batches to. The worker
// pool satisfies it; tests stub it.
type Dispatcher interface {
	Submit(ctx context.Context, operations []parse.Operation, priority parse.Priority) (*parse.BatchResult, error)
	Size() int
}

// Stats reports what the optimization pass did to a submission
type Stats struct {
	OriginalCount         int   `json:"original_count"`
	UniqueCount           int   `json:"unique_count"`
	DeduplicationSavings  int   `json:"deduplication_savings"`
	BatchCount            int   `json:"batch_count"`
	CompressedPayloads    int   `json:"compressed_payloads"`
	CompressionSavings    int64 `json:"compression_savings_bytes"`
	TransferablesPrepared int   `json:"transferables_prepared"`
	MaxConcurrentBatches  int   `json:"max_concurrent_batches"`
}

// Batch is one dispatch-ready chunk of operations
type Batch struct {
	Operations    []parse.Operation
	EstimatedCost int
}

// Plan is the outcome of an optimization pass, before execution
type Plan struct {
	Batches []Batch
	Stats   Stats
}

// Optimizer prepares operation lists for dispatch
type Optimizer struct {
	cfg    config.OptimizerConfig
	logger *logging.Logger
	bus    *events.Bus
}

// New creates an optimizer. The event bus may be nil.
func New(cfg config.OptimizerConfig, logger *logging.Logger, bus *events.Bus) *Optimizer {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Optimizer{
		cfg:    cfg,
		logger: logger.WithComponent("optimizer"),
		bus:    bus,
	}
}

// Optimize deduplicates, partitions, orders, and prepares operations for the
// worker boundary without dispatching anything
func (o *Optimizer) Optimize(operations []parse.Operation) *Plan {
	plan := &Plan{}
	plan.Stats.OriginalCount = len(operations)

	unique := operations
	if o.cfg.EnableDeduplication {
		unique = deduplicate(operations)
	}
	plan.Stats.UniqueCount = len(unique)
	plan.Stats.DeduplicationSavings = plan.Stats.OriginalCount - plan.Stats.UniqueCount

	for i := range unique {
		o.prepareTransferable(&unique[i], &plan.Stats)
		if o.cfg.EnableCompression {
			o.compress(&unique[i], &plan.Stats)
		}
	}

	plan.Batches = o.partition(unique)
	plan.Stats.BatchCount = len(plan.Batches)

	o.logger.Debug("optimization pass completed", map[string]interface{}{
		"original":     plan.Stats.OriginalCount,
		"unique":       plan.Stats.UniqueCount,
		"batches":      plan.Stats.BatchCount,
		"compressed":   plan.Stats.CompressedPayloads,
		"transferable": plan.Stats.TransferablesPrepared,
	})
	return plan
}

// deduplicate collapses operations sharing a fingerprint, keeping the first
// occurrence's position
func deduplicate(operations []parse.Operation) []parse.Operation {
	seen := make(map[string]bool, len(operations))
	unique := make([]parse.Operation, 0, len(operations))
	for i := range operations {
		fp := parse.Fingerprint(&operations[i])
		if seen[fp] {
			continue
		}
		seen[fp] = true
		unique = append(unique, operations[i])
	}
	return unique
}

// estimateCost weighs an operation by kind and content size
func estimateCost(op *parse.Operation) int {
	base := baseCost[op.Kind]
	if base == 0 {
		base = 2
	}
	return base * (1 + op.BodySize()/4096)
}

// prepareTransferable converts large string payloads to byte buffers so the
// original string can be dropped before crossing the worker boundary
func (o *Optimizer) prepareTransferable(op *parse.Operation, stats *Stats) {
	if op.Content == "" || len(op.Content) <= o.cfg.TransferableThreshold {
		return
	}
	op.ContentBytes = []byte(op.Content)
	op.Content = ""
	stats.TransferablesPrepared++
}

// compress gzips payloads over the compression threshold; smaller payloads
// skip the pass to avoid overhead
func (o *Optimizer) compress(op *parse.Operation, stats *Stats) {
	if op.ContentEncoding != "" {
		return
	}
	size := op.BodySize()
	if size <= o.cfg.CompressionThreshold {
		return
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(op.Body())); err != nil {
		zw.Close()
		return
	}
	if err := zw.Close(); err != nil {
		return
	}
	if buf.Len() >= size {
		// Incompressible payload; keep the original
		return
	}

	op.ContentBytes = buf.Bytes()
	op.Content = ""
	op.ContentEncoding = "gzip"
	stats.CompressedPayloads++
	stats.CompressionSavings += int64(size - buf.Len())
}

// partition groups operations by (kind, cost bucket), slices each group into
// chunks of maxBatchSize, and orders chunks highest cost first so expensive
// work saturates the pool early
func (o *Optimizer) partition(operations []parse.Operation) []Batch {
	type groupKey struct {
		kind   parse.OperationKind
		bucket int
	}
	groups := make(map[groupKey][]parse.Operation)
	var order []groupKey
	for i := range operations {
		cost := estimateCost(&operations[i])
		key := groupKey{kind: operations[i].Kind, bucket: cost / costBucketSize}
		if _, exists := groups[key]; !exists {
			order = append(order, key)
		}
		groups[key] = append(groups[key], operations[i])
	}

	var batches []Batch
	for _, key := range order {
		ops := groups[key]
		for start := 0; start < len(ops); start += o.cfg.MaxBatchSize {
			end := start + o.cfg.MaxBatchSize
			if end > len(ops) {
				end = len(ops)
			}
			chunk := ops[start:end]
			cost := 0
			for i := range chunk {
				cost += estimateCost(&chunk[i])
			}
			batches = append(batches, Batch{Operations: chunk, EstimatedCost: cost})
		}
	}

	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].EstimatedCost > batches[j].EstimatedCost
	})
	return batches
}

// Execute optimizes the operations and dispatches the resulting batches with
// bounded concurrency: at most pool-size batches are in flight at once. A
// failing batch is recorded and does not abort its siblings.
func (o *Optimizer) Execute(ctx context.Context, operations []parse.Operation, priority parse.Priority, dispatcher Dispatcher) (*parse.BatchResult, Stats, error) {
	plan := o.Optimize(operations)

	limit := int64(dispatcher.Size())
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		result   = parse.NewBatchResult()
		inFlight int
		peak     int
	)

	for i := range plan.Batches {
		batch := plan.Batches[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			// Launched batches still hold a reference to result; let
			// them land before handing it to the caller.
			wg.Wait()
			return result, plan.Stats, err
		}

		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				mu.Lock()
				inFlight--
				mu.Unlock()
			}()

			partial, err := dispatcher.Submit(ctx, batch.Operations, priority)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				for j := range batch.Operations {
					result.Errors = append(result.Errors, parse.BatchError{
						FilePath: batch.Operations[j].FilePath,
						Kind:     string(batch.Operations[j].Kind),
						Message:  err.Error(),
					})
				}
				result.Metadata.TotalOperations += len(batch.Operations)
				result.Metadata.ErrorCount += len(batch.Operations)
				if o.bus != nil {
					o.bus.Emit(events.BatchFailed, map[string]interface{}{
						"operations": len(batch.Operations),
						"error":      err.Error(),
					})
				}
				return
			}
			result.Merge(partial)
			if o.bus != nil {
				o.bus.Emit(events.BatchCompleted, map[string]interface{}{
					"operations": len(batch.Operations),
					"cost":       batch.EstimatedCost,
				})
			}
		}()
	}

	wg.Wait()

	mu.Lock()
	plan.Stats.MaxConcurrentBatches = peak
	mu.Unlock()

	return result, plan.Stats, nil
}
