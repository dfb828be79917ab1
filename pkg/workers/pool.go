// Package workers owns the background parse worker pool and its request
// dispatcher. Requests are correlated to responses by request id; a crashed
// worker rejects its pending requests and is respawned in place.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/notemill/pkg/parse"
)

// slot is one worker position in the pool. The pool replaces a slot's worker
// on crash without changing the slot's position.
type slot struct {
	worker     *worker
	busy       bool
	lastUsedAt time.Time
	inFlight   int
}

// pendingRequest correlates one dispatched request with its eventual
// response or timeout. An entry leaves the table exactly once.
type pendingRequest struct {
	requestID      string
	slotIndex      int
	operationLabel string
	startedAt      time.Time
	timer          *time.Timer
	result         chan submitResult
}

type submitResult struct {
	resp *parse.Response
	err  error
}

// Pool manages the parse workers and dispatches correlated requests to them
type Pool struct {
	mu      sync.Mutex
	slots   []*slot
	pending map[string]*pendingRequest

	totalRequests     int64
	failedRequests    int64
	timeouts          int64
	crashes           int64
	completedRequests int64
	totalResponseTime time.Duration

	cfg    config.WorkersConfig
	parser parse.Parser
	logger *logging.Logger

	responses    chan []byte
	crashEvents  chan crashEvent
	nextWorkerID int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewPool creates and starts a worker pool. Pool size zero resolves to the
// default of min(2, max(1, NumCPU/2)).
func NewPool(cfg config.WorkersConfig, parser parse.Parser, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.GetLogger()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = config.DefaultPoolSize()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		pending:     make(map[string]*pendingRequest),
		cfg:         cfg,
		parser:      parser,
		logger:      logger.WithComponent("workers"),
		responses:   make(chan []byte, size*inboxDepth),
		crashEvents: make(chan crashEvent, size),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Enabled {
		p.slots = make([]*slot, size)
		for i := 0; i < size; i++ {
			p.slots[i] = &slot{worker: p.spawnWorker()}
		}
	}

	p.wg.Add(2)
	go p.responseLoop()
	go p.crashLoop()

	return p
}

func (p *Pool) spawnWorker() *worker {
	p.nextWorkerID++
	return newWorker(p.nextWorkerID, p.parser, p.responses, p.crashEvents, p.logger)
}

// Available reports whether the pool can accept submissions
func (p *Pool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && len(p.slots) > 0
}

// Size returns the number of worker slots
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Submit sends a list of operations to one worker and waits for the
// correlated response. It returns ErrNoWorkersAvailable synchronously when
// the pool is empty, disabled, or closed.
func (p *Pool) Submit(ctx context.Context, operations []parse.Operation, priority parse.Priority) (*parse.BatchResult, error) {
	if len(operations) == 0 {
		return parse.NewBatchResult(), nil
	}

	req := &parse.Request{
		Type:       parse.MsgUnifiedParseRequest,
		RequestID:  uuid.NewString(),
		Operations: operations,
		BatchID:    uuid.NewString(),
		Priority:   priority,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	pr, err := p.dispatch(req)
	if err != nil {
		return nil, err
	}

	select {
	case result := <-pr.result:
		if result.err != nil {
			return nil, result.err
		}
		return responseToResult(result.resp), nil
	case <-ctx.Done():
		p.completeRequest(req.RequestID, nil, ctx.Err())
		// completeRequest delivered to pr.result; drain it so the entry
		// is observed exactly once
		result := <-pr.result
		if result.resp != nil {
			return responseToResult(result.resp), nil
		}
		return nil, result.err
	}
}

// dispatch claims a worker, records the pending request, arms the timeout,
// and posts the message
func (p *Pool) dispatch(req *parse.Request) (*pendingRequest, error) {
	data, err := parse.Encode(req)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed || len(p.slots) == 0 {
		p.mu.Unlock()
		return nil, ErrNoWorkersAvailable
	}

	idx := p.pickWorkerLocked()
	s := p.slots[idx]
	s.busy = true
	s.inFlight++
	s.lastUsedAt = time.Now()

	pr := &pendingRequest{
		requestID:      req.RequestID,
		slotIndex:      idx,
		operationLabel: fmt.Sprintf("%s x%d", req.Operations[0].Kind, len(req.Operations)),
		startedAt:      time.Now(),
		result:         make(chan submitResult, 1),
	}
	p.pending[req.RequestID] = pr
	p.totalRequests++

	requestID := req.RequestID
	pr.timer = time.AfterFunc(p.cfg.RequestTimeout(), func() {
		p.completeRequest(requestID, nil, ErrRequestTimeout)
	})

	target := s.worker
	p.mu.Unlock()

	target.post(data)
	return pr, nil
}

// pickWorkerLocked returns the first idle worker, or the least-recently-used
// busy worker when every slot is occupied. Oversubscribing a busy worker is
// preferred over queuing; the optimizer's semaphore bounds how far this goes.
// Callers hold p.mu.
func (p *Pool) pickWorkerLocked() int {
	best := 0
	var bestUsed time.Time
	first := true
	for i, s := range p.slots {
		if !s.busy {
			return i
		}
		if first || s.lastUsedAt.Before(bestUsed) {
			best = i
			bestUsed = s.lastUsedAt
			first = false
		}
	}
	return best
}

// completeRequest resolves a pending request exactly once and releases its
// worker. Late responses and late timeouts find no table entry and return.
func (p *Pool) completeRequest(requestID string, resp *parse.Response, err error) {
	p.mu.Lock()
	pr, ok := p.pending[requestID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, requestID)
	if pr.timer != nil {
		pr.timer.Stop()
	}

	if pr.slotIndex < len(p.slots) {
		s := p.slots[pr.slotIndex]
		if s.inFlight > 0 {
			s.inFlight--
		}
		if s.inFlight == 0 {
			s.busy = false
		}
	}

	if err != nil {
		p.failedRequests++
		if err == ErrRequestTimeout {
			p.timeouts++
			p.logger.Warn("worker request timed out", map[string]interface{}{
				"request":   requestID,
				"operation": pr.operationLabel,
				"timeout":   p.cfg.RequestTimeout().String(),
			})
		}
	} else {
		p.completedRequests++
		p.totalResponseTime += time.Since(pr.startedAt)
	}
	p.mu.Unlock()

	pr.result <- submitResult{resp: resp, err: err}
}

// responseLoop decodes worker responses and correlates them to their pending
// requests
func (p *Pool) responseLoop() {
	defer p.wg.Done()

	for {
		select {
		case data := <-p.responses:
			envelope, err := parse.DecodeMessage(data)
			if err != nil {
				p.logger.Warn("discarding malformed worker response", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			if envelope.Response != nil {
				p.completeRequest(envelope.Response.RequestID, envelope.Response, nil)
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// crashLoop self-heals crashed workers: every request pinned to the crashed
// worker is rejected, then the slot is respawned. Respawns are unlimited.
func (p *Pool) crashLoop() {
	defer p.wg.Done()

	for {
		select {
		case event := <-p.crashEvents:
			p.handleCrash(event)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) handleCrash(event crashEvent) {
	p.mu.Lock()
	if p.closed {
		// Close already terminated every worker; respawning here would
		// leak a worker nothing ever stops.
		p.mu.Unlock()
		return
	}
	slotIndex := -1
	for i, s := range p.slots {
		if s.worker != nil && s.worker.id == event.workerID {
			slotIndex = i
			break
		}
	}
	if slotIndex == -1 {
		p.mu.Unlock()
		return
	}

	var orphaned []*pendingRequest
	for id, pr := range p.pending {
		if pr.slotIndex == slotIndex {
			orphaned = append(orphaned, pr)
			delete(p.pending, id)
			if pr.timer != nil {
				pr.timer.Stop()
			}
		}
	}

	old := p.slots[slotIndex].worker
	old.terminate()
	p.slots[slotIndex] = &slot{worker: p.spawnWorker()}
	p.crashes++
	p.failedRequests += int64(len(orphaned))
	p.mu.Unlock()

	p.logger.Error("worker crashed, slot respawned", map[string]interface{}{
		"worker":           event.workerID,
		"error":            event.err.Error(),
		"rejected_pending": len(orphaned),
	})

	// Orphaned continuations are rejected explicitly before the slot is
	// reused so none of them dangles
	for _, pr := range orphaned {
		pr.result <- submitResult{err: fmt.Errorf("%w: %v", ErrWorkerCrashed, event.err)}
	}
}

// Broadcast posts a control message to every worker. Control messages are
// fire-and-forget; no response is correlated.
func (p *Pool) Broadcast(ctl parse.Control) {
	data, err := parse.Encode(&ctl)
	if err != nil {
		p.logger.Error("failed to encode control message", map[string]interface{}{
			"type":  ctl.Type,
			"error": err.Error(),
		})
		return
	}

	p.mu.Lock()
	targets := make([]*worker, 0, len(p.slots))
	for _, s := range p.slots {
		targets = append(targets, s.worker)
	}
	p.mu.Unlock()

	for _, w := range targets {
		w.post(data)
	}
}

// Close shuts the pool down: workers are terminated and every still-pending
// request is rejected with ErrPoolClosed
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	var orphaned []*pendingRequest
	for id, pr := range p.pending {
		orphaned = append(orphaned, pr)
		delete(p.pending, id)
		if pr.timer != nil {
			pr.timer.Stop()
		}
	}
	workers := make([]*worker, 0, len(p.slots))
	for _, s := range p.slots {
		workers = append(workers, s.worker)
	}
	p.mu.Unlock()

	for _, pr := range orphaned {
		pr.result <- submitResult{err: ErrPoolClosed}
	}
	for _, w := range workers {
		w.terminate()
	}

	p.cancel()
	p.wg.Wait()
}

// responseToResult converts a worker response into the caller-facing result
func responseToResult(resp *parse.Response) *parse.BatchResult {
	result := parse.NewBatchResult()
	for path, tasks := range resp.Tasks {
		result.Tasks[path] = tasks
	}
	for path, project := range resp.Projects {
		result.Projects[path] = project
	}
	for path, meta := range resp.Metadata {
		result.EnhancedMetadata[path] = meta
	}
	result.Metadata = resp.BatchMetadata
	result.Errors = resp.Errors
	return result
}
