package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TheEntropyCollective/notemill/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/notemill/pkg/parse"
)

// inboxDepth buffers messages posted to a worker so dispatch never blocks on
// a busy worker (oversubscription is bounded upstream by the optimizer)
const inboxDepth = 64

// mirrorEntry is one record in a worker's local result mirror
type mirrorEntry struct {
	projectID  string
	tasks      []parse.Task
	project    *parse.Project
	hasProject bool
	metadata   parse.NoteMetadata
}

// worker is one background parse worker. It owns no shared state: messages
// arrive on its inbox as encoded envelopes, results leave on the pool's
// response channel, and crashes are reported on the crash channel.
type worker struct {
	id     int
	parser parse.Parser
	logger *logging.Logger

	inbox     chan []byte
	responses chan<- []byte
	crashes   chan<- crashEvent

	// mirror caches per-operation results local to this worker; control
	// messages keep it coherent with the engine's cache
	mirror map[string]mirrorEntry

	done chan struct{}
	stop sync.Once
}

// crashEvent reports a worker failure to the pool for self-healing
type crashEvent struct {
	workerID int
	err      error
}

func newWorker(id int, parser parse.Parser, responses chan<- []byte, crashes chan<- crashEvent, logger *logging.Logger) *worker {
	w := &worker{
		id:        id,
		parser:    parser,
		logger:    logger,
		inbox:     make(chan []byte, inboxDepth),
		responses: responses,
		crashes:   crashes,
		mirror:    make(map[string]mirrorEntry),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// post hands an encoded message to the worker. It drops the message when the
// worker has already terminated.
func (w *worker) post(data []byte) {
	select {
	case w.inbox <- data:
	case <-w.done:
	}
}

// terminate stops the worker's loop. Pending inbox messages are discarded.
// Safe to call more than once: Close and crash handling can both reach the
// same worker.
func (w *worker) terminate() {
	w.stop.Do(func() {
		close(w.done)
	})
}

// run is the worker's message loop. A panic anywhere in message handling is
// reported as a crash so the pool can respawn the slot.
func (w *worker) run() {
	defer func() {
		if r := recover(); r != nil {
			select {
			case w.crashes <- crashEvent{workerID: w.id, err: fmt.Errorf("worker %d panic: %v", w.id, r)}:
			case <-w.done:
			}
		}
	}()

	for {
		select {
		case data := <-w.inbox:
			w.handle(data)
		case <-w.done:
			return
		}
	}
}

// handle decodes and executes one message. Malformed messages are rejected at
// the boundary and logged; nothing downstream sees an unvalidated payload.
func (w *worker) handle(data []byte) {
	envelope, err := parse.DecodeMessage(data)
	if err != nil {
		w.logger.Warn("worker rejected malformed message", map[string]interface{}{
			"worker": w.id,
			"error":  err.Error(),
		})
		return
	}

	switch {
	case envelope.Request != nil:
		w.execute(envelope.Request)
	case envelope.Control != nil:
		w.control(envelope.Control)
	}
}

// control applies a fire-and-forget control message
func (w *worker) control(ctl *parse.Control) {
	switch ctl.Type {
	case parse.MsgClearCache:
		w.mirror = make(map[string]mirrorEntry)
	case parse.MsgInvalidateProject:
		for key, entry := range w.mirror {
			if entry.projectID == ctl.ProjectID {
				delete(w.mirror, key)
			}
		}
	case parse.MsgUpdateConfig:
		// Config changes invalidate everything derived from the old config
		w.mirror = make(map[string]mirrorEntry)
	}
}

// execute runs every operation in the request and posts one correlated
// response. A single failing operation is recorded and does not abort its
// siblings.
func (w *worker) execute(req *parse.Request) {
	start := time.Now()
	ctx := context.Background()

	resp := &parse.Response{
		Type:      parse.MsgUnifiedParseResponse,
		RequestID: req.RequestID,
		Tasks:     make(map[string][]parse.Task),
		Projects:  make(map[string]*parse.Project),
		Metadata:  make(map[string]parse.NoteMetadata),
	}
	resp.BatchMetadata.TotalOperations = len(req.Operations)

	for i := range req.Operations {
		op := &req.Operations[i]
		if err := w.executeOne(ctx, op, resp); err != nil {
			resp.BatchMetadata.ErrorCount++
			resp.Errors = append(resp.Errors, parse.BatchError{
				FilePath: op.FilePath,
				Kind:     string(op.Kind),
				Message:  err.Error(),
			})
			continue
		}
		resp.BatchMetadata.SuccessCount++
	}

	resp.ProcessingTime = time.Since(start)
	resp.BatchMetadata.ProcessingTime = resp.ProcessingTime

	data, err := parse.Encode(resp)
	if err != nil {
		w.logger.Error("worker failed to encode response", map[string]interface{}{
			"worker":  w.id,
			"request": req.RequestID,
			"error":   err.Error(),
		})
		return
	}

	select {
	case w.responses <- data:
	case <-w.done:
	}
}

// executeOne runs a single operation, consulting the local mirror first
func (w *worker) executeOne(ctx context.Context, op *parse.Operation, resp *parse.Response) error {
	fingerprint := parse.Fingerprint(op)
	if entry, ok := w.mirror[fingerprint]; ok {
		w.applyEntry(op.FilePath, entry, resp)
		resp.BatchMetadata.CacheHits++
		return nil
	}

	entry := mirrorEntry{projectID: op.ProjectID}
	content, err := op.DecodedBody()
	if err != nil {
		return err
	}

	switch op.Kind {
	case parse.KindTasks:
		tasks, err := w.parser.ParseTasks(ctx, op.FilePath, content)
		if err != nil {
			return err
		}
		entry.tasks = tasks

	case parse.KindProjects:
		project, err := w.parser.DetectProject(ctx, op.FilePath, op.FileMetadata, op.ConfigData)
		if err != nil {
			return err
		}
		entry.project = project
		entry.hasProject = true

	case parse.KindMetadata:
		meta, err := w.parser.ExtractMetadata(ctx, op.FilePath, content, op.FileMetadata)
		if err != nil {
			return err
		}
		entry.metadata = meta

	case parse.KindUnified:
		tasks, err := w.parser.ParseTasks(ctx, op.FilePath, content)
		if err != nil {
			return err
		}
		project, err := w.parser.DetectProject(ctx, op.FilePath, op.FileMetadata, op.ConfigData)
		if err != nil {
			return err
		}
		meta, err := w.parser.ExtractMetadata(ctx, op.FilePath, content, op.FileMetadata)
		if err != nil {
			return err
		}
		entry.tasks = tasks
		entry.project = project
		entry.hasProject = true
		entry.metadata = meta

	default:
		return fmt.Errorf("unsupported operation kind: %q", op.Kind)
	}

	w.mirror[fingerprint] = entry
	w.applyEntry(op.FilePath, entry, resp)
	return nil
}

// applyEntry folds a mirror entry into the response for one file path
func (w *worker) applyEntry(filePath string, entry mirrorEntry, resp *parse.Response) {
	if entry.tasks != nil {
		resp.Tasks[filePath] = entry.tasks
	}
	if entry.hasProject {
		// A nil project is a meaningful result: the note has no project
		resp.Projects[filePath] = entry.project
	}
	if entry.metadata != nil {
		resp.Metadata[filePath] = entry.metadata
	}
}
