package parse

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"time"
)

// OperationKind identifies what a parse operation extracts from a note.
type OperationKind string

const (
	KindTasks    OperationKind = "tasks"
	KindProjects OperationKind = "projects"
	KindMetadata OperationKind = "metadata"
	KindUnified  OperationKind = "unified"
)

// Valid reports whether the kind is one of the known operation kinds
func (k OperationKind) Valid() bool {
	switch k {
	case KindTasks, KindProjects, KindMetadata, KindUnified:
		return true
	}
	return false
}

// Priority controls dispatch ordering hints for a submission.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Operation describes one unit of parse work against a single note file.
// Operations are immutable once submitted.
type Operation struct {
	Kind         OperationKind          `json:"kind"`
	FilePath     string                 `json:"file_path"`
	Content      string                 `json:"content,omitempty"`
	ContentBytes []byte                 `json:"content_bytes,omitempty"`
	// ContentEncoding is "gzip" when ContentBytes carries a compressed
	// payload prepared by the optimizer
	ContentEncoding string                 `json:"content_encoding,omitempty"`
	FileMetadata    map[string]interface{} `json:"file_metadata,omitempty"`
	ConfigData      map[string]interface{} `json:"config_data,omitempty"`
	ProjectID       string                 `json:"project_id,omitempty"`
}

// Validate checks the operation is well-formed before it enters the pipeline
func (op *Operation) Validate() error {
	if !op.Kind.Valid() {
		return fmt.Errorf("invalid operation kind: %q", op.Kind)
	}
	if op.FilePath == "" {
		return fmt.Errorf("operation missing file path")
	}
	return nil
}

// Body returns the operation content regardless of which field carries it.
// Large payloads are handed off as byte buffers; small ones stay strings.
// Compressed payloads must go through DecodedBody instead.
func (op *Operation) Body() string {
	if op.ContentBytes != nil {
		return string(op.ContentBytes)
	}
	return op.Content
}

// DecodedBody returns the operation content, transparently decompressing
// payloads the optimizer compressed for transport
func (op *Operation) DecodedBody() (string, error) {
	if op.ContentEncoding == "gzip" {
		r, err := gzip.NewReader(bytes.NewReader(op.ContentBytes))
		if err != nil {
			return "", fmt.Errorf("failed to open compressed payload for %s: %w", op.FilePath, err)
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("failed to decompress payload for %s: %w", op.FilePath, err)
		}
		return string(data), nil
	}
	return op.Body(), nil
}

// BodySize returns the payload size in bytes without forcing a conversion
func (op *Operation) BodySize() int {
	if op.ContentBytes != nil {
		return len(op.ContentBytes)
	}
	return len(op.Content)
}

// Task is one extracted task item. The extraction grammar lives outside this
// module; workers only carry these values across the boundary.
type Task struct {
	ID          string                 `json:"id"`
	FilePath    string                 `json:"file_path"`
	Line        int                    `json:"line"`
	Text        string                 `json:"text"`
	Completed   bool                   `json:"completed"`
	DueDate     *time.Time             `json:"due_date,omitempty"`
	ProjectID   string                 `json:"project_id,omitempty"`
	Annotations map[string]interface{} `json:"annotations,omitempty"`
}

// Project is a detected project association for a note file
type Project struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	RootPath    string            `json:"root_path"`
	ConfigHash  string            `json:"config_hash,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	DetectedVia string            `json:"detected_via,omitempty"`
}

// NoteMetadata is the enhanced metadata extracted for a single file
type NoteMetadata map[string]interface{}

// BatchResult is the merged outcome of a submission after all batches settle.
type BatchResult struct {
	Tasks            map[string][]Task       `json:"tasks"`
	Projects         map[string]*Project     `json:"projects"`
	EnhancedMetadata map[string]NoteMetadata `json:"enhanced_metadata"`
	Metadata         BatchMetadata           `json:"batch_metadata"`
	Errors           []BatchError            `json:"errors,omitempty"`
}

// BatchMetadata summarizes how a batch was processed
type BatchMetadata struct {
	TotalOperations  int           `json:"total_operations"`
	SuccessCount     int           `json:"success_count"`
	ErrorCount       int           `json:"error_count"`
	CacheHits        int           `json:"cache_hits"`
	ProcessingTime   time.Duration `json:"processing_time"`
}

// BatchError records a per-operation failure that did not abort the batch
type BatchError struct {
	FilePath string `json:"file_path"`
	Kind     string `json:"kind,omitempty"`
	Message  string `json:"message"`
}

// NewBatchResult returns an empty result with all maps allocated
func NewBatchResult() *BatchResult {
	return &BatchResult{
		Tasks:            make(map[string][]Task),
		Projects:         make(map[string]*Project),
		EnhancedMetadata: make(map[string]NoteMetadata),
	}
}

// Merge folds another result into this one by key. Later entries win for
// per-path maps; metadata counters accumulate.
func (r *BatchResult) Merge(other *BatchResult) {
	if other == nil {
		return
	}
	for path, tasks := range other.Tasks {
		r.Tasks[path] = tasks
	}
	for path, project := range other.Projects {
		r.Projects[path] = project
	}
	for path, meta := range other.EnhancedMetadata {
		r.EnhancedMetadata[path] = meta
	}
	r.Metadata.TotalOperations += other.Metadata.TotalOperations
	r.Metadata.SuccessCount += other.Metadata.SuccessCount
	r.Metadata.ErrorCount += other.Metadata.ErrorCount
	r.Metadata.CacheHits += other.Metadata.CacheHits
	r.Errors = append(r.Errors, other.Errors...)
}
