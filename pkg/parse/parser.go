package parse

import "context"

// Parser is the narrow collaborator that owns the actual extraction grammar.
// The engine never inspects note syntax itself; workers invoke a Parser for
// each operation and carry the results back across the boundary.
//
// Implementations must be safe for concurrent use: every worker in the pool
// shares one Parser instance.
type Parser interface {
	// ParseTasks extracts task items from a note's content
	ParseTasks(ctx context.Context, filePath, content string) ([]Task, error)

	// DetectProject resolves the project a note belongs to, or nil when the
	// note is not part of any project
	DetectProject(ctx context.Context, filePath string, fileMetadata, configData map[string]interface{}) (*Project, error)

	// ExtractMetadata computes enhanced metadata for a note
	ExtractMetadata(ctx context.Context, filePath, content string, fileMetadata map[string]interface{}) (NoteMetadata, error)
}
