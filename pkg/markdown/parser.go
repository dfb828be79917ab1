// Package markdown implements note parsing for markdown files: checkbox task
// extraction, directory-based project detection, and lightweight metadata
// extraction.
package markdown

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/TheEntropyCollective/notemill/pkg/parse"
)

var (
	taskLine = regexp.MustCompile(`^\s*[-*]\s+\[( |x|X)\]\s+(.*)$`)
	dueTag   = regexp.MustCompile(`@due\((\d{4}-\d{2}-\d{2})\)`)
	hashTag  = regexp.MustCompile(`(^|\s)#([\p{L}\p{N}_/-]+)`)
	wikiLink = regexp.MustCompile(`\[\[([^\]]+)\]\]`)
)

// Parser parses markdown notes. It is stateless and safe for concurrent use.
type Parser struct{}

// NewParser returns a markdown note parser
func NewParser() *Parser {
	return &Parser{}
}

// ParseTasks extracts checkbox tasks from markdown content. Task IDs are
// stable across reparses of identical lines.
func (p *Parser) ParseTasks(ctx context.Context, filePath, content string) ([]parse.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var tasks []parse.Task
	for lineNo, line := range strings.Split(content, "\n") {
		m := taskLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		text := strings.TrimSpace(m[2])
		task := parse.Task{
			ID:        taskID(filePath, lineNo, text),
			FilePath:  filePath,
			Line:      lineNo + 1,
			Text:      text,
			Completed: m[1] != " ",
		}
		if due := dueTag.FindStringSubmatch(text); due != nil {
			if t, err := time.Parse("2006-01-02", due[1]); err == nil {
				task.DueDate = &t
			}
		}
		if tags := collectTags(text); len(tags) > 0 {
			task.Annotations = map[string]interface{}{"tags": tags}
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// DetectProject resolves the project a note belongs to. Explicit config wins,
// then file metadata, then the note's parent directory. A note outside any
// recognizable project yields (nil, nil).
func (p *Parser) DetectProject(ctx context.Context, filePath string, fileMetadata map[string]interface{}, configData map[string]interface{}) (*parse.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if configData != nil {
		if id, ok := configData["project_id"].(string); ok && id != "" {
			name, _ := configData["project_name"].(string)
			if name == "" {
				name = id
			}
			return &parse.Project{
				ID:          id,
				Name:        name,
				RootPath:    filepath.Dir(filePath),
				ConfigHash:  configFingerprint(configData),
				DetectedVia: "config",
			}, nil
		}
	}

	if fileMetadata != nil {
		if id, ok := fileMetadata["project"].(string); ok && id != "" {
			return &parse.Project{
				ID:          id,
				Name:        id,
				RootPath:    filepath.Dir(filePath),
				DetectedVia: "frontmatter",
			}, nil
		}
	}

	dir := filepath.Dir(filePath)
	base := filepath.Base(dir)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return nil, nil
	}
	return &parse.Project{
		ID:          strings.ToLower(base),
		Name:        base,
		RootPath:    dir,
		DetectedVia: "directory",
	}, nil
}

// ExtractMetadata computes enhanced metadata for a note: word count, heading
// outline, tag and link inventories, and task totals.
func (p *Parser) ExtractMetadata(ctx context.Context, filePath, content string, fileMetadata map[string]interface{}) (parse.NoteMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var headings []string
	taskCount := 0
	completedCount := 0
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			headings = append(headings, strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
		}
		if m := taskLine.FindStringSubmatch(line); m != nil {
			taskCount++
			if m[1] != " " {
				completedCount++
			}
		}
	}

	meta := parse.NoteMetadata{
		"file_path":       filePath,
		"word_count":      len(strings.Fields(content)),
		"headings":        headings,
		"tags":            collectTags(content),
		"links":           collectLinks(content),
		"task_count":      taskCount,
		"completed_count": completedCount,
	}
	for k, v := range fileMetadata {
		meta["fm_"+k] = v
	}
	return meta, nil
}

func taskID(filePath string, line int, text string) string {
	h := xxhash.New()
	h.WriteString(filePath)
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", line)
	h.Write([]byte{0})
	h.WriteString(text)
	return fmt.Sprintf("task-%016x", h.Sum64())
}

func configFingerprint(configData map[string]interface{}) string {
	keys := make([]string, 0, len(configData))
	for k := range configData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := xxhash.New()
	for _, k := range keys {
		h.WriteString(k)
		fmt.Fprintf(h, "=%v;", configData[k])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func collectTags(s string) []string {
	var tags []string
	seen := make(map[string]struct{})
	for _, m := range hashTag.FindAllStringSubmatch(s, -1) {
		tag := m[2]
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

func collectLinks(s string) []string {
	var links []string
	seen := make(map[string]struct{})
	for _, m := range wikiLink.FindAllStringSubmatch(s, -1) {
		link := m[1]
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	return links
}
