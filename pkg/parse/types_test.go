package parse

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"
)

func TestOperationValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{"valid tasks op", Operation{Kind: KindTasks, FilePath: "notes/a.md"}, false},
		{"valid unified op", Operation{Kind: KindUnified, FilePath: "notes/a.md"}, false},
		{"unknown kind", Operation{Kind: "sentiment", FilePath: "notes/a.md"}, true},
		{"empty kind", Operation{FilePath: "notes/a.md"}, true},
		{"missing file path", Operation{Kind: KindTasks}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOperationBody(t *testing.T) {
	op := Operation{Kind: KindTasks, FilePath: "a.md", Content: "hello"}
	if got := op.Body(); got != "hello" {
		t.Errorf("Body() = %q, want %q", got, "hello")
	}

	op = Operation{Kind: KindTasks, FilePath: "a.md", ContentBytes: []byte("bytes win")}
	if got := op.Body(); got != "bytes win" {
		t.Errorf("Body() with byte payload = %q, want %q", got, "bytes win")
	}

	if op.BodySize() != len("bytes win") {
		t.Errorf("BodySize() = %d, want %d", op.BodySize(), len("bytes win"))
	}
}

func TestOperationDecodedBody(t *testing.T) {
	original := strings.Repeat("task text ", 2048)

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(original)); err != nil {
		t.Fatalf("failed to compress test payload: %v", err)
	}
	w.Close()

	op := Operation{
		Kind:            KindTasks,
		FilePath:        "a.md",
		ContentBytes:    buf.Bytes(),
		ContentEncoding: "gzip",
	}

	got, err := op.DecodedBody()
	if err != nil {
		t.Fatalf("DecodedBody() error = %v", err)
	}
	if got != original {
		t.Errorf("DecodedBody() did not round-trip: got %d bytes, want %d", len(got), len(original))
	}

	// Uncompressed payloads pass through untouched
	plain := Operation{Kind: KindTasks, FilePath: "a.md", Content: "plain"}
	got, err = plain.DecodedBody()
	if err != nil {
		t.Fatalf("DecodedBody() plain error = %v", err)
	}
	if got != "plain" {
		t.Errorf("DecodedBody() plain = %q, want %q", got, "plain")
	}
}

func TestOperationDecodedBodyCorrupt(t *testing.T) {
	op := Operation{
		Kind:            KindTasks,
		FilePath:        "a.md",
		ContentBytes:    []byte("not gzip at all"),
		ContentEncoding: "gzip",
	}
	if _, err := op.DecodedBody(); err == nil {
		t.Error("DecodedBody() with corrupt payload expected error, got nil")
	}
}

func TestBatchResultMerge(t *testing.T) {
	a := NewBatchResult()
	a.Tasks["one.md"] = []Task{{ID: "t1", FilePath: "one.md", Text: "first"}}
	a.Projects["one.md"] = &Project{ID: "alpha"}
	a.Metadata.TotalOperations = 2
	a.Metadata.SuccessCount = 2

	b := NewBatchResult()
	b.Tasks["two.md"] = []Task{{ID: "t2", FilePath: "two.md", Text: "second"}}
	b.Projects["two.md"] = nil // detected as not belonging to any project
	b.EnhancedMetadata["two.md"] = NoteMetadata{"word_count": 10}
	b.Metadata.TotalOperations = 1
	b.Metadata.SuccessCount = 0
	b.Metadata.ErrorCount = 1
	b.Errors = append(b.Errors, BatchError{FilePath: "two.md", Message: "boom"})

	a.Merge(b)

	if len(a.Tasks) != 2 {
		t.Errorf("merged Tasks = %d files, want 2", len(a.Tasks))
	}
	if _, ok := a.Projects["two.md"]; !ok {
		t.Error("merged Projects missing two.md nil entry")
	}
	if a.Metadata.TotalOperations != 3 {
		t.Errorf("merged TotalOperations = %d, want 3", a.Metadata.TotalOperations)
	}
	if a.Metadata.ErrorCount != 1 {
		t.Errorf("merged ErrorCount = %d, want 1", a.Metadata.ErrorCount)
	}
	if len(a.Errors) != 1 {
		t.Errorf("merged Errors = %d, want 1", len(a.Errors))
	}
}
