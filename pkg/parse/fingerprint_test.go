package parse

import "testing"

func TestFingerprintStable(t *testing.T) {
	op := Operation{Kind: KindTasks, FilePath: "notes/a.md", Content: "- [ ] write"}
	dup := Operation{Kind: KindTasks, FilePath: "notes/a.md", Content: "- [ ] write"}

	if Fingerprint(&op) != Fingerprint(&dup) {
		t.Error("identical operations produced different fingerprints")
	}
}

func TestFingerprintDiscriminates(t *testing.T) {
	base := Operation{Kind: KindTasks, FilePath: "notes/a.md", Content: "- [ ] write"}

	variants := []Operation{
		{Kind: KindMetadata, FilePath: "notes/a.md", Content: "- [ ] write"},
		{Kind: KindTasks, FilePath: "notes/b.md", Content: "- [ ] write"},
		{Kind: KindTasks, FilePath: "notes/a.md", Content: "- [x] write"},
	}

	baseFP := Fingerprint(&base)
	for i := range variants {
		if Fingerprint(&variants[i]) == baseFP {
			t.Errorf("variant %d collided with base fingerprint", i)
		}
	}
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	// Concatenation across field boundaries must not collide
	a := Operation{Kind: KindTasks, FilePath: "ab", Content: "c"}
	b := Operation{Kind: KindTasks, FilePath: "a", Content: "bc"}
	if Fingerprint(&a) == Fingerprint(&b) {
		t.Error("field boundary shift produced identical fingerprints")
	}
}

func TestFingerprintUsesByteContent(t *testing.T) {
	s := Operation{Kind: KindTasks, FilePath: "a.md", Content: "payload"}
	by := Operation{Kind: KindTasks, FilePath: "a.md", ContentBytes: []byte("payload")}
	if Fingerprint(&s) != Fingerprint(&by) {
		t.Error("equivalent string and byte payloads fingerprint differently")
	}
}
