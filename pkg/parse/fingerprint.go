package parse

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint computes a stable hash over (kind, file path, content) used for
// deduplication and cache keying. Identical work always produces the same
// fingerprint regardless of how the content was carried.
func Fingerprint(op *Operation) string {
	h := xxhash.New()
	h.WriteString(string(op.Kind))
	h.WriteString("\x00")
	h.WriteString(op.FilePath)
	h.WriteString("\x00")
	if op.ContentBytes != nil {
		h.Write(op.ContentBytes)
	} else {
		h.WriteString(op.Content)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// ContentFingerprint hashes raw content only, for config fingerprints and
// project-level change detection.
func ContentFingerprint(content []byte) string {
	return strconv.FormatUint(xxhash.Sum64(content), 16)
}
