package trace

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// ComputeHash returns the hex blake3-256 digest of a canonical trace encoding.
// The input is expected to come from PipelineTrace.CanonicalJSON. Empty input
// hashes to the empty string.
func ComputeHash(canonical []byte) string {
	if len(canonical) == 0 {
		return ""
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
