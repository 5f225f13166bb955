package prepare

import "fmt"

// MissingDependencyError reports an artifact that must exist after a step but
// does not. It is fatal: the step that should have produced it reported success.
type MissingDependencyError struct {
	Artifact string
	// After names the step that should have produced the artifact.
	After string
}

func (e *MissingDependencyError) Error() string {
	if e == nil {
		return "missing dependency"
	}
	if e.After == "" {
		return fmt.Sprintf("missing %s", e.Artifact)
	}
	return fmt.Sprintf("missing %s after %s", e.Artifact, e.After)
}
