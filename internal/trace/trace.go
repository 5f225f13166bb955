package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// PipelineTrace is the canonical, deterministic record of one Prepare run.
//
// Invariants:
//   - Records logical decisions (downloaded, reused, merged), not runtime details.
//   - Contains no timestamps, byte counts, durations or error strings.
//   - Event order is independent of acquisition scheduling; Canonicalize fixes it.
//
// Two runs over the same workspace that take the same decisions produce the
// same canonical bytes, which is what resume tests compare.
type PipelineTrace struct {
	Domain string
	Events []Event
}

// EventKind is the stable discriminator for Event.
// The string values are part of the canonical bytes; do not rename.
type EventKind string

const (
	EventContainerDownloaded EventKind = "ContainerDownloaded"
	EventContainerReused     EventKind = "ContainerReused"
	EventContainerExtracted  EventKind = "ContainerExtracted"
	EventContainerFailed     EventKind = "ContainerFailed"
	EventAcquisitionSkipped  EventKind = "AcquisitionSkipped"
	EventStageMerged         EventKind = "StageMerged"
	EventStageReused         EventKind = "StageReused"
	EventPipelineReused      EventKind = "PipelineReused"
)

// Event is a single logical decision.
type Event struct {
	Kind EventKind

	// Subject is the container file name or stage name the event refers to.
	// Pipeline-level events (PipelineReused, AcquisitionSkipped) leave it empty.
	Subject string

	// Reason is a stable reason code, e.g. "ArtifactPresent".
	Reason string

	// Artifacts lists file names produced or reused by the decision.
	Artifacts []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *PipelineTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Domain == "" {
		return errors.New("domain is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if needsSubject(e.Kind) && e.Subject == "" {
			return fmt.Errorf("events[%d].subject is required for kind %q", i, e.Kind)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

func needsSubject(kind EventKind) bool {
	switch kind {
	case EventPipelineReused, EventAcquisitionSkipped:
		return false
	default:
		return true
	}
}

// Canonicalize normalizes and sorts the trace in place.
//
// Events are stably sorted by (subject, kindOrder, reason, artifacts); artifact
// lists are copied, sorted, and empty lists become nil.
func (t *PipelineTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		t.Events[i].Artifacts = sortedCopy(t.Events[i].Artifacts)
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return lessStrings(a.Artifacts, b.Artifacts)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventPipelineReused:
		return 10
	case EventAcquisitionSkipped:
		return 20
	case EventContainerReused:
		return 30
	case EventContainerDownloaded:
		return 40
	case EventContainerExtracted:
		return 50
	case EventContainerFailed:
		return 60
	case EventStageReused:
		return 70
	case EventStageMerged:
		return 80
	default:
		return 1000
	}
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func lessStrings(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy, leaving the caller's slices untouched.
func (t PipelineTrace) CanonicalJSON() ([]byte, error) {
	c := PipelineTrace{Domain: t.Domain, Events: make([]Event, len(t.Events))}
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the hex blake3 digest of the canonical JSON bytes.
func (t PipelineTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeHash(b), nil
}

// MarshalJSON fixes field order. It does not sort; use CanonicalJSON for that.
func (t PipelineTrace) MarshalJSON() ([]byte, error) {
	if t.Domain == "" {
		return nil, errors.New("domain is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"domain":`)
	writeString(&buf, t.Domain)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeString(&buf, string(e.Kind))

	if e.Subject != "" {
		buf.WriteString(`,"subject":`)
		writeString(&buf, e.Subject)
	}
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		writeString(&buf, e.Reason)
	}
	if artifacts := sortedCopy(e.Artifacts); len(artifacts) > 0 {
		buf.WriteString(`,"artifacts":[`)
		for i, a := range artifacts {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(&buf, a)
		}
		buf.WriteByte(']')
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
