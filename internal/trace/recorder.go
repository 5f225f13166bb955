package trace

import (
	"os"
	"sync"
)

// Sink is what the pipeline components depend on.
//
// Record must be inert: it must not panic and has no error to return. Callers
// assume it may be a no-op.
type Sink interface {
	Record(event Event)
}

// SafeRecord records an event and swallows panics from a buggy sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory collector. Acquisition tasks record
// from several goroutines; ordering is fixed afterwards by Canonicalize.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all recorded events.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events have one of the given kinds.
func (r *Recorder) Count(kinds ...EventKind) int {
	n := 0
	for _, e := range r.Snapshot() {
		for _, k := range kinds {
			if e.Kind == k {
				n++
				break
			}
		}
	}
	return n
}

// Trace builds a canonical PipelineTrace from the recorded events.
func (r *Recorder) Trace(domain string) PipelineTrace {
	tr := PipelineTrace{Domain: domain, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}

// Hash returns the blake3 digest of the canonical trace recorded so far.
func (r *Recorder) Hash(domain string) (string, error) {
	return r.Trace(domain).Hash()
}

// WriteFile writes the canonical JSON trace to path.
func (r *Recorder) WriteFile(domain, path string) error {
	b, err := r.Trace(domain).CanonicalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
