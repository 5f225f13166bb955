package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recorder writes run.json and failure.json for preparation runs.
type Recorder struct {
	Store *Store
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewRecorder(store *Store) *Recorder { return &Recorder{Store: store} }

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// StartRun persists a new running Run with a fresh id.
func (r *Recorder) StartRun(domain, initialState string) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	run := Run{
		RunID:        uuid.NewString(),
		Domain:       domain,
		StartTime:    r.now(),
		InitialState: initialState,
		Status:       RunStatusRunning,
	}
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// FinishRun closes run with the outcome of the pipeline. A non-nil runErr marks
// the run failed and records its classification.
func (r *Recorder) FinishRun(run Run, runErr error) (Run, error) {
	if r == nil || r.Store == nil {
		return run, errors.New("Store is required")
	}
	end := r.now()
	if end.Before(run.StartTime) {
		end = run.StartTime
	}
	run.EndTime = &end
	run.Status = RunStatusSucceeded
	if runErr != nil {
		run.Status = RunStatusFailed
		if err := r.RecordFailure(run.RunID, runErr); err != nil {
			return run, fmt.Errorf("record failure: %w", err)
		}
	}
	if err := r.Store.SaveRun(run); err != nil {
		return run, err
	}
	return run, nil
}

func (r *Recorder) RecordFailure(runID string, err error) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	f, ferr := failureFromError(err)
	if ferr != nil {
		return ferr
	}
	return r.Store.SaveFailure(runID, f)
}
