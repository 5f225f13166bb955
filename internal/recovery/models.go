package recovery

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persistent metadata of one preparation attempt.
//
// end_time stays null while the run is in progress or when the process died
// before it could finish the record.
type Run struct {
	RunID        string     `json:"run_id"`
	Domain       string     `json:"domain"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	InitialState string     `json:"initial_state"`
	Status       RunStatus  `json:"status"`
	Vintage      string     `json:"vintage,omitempty"`
	// TraceHash is the blake3 digest of the run's canonical trace. Two runs
	// with equal hashes made the same decisions.
	TraceHash string `json:"trace_hash,omitempty"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Domain) == "" {
		errs = append(errs, errors.New("domain is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end_time must not precede start_time"))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassFetch             FailureClass = "fetch"
	FailureClassExtraction        FailureClass = "extraction"
	FailureClassAcquisition       FailureClass = "acquisition"
	FailureClassMissingDependency FailureClass = "missing_dependency"
	FailureClassDataIntegrity     FailureClass = "data_integrity"
	FailureClassSystem            FailureClass = "system"
)

// Failure is the recorded reason a run terminated.
//
// Resumable tells whether re-running over the same workspace can succeed
// without operator action: transport and interruption failures can, a corrupt
// or inconsistent dump cannot.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	// Subject is the container, artifact or stream the failure is about.
	Subject      *string `json:"subject,omitempty"`
	ErrorCode    string  `json:"error_code"`
	ErrorMessage string  `json:"error_message"`
	Resumable    bool    `json:"resumable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassFetch, FailureClassExtraction, FailureClassAcquisition,
		FailureClassMissingDependency, FailureClassDataIntegrity, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Subject != nil && strings.TrimSpace(*f.Subject) == "" {
		errs = append(errs, errors.New("subject must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
