package acquire

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedContainer is returned for container files whose format cannot
// be recognized from their suffix.
var ErrUnsupportedContainer = errors.New("unsupported container format")

// FetchError reports a failed download of a single container.
type FetchError struct {
	URL string
	// StatusCode is the HTTP status when the mirror answered, 0 otherwise.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "fetch error"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ExtractionError reports a container that could not be expanded. Nothing from
// the container is visible in the workspace when it is returned.
type ExtractionError struct {
	Container string
	Err       error
}

func (e *ExtractionError) Error() string {
	if e == nil {
		return "extraction error"
	}
	return fmt.Sprintf("extract %s: %v", e.Container, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AcquisitionError aggregates the failed containers of one AcquireAll call.
// Err is a *multierror.Error holding one wrapped error per failed container.
type AcquisitionError struct {
	Failed []string
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e == nil {
		return "acquisition error"
	}
	return fmt.Sprintf("unable to complete download and extraction of %d container(s): %s",
		len(e.Failed), strings.Join(e.Failed, ", "))
}

func (e *AcquisitionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
