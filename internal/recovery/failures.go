package recovery

import (
	"context"
	"errors"
	"strings"

	"dumpprep/internal/acquire"
	"dumpprep/internal/prepare"
	"dumpprep/internal/xmlstream"
)

// failureFromError classifies err into the failure taxonomy.
//
// AcquisitionError is checked first: it wraps the per-container fetch and
// extraction errors, and the aggregate is what the run failed on.
func failureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var ae *acquire.AcquisitionError
	if errors.As(err, &ae) && ae != nil {
		return Failure{
			FailureClass: FailureClassAcquisition,
			Subject:      subject(strings.Join(ae.Failed, ",")),
			ErrorCode:    "AcquisitionFailed",
			ErrorMessage: err.Error(),
			Resumable:    true,
		}, nil
	}

	var fe *acquire.FetchError
	if errors.As(err, &fe) && fe != nil {
		return Failure{
			FailureClass: FailureClassFetch,
			Subject:      subject(fe.URL),
			ErrorCode:    "FetchFailed",
			ErrorMessage: err.Error(),
			Resumable:    true,
		}, nil
	}

	var ee *acquire.ExtractionError
	if errors.As(err, &ee) && ee != nil {
		code := "ExtractionFailed"
		if errors.Is(err, acquire.ErrUnsupportedContainer) {
			code = "UnsupportedContainer"
		}
		return Failure{
			FailureClass: FailureClassExtraction,
			Subject:      subject(ee.Container),
			ErrorCode:    code,
			ErrorMessage: err.Error(),
			// The container stays in the workspace and is not fetched again.
			Resumable: false,
		}, nil
	}

	var md *prepare.MissingDependencyError
	if errors.As(err, &md) && md != nil {
		return Failure{
			FailureClass: FailureClassMissingDependency,
			Subject:      subject(md.Artifact),
			ErrorCode:    "MissingDependency",
			ErrorMessage: err.Error(),
			Resumable:    false,
		}, nil
	}

	var di *xmlstream.DataIntegrityError
	if errors.As(err, &di) && di != nil {
		code := "DataIntegrity"
		switch {
		case errors.Is(err, xmlstream.ErrKeyOrder):
			code = "KeyOrder"
		case errors.Is(err, xmlstream.ErrKeyMissing):
			code = "KeyMissing"
		case errors.Is(err, xmlstream.ErrKeyInvalid):
			code = "KeyInvalid"
		}
		return Failure{
			FailureClass: FailureClassDataIntegrity,
			Subject:      subject(di.Stream),
			ErrorCode:    code,
			ErrorMessage: err.Error(),
			Resumable:    false,
		}, nil
	}

	if errors.Is(err, context.Canceled) {
		return Failure{
			FailureClass: FailureClassSystem,
			ErrorCode:    "Interrupted",
			ErrorMessage: err.Error(),
			Resumable:    true,
		}, nil
	}

	return Failure{
		FailureClass: FailureClassSystem,
		ErrorCode:    "UnknownError",
		ErrorMessage: err.Error(),
		Resumable:    true,
	}, nil
}

func subject(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
