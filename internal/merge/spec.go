package merge

import (
	"errors"
	"fmt"

	"dumpprep/internal/xmlstream"
)

// Input is one stream taking part in a join.
type Input struct {
	Path string

	// Key is the integer attribute the stream is sorted by and joined on.
	Key string

	// Keep, if set, skips rows for which it returns false. Skipped rows are
	// neither emitted nor attached and do not take part in order checks.
	Keep func(xmlstream.Row) bool
}

// Secondary is a stream whose rows are attached to matching primary rows,
// renamed to Element under a Wrapper element.
type Secondary struct {
	Input
	Wrapper string
	Element string
}

// JoinSpec declares one merge stage.
type JoinSpec struct {
	// Name identifies the stage in logs and metrics.
	Name string

	// Output is the path of the derived artifact.
	Output string

	Primary     Input
	Secondaries []Secondary

	// Root and Element name the output root and row elements.
	// They default to the primary root and "row".
	Root    string
	Element string
}

func (s JoinSpec) validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if s.Output == "" {
		errs = append(errs, errors.New("output is required"))
	}
	if s.Primary.Path == "" || s.Primary.Key == "" {
		errs = append(errs, errors.New("primary path and key are required"))
	}
	if len(s.Secondaries) == 0 {
		errs = append(errs, errors.New("at least one secondary is required"))
	}
	for i, sec := range s.Secondaries {
		if sec.Path == "" || sec.Key == "" {
			errs = append(errs, fmt.Errorf("secondaries[%d]: path and key are required", i))
		}
		if sec.Wrapper == "" || sec.Element == "" {
			errs = append(errs, fmt.Errorf("secondaries[%d]: wrapper and element are required", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid join spec %q: %w", s.Name, errors.Join(errs...))
}
