package acquire

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dumpprep/internal/trace"
	"dumpprep/internal/workspace"
)

// ContainerFetcher downloads a container to a local path.
type ContainerFetcher interface {
	Fetch(ctx context.Context, url, destPath string) error
}

// ContainerExtractor expands a container into the workspace.
type ContainerExtractor interface {
	Extract(ctx context.Context, containerPath, workspaceDir string, deleteSource bool) ([]workspace.StreamName, error)
}

var errNotSettled = errors.New("task did not settle")

// Coordinator acquires a set of containers on a bounded worker pool.
//
// Tasks never cancel each other: a failed container does not stop its siblings,
// and every outcome is inspected after all tasks have joined.
type Coordinator struct {
	Workspace *workspace.Workspace
	Fetcher   ContainerFetcher
	Extractor ContainerExtractor
	Logger    logrus.FieldLogger
	Trace     trace.Sink

	// Workers bounds the pool; <= 0 means one worker per container.
	Workers      int
	DeleteSource bool
}

type taskResult struct {
	spec      workspace.ContainerSpec
	streams   []workspace.StreamName
	err       error
	completed bool
}

// AcquireAll fetches (unless present) and extracts every container in specs.
// It returns nil only when every container succeeded; otherwise a single
// *AcquisitionError names each failed container.
func (c *Coordinator) AcquireAll(ctx context.Context, specs []workspace.ContainerSpec) error {
	if len(specs) == 0 {
		return nil
	}
	log := c.logger().WithField("action", "acquire")

	width := c.Workers
	if width <= 0 || width > len(specs) {
		width = len(specs)
	}
	log.WithFields(logrus.Fields{"containers": len(specs), "workers": width}).Info("acquiring containers")

	results := make([]taskResult, len(specs))
	var g errgroup.Group
	g.SetLimit(width)
	for i, spec := range specs {
		results[i].spec = spec
		i, spec := i, spec
		g.Go(func() error {
			streams, err := c.runTask(ctx, spec)
			results[i].streams = streams
			results[i].err = err
			results[i].completed = true
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	var failed []string
	for _, r := range results {
		err := r.err
		if !r.completed {
			err = errNotSettled
		}
		if err == nil {
			continue
		}
		name := r.spec.LocalName
		log.WithField("container", name).WithError(err).Error("container acquisition failed")
		trace.SafeRecord(c.Trace, trace.Event{Kind: trace.EventContainerFailed, Subject: name})
		failed = append(failed, name)
		merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
	}
	if len(failed) > 0 {
		return &AcquisitionError{Failed: failed, Err: merr.ErrorOrNil()}
	}
	log.Info("all containers acquired")
	return nil
}

func (c *Coordinator) runTask(ctx context.Context, spec workspace.ContainerSpec) (streams []workspace.StreamName, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	present, err := c.Workspace.Exists(spec.LocalName)
	if err != nil {
		return nil, err
	}
	dest := c.Workspace.Path(spec.LocalName)
	if present {
		c.logger().WithFields(logrus.Fields{"action": "fetch", "container": spec.LocalName}).Info("container present; reusing")
		trace.SafeRecord(c.Trace, trace.Event{Kind: trace.EventContainerReused, Subject: spec.LocalName})
	} else {
		if err := c.Fetcher.Fetch(ctx, spec.URL, dest); err != nil {
			return nil, err
		}
		trace.SafeRecord(c.Trace, trace.Event{Kind: trace.EventContainerDownloaded, Subject: spec.LocalName})
	}

	streams, err = c.Extractor.Extract(ctx, dest, c.Workspace.Dir(), c.DeleteSource)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(streams))
	for i, s := range streams {
		files[i] = s.FileName()
	}
	trace.SafeRecord(c.Trace, trace.Event{Kind: trace.EventContainerExtracted, Subject: spec.LocalName, Artifacts: files})
	return streams, nil
}

func (c *Coordinator) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}
