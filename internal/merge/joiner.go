package merge

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"dumpprep/internal/metrics"
	"dumpprep/internal/workspace"
	"dumpprep/internal/xmlstream"
)

// Stats summarizes one merge. Attached and Orphans are indexed like
// JoinSpec.Secondaries.
type Stats struct {
	Primary  int64
	Attached []int64
	Orphans  []int64
}

// Joiner runs merge stages.
type Joiner struct {
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

func NewJoiner(logger logrus.FieldLogger, m *metrics.Metrics) *Joiner {
	return &Joiner{logger: logger, metrics: m}
}

// Merge joins the secondaries of spec onto its primary and commits the result
// to spec.Output.
//
// For each primary row, in primary order:
//  1. every secondary cursor skips rows keyed below the primary key (orphans);
//  2. rows keyed equal to the primary key are attached, in secondary order;
//  3. the primary row is written once with its attachments.
//
// Secondary rows left after the last primary row are orphans too. The output
// file only appears if the whole stream merged without integrity violations.
func (j *Joiner) Merge(ctx context.Context, spec JoinSpec) (Stats, error) {
	if err := spec.validate(); err != nil {
		return Stats{}, err
	}
	start := time.Now()
	log := j.logger.WithFields(logrus.Fields{"action": "merge", "stage": spec.Name})
	log.WithField("output", filepath.Base(spec.Output)).Info("merging streams")

	primary, err := openCursor(spec.Primary, true)
	if err != nil {
		return Stats{}, fmt.Errorf("merge %s: %w", spec.Name, err)
	}
	defer primary.close()

	secs := make([]*cursor, 0, len(spec.Secondaries))
	defer func() {
		for _, c := range secs {
			_ = c.close()
		}
	}()
	for _, s := range spec.Secondaries {
		c, err := openCursor(s.Input, false)
		if err != nil {
			return Stats{}, fmt.Errorf("merge %s: %w", spec.Name, err)
		}
		secs = append(secs, c)
	}

	root := spec.Root
	if root == "" {
		root = primary.r.Root()
	}
	element := spec.Element
	if element == "" {
		element = "row"
	}

	out, err := workspace.CreateAtomic(spec.Output)
	if err != nil {
		return Stats{}, fmt.Errorf("merge %s: create output: %w", spec.Name, err)
	}
	defer out.Abort()
	w := xmlstream.NewWriter(out, root)

	stats := Stats{Attached: make([]int64, len(secs)), Orphans: make([]int64, len(secs))}
	groups := make([]xmlstream.Group, len(secs))
	for i, s := range spec.Secondaries {
		groups[i] = xmlstream.Group{Wrapper: s.Wrapper, Element: s.Element}
	}

	for primary.ok {
		for i, c := range secs {
			groups[i].Rows = groups[i].Rows[:0]
			for c.ok && c.rowKey < primary.rowKey {
				stats.Orphans[i]++
				if err := c.advance(); err != nil {
					return Stats{}, fmt.Errorf("merge %s: %w", spec.Name, err)
				}
			}
			for c.ok && c.rowKey == primary.rowKey {
				groups[i].Rows = append(groups[i].Rows, c.row)
				stats.Attached[i]++
				if err := c.advance(); err != nil {
					return Stats{}, fmt.Errorf("merge %s: %w", spec.Name, err)
				}
			}
		}
		if err := w.Write(element, primary.row, groups...); err != nil {
			return Stats{}, fmt.Errorf("merge %s: write: %w", spec.Name, err)
		}
		stats.Primary++
		if stats.Primary%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return Stats{}, err
			}
		}
		if err := primary.advance(); err != nil {
			return Stats{}, fmt.Errorf("merge %s: %w", spec.Name, err)
		}
	}

	// Drain: remaining secondary rows have no primary, but still have to be in order.
	for i, c := range secs {
		for c.ok {
			stats.Orphans[i]++
			if err := c.advance(); err != nil {
				return Stats{}, fmt.Errorf("merge %s: %w", spec.Name, err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return Stats{}, fmt.Errorf("merge %s: write: %w", spec.Name, err)
	}
	if err := out.Commit(); err != nil {
		return Stats{}, fmt.Errorf("merge %s: commit: %w", spec.Name, err)
	}

	j.metrics.MergeRows(spec.Name, stats.Primary)
	fields := logrus.Fields{"rows": stats.Primary, "took": time.Since(start).Round(time.Millisecond)}
	for i, s := range spec.Secondaries {
		name := filepath.Base(s.Path)
		j.metrics.MergeOrphans(spec.Name, name, stats.Orphans[i])
		fields[s.Wrapper] = stats.Attached[i]
		if stats.Orphans[i] > 0 {
			fields[s.Wrapper+"_orphans"] = stats.Orphans[i]
		}
	}
	log.WithFields(fields).Info("merge complete")
	return stats, nil
}
