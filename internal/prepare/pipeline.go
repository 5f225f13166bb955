package prepare

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"dumpprep/internal/extsort"
	"dumpprep/internal/merge"
	"dumpprep/internal/metrics"
	"dumpprep/internal/trace"
	"dumpprep/internal/workspace"
)

// Acquirer fetches and extracts a set of containers.
type Acquirer interface {
	AcquireAll(ctx context.Context, specs []workspace.ContainerSpec) error
}

// Pipeline turns a workspace into the final artifacts: users_with_badges.xml,
// posts_complete.xml and Tags.xml.
//
// Prepare is idempotent. Each step is skipped when its output is already
// present, so re-running after a failure resumes at the first missing output.
type Pipeline struct {
	Workspace *workspace.Workspace
	Layout    workspace.Layout
	Acquirer  Acquirer

	// DeleteSource removes raw streams once the stage consuming them succeeded.
	// Tags and PostLinks are always kept.
	DeleteSource bool
	// SortChunkRows bounds the rows held in memory by each external sort.
	SortChunkRows int

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Trace   trace.Sink

	joiner  *merge.Joiner
	initial workspace.State
}

// InitialState is the workspace state probed by the last Prepare call.
func (p *Pipeline) InitialState() workspace.State { return p.initial }

// Prepare runs the preparation state machine once.
func (p *Pipeline) Prepare(ctx context.Context) error {
	if p.Workspace == nil || p.Acquirer == nil {
		return errors.New("prepare: workspace and acquirer are required")
	}
	start := time.Now()
	log := p.logger().WithField("action", "prepare")

	if removed, err := p.Workspace.CleanStale(); err != nil {
		return fmt.Errorf("clean stale entries: %w", err)
	} else if len(removed) > 0 {
		log.WithField("entries", removed).Info("removed leftovers of an interrupted run")
	}

	specs := p.Layout.ContainerSpecs()
	snap, err := workspace.Probe(p.Workspace, specs)
	if err != nil {
		return fmt.Errorf("probe workspace: %w", err)
	}
	state := snap.State
	p.initial = state
	log.WithField("state", state.String()).Info("workspace probed")

	if state == workspace.StateReady {
		log.Info("prepared dumps already present; reusing")
		trace.SafeRecord(p.Trace, trace.Event{Kind: trace.EventPipelineReused})
		return nil
	}

	all := stages()
	if err := p.acquire(ctx, snap, specs, all, &state); err != nil {
		return err
	}

	if err := p.require(workspace.Tags.FileName(), "acquisition"); err != nil {
		return err
	}

	for _, st := range all {
		if err := p.runStage(ctx, snap, st, &state); err != nil {
			return err
		}
	}

	if err := advance(&state, workspace.StateReady); err != nil {
		return err
	}
	p.Metrics.ObserveStage("prepare", start)
	log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("prepared dumps completed")
	return nil
}

// acquire fetches the containers carrying raw streams that pending stages need.
func (p *Pipeline) acquire(ctx context.Context, snap workspace.Snapshot, specs []workspace.ContainerSpec, all []stage, state *workspace.State) error {
	log := p.logger().WithField("action", "acquire")

	required := requiredStreams(snap, all)
	missing := make(map[workspace.StreamName]bool)
	for _, s := range required {
		if !snap.Has(s.FileName()) {
			missing[s] = true
		}
	}
	if len(missing) == 0 {
		log.Info("extracted parts present; reusing")
		trace.SafeRecord(p.Trace, trace.Event{Kind: trace.EventAcquisitionSkipped})
		return nil
	}

	// Once a stage has consumed its shards, fetching them again is wasted work.
	if p.Layout.Sharded && (snap.Has(workspace.UsersWithBadges) || snap.Has(workspace.PostsComplete)) {
		specs = carrying(specs, missing)
	}

	start := time.Now()
	if err := p.Acquirer.AcquireAll(ctx, specs); err != nil {
		return err
	}
	p.Metrics.ObserveStage("acquire", start)

	if *state < workspace.StateRawStreamsPresent {
		return advance(state, workspace.StateRawStreamsPresent)
	}
	return nil
}

// requiredStreams lists the raw streams still needed: the inputs of every
// stage whose artifact is missing, plus the streams kept for downstream use.
func requiredStreams(snap workspace.Snapshot, all []stage) []workspace.StreamName {
	need := map[workspace.StreamName]bool{workspace.Tags: true, workspace.PostLinks: true}
	for _, st := range all {
		if snap.Has(st.artifact) {
			continue
		}
		for _, in := range st.inputs {
			need[in] = true
		}
	}
	var out []workspace.StreamName
	for _, s := range workspace.StreamNames() {
		if need[s] {
			out = append(out, s)
		}
	}
	return out
}

func carrying(specs []workspace.ContainerSpec, missing map[workspace.StreamName]bool) []workspace.ContainerSpec {
	var out []workspace.ContainerSpec
	for _, c := range specs {
		for _, s := range c.Streams {
			if missing[s] {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (p *Pipeline) runStage(ctx context.Context, snap workspace.Snapshot, st stage, state *workspace.State) error {
	log := p.logger().WithFields(logrus.Fields{"action": "merge", "stage": st.name})

	if snap.Has(st.artifact) {
		log.Info("artifact present; reusing")
		trace.SafeRecord(p.Trace, trace.Event{Kind: trace.EventStageReused, Subject: st.name, Reason: "ArtifactPresent"})
	} else {
		for _, in := range st.inputs {
			if err := p.require(in.FileName(), "acquisition"); err != nil {
				return err
			}
		}

		tmp, err := p.Workspace.SortDir(st.name)
		if err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
		start := time.Now()
		err = st.build(ctx, p, tmp)
		if rmErr := os.RemoveAll(tmp); rmErr != nil {
			log.WithError(rmErr).Warn("cannot remove intermediate files")
		}
		if err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
		p.Metrics.ObserveStage(st.name, start)
		log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("stage completed")
		trace.SafeRecord(p.Trace, trace.Event{Kind: trace.EventStageMerged, Subject: st.name, Artifacts: []string{st.artifact}})

		if err := p.require(st.artifact, st.name); err != nil {
			return err
		}
	}

	if p.DeleteSource {
		names := make([]string, len(st.inputs))
		for i, in := range st.inputs {
			names[i] = in.FileName()
		}
		if err := p.Workspace.Remove(names...); err != nil {
			return fmt.Errorf("%s: remove consumed streams: %w", st.name, err)
		}
	}

	if *state < st.reached {
		return advance(state, st.reached)
	}
	return nil
}

func (p *Pipeline) require(name, after string) error {
	ok, err := p.Workspace.Exists(name)
	if err != nil {
		return err
	}
	if !ok {
		return &MissingDependencyError{Artifact: name, After: after}
	}
	return nil
}

func (p *Pipeline) sort(ctx context.Context, stageName, src, dst string, opts extsort.Options) error {
	opts.ChunkRows = p.SortChunkRows
	start := time.Now()
	stats, err := extsort.Sort(ctx, src, dst, opts)
	if err != nil {
		return fmt.Errorf("sort by %s: %w", opts.Key, err)
	}
	p.logger().WithFields(logrus.Fields{
		"action":   "sort",
		"stage":    stageName,
		"key":      opts.Key,
		"rows":     stats.Rows,
		"runs":     stats.Runs,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("sorted")
	return nil
}

func (p *Pipeline) merge(ctx context.Context, spec merge.JoinSpec) error {
	if p.joiner == nil {
		p.joiner = merge.NewJoiner(p.logger(), p.Metrics)
	}
	_, err := p.joiner.Merge(ctx, spec)
	return err
}

func (p *Pipeline) logger() logrus.FieldLogger {
	if p.Logger == nil {
		return logrus.StandardLogger()
	}
	return p.Logger
}

func advance(state *workspace.State, to workspace.State) error {
	return workspace.Transition(state, *state, to)
}
