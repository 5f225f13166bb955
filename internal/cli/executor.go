package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"dumpprep/internal/acquire"
	"dumpprep/internal/config"
	"dumpprep/internal/metrics"
	"dumpprep/internal/prepare"
	"dumpprep/internal/recovery"
	"dumpprep/internal/trace"
	"dumpprep/internal/vintage"
	"dumpprep/internal/workspace"
)

// VintageResolver dates the dump from the mirror.
type VintageResolver interface {
	Resolve(ctx context.Context, url string) vintage.Vintage
}

// Deps replaces the network-facing parts of a run. Zero values select the real
// implementations.
type Deps struct {
	Acquirer prepare.Acquirer
	Resolver VintageResolver
	LogOut   io.Writer
	Now      func() time.Time
}

type CLIResult struct {
	ExitCode     int
	RunID        string
	InitialState workspace.State
	Vintage      vintage.Vintage
	// DumpDate is the vintage, or today when the mirror gave no usable date.
	DumpDate time.Time
}

// Execute runs the pipeline for a validated configuration.
func Execute(ctx context.Context, cfg *config.Config) (CLIResult, error) {
	return ExecuteWith(ctx, cfg, Deps{})
}

// ExecuteWith runs the pipeline with deps substituted.
//
// Responsibilities:
//   - Record the run (and its failure, if any) under the state directory.
//   - Write the trace and metrics files when configured, also on failure.
//   - Translate outcomes to semantic exit codes.
func ExecuteWith(ctx context.Context, cfg *config.Config, deps Deps) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	if cfg == nil {
		return res, errors.New("nil config")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	downloader, err := acquire.ParseDownloader(cfg.Downloader)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}

	logger := newLogger(cfg, deps.LogOut)
	log := logger.WithField("domain", cfg.Domain)

	ws, err := workspace.New(cfg.Workspace)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}

	store, err := recovery.NewStore(cfg.StateDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	if prev, ok, err := store.LatestRun(); err != nil {
		log.WithError(err).Warn("cannot read previous runs")
	} else if ok && prev.Status != recovery.RunStatusSucceeded {
		log.WithFields(logrus.Fields{"previous_run_id": prev.RunID, "previous_status": prev.Status}).Info("resuming after unfinished run")
	}

	rec := &recovery.Recorder{Store: store, Now: now}
	run, err := rec.StartRun(cfg.Domain, "")
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, fmt.Errorf("record run: %w", err)
	}
	res.RunID = run.RunID
	log = log.WithField("run_id", run.RunID)

	m := metrics.New()
	tr := trace.NewRecorder()

	acq := deps.Acquirer
	if acq == nil {
		fetcher := acquire.NewFetcher(log, m)
		fetcher.UserAgent = cfg.UserAgent
		fetcher.Downloader = downloader
		acq = &acquire.Coordinator{
			Workspace:    ws,
			Fetcher:      fetcher,
			Extractor:    acquire.NewExtractor(log, m),
			Logger:       log,
			Trace:        tr,
			Workers:      cfg.Workers,
			DeleteSource: cfg.DeleteSource(),
		}
	}

	pipeline := &prepare.Pipeline{
		Workspace:     ws,
		Layout:        cfg.Layout(),
		Acquirer:      acq,
		DeleteSource:  cfg.DeleteSource(),
		SortChunkRows: cfg.SortChunkRows,
		Logger:        log,
		Metrics:       m,
		Trace:         tr,
	}

	defer func() {
		if p := recover(); p != nil {
			execErr = fmt.Errorf("panic: %v", p)
			res.ExitCode = ExitInternalError
		}
		run.InitialState = pipeline.InitialState().String()
		if res.Vintage.Known {
			run.Vintage = res.Vintage.String()
		}
		writeOutputs(cfg, tr, m, log)
		if hash, err := tr.Hash(cfg.Domain); err != nil {
			log.WithError(err).Warn("cannot hash trace")
		} else {
			run.TraceHash = hash
			log.WithField("trace_hash", hash).Debug("trace recorded")
		}
		if _, err := rec.FinishRun(run, execErr); err != nil {
			log.WithError(err).Error("cannot record run outcome")
		}
	}()

	if err := pipeline.Prepare(ctx); err != nil {
		log.WithError(err).Error("preparation failed")
		res.InitialState = pipeline.InitialState()
		res.ExitCode = ExitPipelineFailure
		return res, err
	}
	res.InitialState = pipeline.InitialState()

	resolver := deps.Resolver
	if resolver == nil {
		r := vintage.NewResolver(log)
		r.UserAgent = cfg.UserAgent
		resolver = r
	}
	res.Vintage = resolver.Resolve(ctx, cfg.Layout().Primary().URL)
	res.DumpDate = res.Vintage.OrToday(now())
	if !res.Vintage.Known {
		log.WithField("dump_date", res.DumpDate.Format("2006-01-02")).Warn("dump vintage unverified; using today")
	} else {
		log.WithField("vintage", res.Vintage.String()).Info("dump vintage")
	}

	res.ExitCode = ExitSuccess
	return res, nil
}

func writeOutputs(cfg *config.Config, tr *trace.Recorder, m *metrics.Metrics, log logrus.FieldLogger) {
	if cfg.TraceFile != "" {
		if err := tr.WriteFile(cfg.Domain, cfg.TraceFile); err != nil {
			log.WithError(err).WithField("path", cfg.TraceFile).Error("cannot write trace")
		}
	}
	if cfg.MetricsFile != "" {
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			log.WithError(err).WithField("path", cfg.MetricsFile).Error("cannot write metrics")
		}
	}
}
