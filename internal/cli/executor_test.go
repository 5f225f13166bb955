package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dumpprep/internal/acquire"
	"dumpprep/internal/config"
	"dumpprep/internal/recovery"
	"dumpprep/internal/trace"
	"dumpprep/internal/vintage"
	"dumpprep/internal/workspace"
)

func doc(root string, rows ...string) string {
	return `<?xml version="1.0" encoding="utf-8"?>` + "\n<" + root + ">\n  " +
		strings.Join(rows, "\n  ") + "\n</" + root + ">\n"
}

var dump = map[string]string{
	"Users.xml":     doc("users", `<row Id="1" DisplayName="one" />`, `<row Id="2" DisplayName="two" />`),
	"Badges.xml":    doc("badges", `<row Id="1" UserId="2" Name="b" />`, `<row Id="2" UserId="1" Name="a" />`),
	"Posts.xml":     doc("posts", `<row Id="10" PostTypeId="1" />`, `<row Id="11" PostTypeId="2" ParentId="10" />`),
	"Comments.xml":  doc("comments", `<row Id="1" PostId="11" Text="c" />`),
	"Tags.xml":      doc("tags", `<row Id="1" TagName="go" />`),
	"PostLinks.xml": doc("postlinks", `<row Id="1" PostId="10" RelatedPostId="11" />`),
}

type writingAcquirer struct {
	dir   string
	err   error
	calls int
}

func (a *writingAcquirer) AcquireAll(_ context.Context, specs []workspace.ContainerSpec) error {
	a.calls++
	if a.err != nil {
		return a.err
	}
	for _, spec := range specs {
		for _, s := range spec.Streams {
			if body, ok := dump[s.FileName()]; ok {
				if err := os.WriteFile(filepath.Join(a.dir, s.FileName()), []byte(body), 0o644); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

type fixedResolver struct{ v vintage.Vintage }

func (r fixedResolver) Resolve(context.Context, string) vintage.Vintage { return r.v }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Domain = "cooking.stackexchange.com"
	cfg.Workspace = t.TempDir()
	cfg.TraceFile = filepath.Join(t.TempDir(), "trace.json")
	cfg.MetricsFile = filepath.Join(t.TempDir(), "dumpprep.prom")
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestExecute_Success(t *testing.T) {
	cfg := testConfig(t)
	acq := &writingAcquirer{dir: cfg.Workspace}
	var logs bytes.Buffer
	march := vintage.Vintage{Date: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), Known: true}

	res, err := ExecuteWith(context.Background(), cfg, Deps{Acquirer: acq, Resolver: fixedResolver{march}, LogOut: &logs})
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Equal(t, workspace.StateEmpty, res.InitialState)
	assert.Equal(t, "2024-03", res.Vintage.String())
	assert.Equal(t, march.Date, res.DumpDate)
	assert.NotEmpty(t, res.RunID)
	assert.Contains(t, logs.String(), "run_id="+res.RunID)

	for _, name := range []string{workspace.UsersWithBadges, workspace.PostsComplete, "Tags.xml"} {
		assert.FileExists(t, filepath.Join(cfg.Workspace, name))
	}

	store, err := recovery.NewStore(cfg.StateDir)
	require.NoError(t, err)
	run, err := store.LoadRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, recovery.RunStatusSucceeded, run.Status)
	assert.Equal(t, workspace.StateEmpty.String(), run.InitialState)
	assert.Equal(t, "2024-03", run.Vintage)

	raw, err := os.ReadFile(cfg.TraceFile)
	require.NoError(t, err)
	var tr struct {
		Domain string `json:"domain"`
		Events []struct {
			Kind    string `json:"kind"`
			Subject string `json:"subject"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(raw, &tr))
	assert.Equal(t, cfg.Domain, tr.Domain)
	assert.NotEmpty(t, tr.Events)
	assert.Equal(t, trace.ComputeHash(bytes.TrimSuffix(raw, []byte("\n"))), run.TraceHash)

	prom, err := os.ReadFile(cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "dumpprep_stage_duration_seconds")
}

func TestExecute_TraceHashIsStableAcrossReusedRuns(t *testing.T) {
	cfg := testConfig(t)
	cfg.TraceFile = ""
	acq := &writingAcquirer{dir: cfg.Workspace}
	deps := Deps{Acquirer: acq, Resolver: fixedResolver{}, LogOut: &bytes.Buffer{}}

	first, err := ExecuteWith(context.Background(), cfg, deps)
	require.NoError(t, err)
	second, err := ExecuteWith(context.Background(), cfg, deps)
	require.NoError(t, err)
	third, err := ExecuteWith(context.Background(), cfg, deps)
	require.NoError(t, err)

	store, err := recovery.NewStore(cfg.StateDir)
	require.NoError(t, err)
	load := func(id string) recovery.Run {
		run, err := store.LoadRun(id)
		require.NoError(t, err)
		return run
	}
	r1, r2, r3 := load(first.RunID), load(second.RunID), load(third.RunID)
	require.NotEmpty(t, r1.TraceHash)
	assert.NotEqual(t, r1.TraceHash, r2.TraceHash)
	assert.Equal(t, r2.TraceHash, r3.TraceHash, "reused runs make the same decisions")
}

func TestExecute_InvalidDownloaderIsConfigError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Downloader = "curl"

	res, err := ExecuteWith(context.Background(), cfg, Deps{Acquirer: &writingAcquirer{dir: cfg.Workspace}, LogOut: &bytes.Buffer{}})
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, res.ExitCode)
	assert.NoDirExists(t, filepath.Join(cfg.StateDir, "runs"))
}

func TestExecute_SecondRunReusesArtifacts(t *testing.T) {
	cfg := testConfig(t)
	acq := &writingAcquirer{dir: cfg.Workspace}
	deps := Deps{Acquirer: acq, Resolver: fixedResolver{}, LogOut: &bytes.Buffer{}}

	_, err := ExecuteWith(context.Background(), cfg, deps)
	require.NoError(t, err)

	res, err := ExecuteWith(context.Background(), cfg, deps)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Equal(t, workspace.StateReady, res.InitialState)
	assert.Equal(t, 1, acq.calls)
}

func TestExecute_UnknownVintageFallsBackToToday(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	now := time.Date(2026, 10, 14, 15, 4, 5, 0, time.UTC)

	res, err := ExecuteWith(context.Background(), cfg, Deps{
		Acquirer: &writingAcquirer{dir: cfg.Workspace},
		Resolver: fixedResolver{vintage.Vintage{Raw: "garbage"}},
		LogOut:   &logs,
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	assert.False(t, res.Vintage.Known)
	assert.Equal(t, time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC), res.DumpDate)
	assert.Contains(t, logs.String(), "dump vintage unverified")
}

func TestExecute_AcquisitionFailureIsRecorded(t *testing.T) {
	cfg := testConfig(t)
	acqErr := &acquire.AcquisitionError{Failed: []string{"cooking.stackexchange.com.7z"}, Err: errors.New("connection reset")}

	res, err := ExecuteWith(context.Background(), cfg, Deps{
		Acquirer: &writingAcquirer{dir: cfg.Workspace, err: acqErr},
		Resolver: fixedResolver{},
		LogOut:   &bytes.Buffer{},
	})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*acquire.AcquisitionError))
	assert.Equal(t, ExitPipelineFailure, res.ExitCode)

	store, err := recovery.NewStore(cfg.StateDir)
	require.NoError(t, err)
	latest, ok, err := store.LatestRun()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.RunID, latest.RunID)
	assert.Equal(t, recovery.RunStatusFailed, latest.Status)

	failure, err := store.LoadFailure(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, recovery.FailureClassAcquisition, failure.FailureClass)
	assert.True(t, failure.Resumable)

	assert.FileExists(t, cfg.TraceFile, "trace is written on failure too")
}

func TestExecute_WorkspaceIsAFile(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	cfg.Workspace = file
	cfg.StateDir = filepath.Join(file, config.StateDirName)

	res, err := ExecuteWith(context.Background(), cfg, Deps{Acquirer: &writingAcquirer{}, LogOut: &bytes.Buffer{}})
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, res.ExitCode)
}

func TestExecute_PanicIsInternalError(t *testing.T) {
	cfg := testConfig(t)

	res, err := ExecuteWith(context.Background(), cfg, Deps{Acquirer: panicAcquirer{}, LogOut: &bytes.Buffer{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, ExitInternalError, res.ExitCode)
}

type panicAcquirer struct{}

func (panicAcquirer) AcquireAll(context.Context, []workspace.ContainerSpec) error {
	panic("acquirer exploded")
}

func TestRun_InvalidInvocation(t *testing.T) {
	res, err := Run(context.Background(), []string{"--nope"})
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInvocation, res.ExitCode)
}
