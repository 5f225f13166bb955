package prepare

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dumpprep/internal/acquire"
	"dumpprep/internal/metrics"
	"dumpprep/internal/trace"
	"dumpprep/internal/workspace"
	"dumpprep/internal/xmlstream"
)

func doc(root string, rows ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n<" + root + ">\n")
	for _, r := range rows {
		b.WriteString("  " + r + "\n")
	}
	b.WriteString("</" + root + ">\n")
	return b.String()
}

// dumpFiles is a tiny dump. Badges and Comments are ordered by Id, as in the
// published dumps, not by the keys they are joined on.
func dumpFiles() map[string]string {
	return map[string]string{
		"Users.xml": doc("users",
			`<row Id="1" DisplayName="one" />`,
			`<row Id="2" DisplayName="two" />`,
			`<row Id="3" DisplayName="three" />`),
		"Badges.xml": doc("badges",
			`<row Id="1" UserId="3" Name="c" />`,
			`<row Id="2" UserId="1" Name="a" />`,
			`<row Id="3" UserId="1" Name="b" />`,
			`<row Id="4" UserId="5" Name="orphan" />`),
		"Posts.xml": doc("posts",
			`<row Id="10" PostTypeId="1" Title="question" />`,
			`<row Id="11" PostTypeId="2" ParentId="10" />`,
			`<row Id="12" PostTypeId="1" Title="unanswered" />`,
			`<row Id="13" PostTypeId="2" ParentId="999" />`),
		"Comments.xml": doc("comments",
			`<row Id="100" PostId="11" Text="on answer" />`,
			`<row Id="101" PostId="10" Text="on question" />`,
			`<row Id="102" PostId="999" Text="nobody" />`),
		"Tags.xml":      doc("tags", `<row Id="1" TagName="go" />`),
		"PostLinks.xml": doc("postlinks", `<row Id="1" PostId="10" RelatedPostId="12" />`),
	}
}

// fakeAcquirer writes the streams carried by each requested container.
type fakeAcquirer struct {
	ws    *workspace.Workspace
	files map[string]string
	err   error

	mu    sync.Mutex
	calls [][]string
}

func (a *fakeAcquirer) AcquireAll(ctx context.Context, specs []workspace.ContainerSpec) error {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.LocalName
	}
	a.mu.Lock()
	a.calls = append(a.calls, names)
	a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	for _, spec := range specs {
		for _, s := range spec.Streams {
			content, ok := a.files[s.FileName()]
			if !ok {
				continue
			}
			if err := os.WriteFile(a.ws.Path(s.FileName()), []byte(content), 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

type fixture struct {
	ws       *workspace.Workspace
	acquirer *fakeAcquirer
	rec      *trace.Recorder
	pipeline *Pipeline
}

func newFixture(t *testing.T, sharded bool) *fixture {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	acq := &fakeAcquirer{ws: ws, files: dumpFiles()}
	rec := trace.NewRecorder()
	return &fixture{
		ws:       ws,
		acquirer: acq,
		rec:      rec,
		pipeline: &Pipeline{
			Workspace:     ws,
			Layout:        workspace.Layout{Mirror: "http://mirror", Domain: "site.example", Ext: "7z", Sharded: sharded},
			Acquirer:      acq,
			DeleteSource:  true,
			SortChunkRows: 2,
			Logger:        logger,
			Metrics:       metrics.New(),
			Trace:         rec,
		},
	}
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(f.ws.Path(name))
	require.NoError(t, err)
	return string(b)
}

type outRow struct {
	id    string
	inner string
}

func (f *fixture) rows(t *testing.T, name string) []outRow {
	t.Helper()
	r, err := xmlstream.Open(f.ws.Path(name))
	require.NoError(t, err)
	defer r.Close()
	var out []outRow
	for {
		row, err := r.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return out
		}
		id, _ := row.Attr("Id")
		out = append(out, outRow{id: id, inner: string(row.Inner)})
	}
}

func TestPrepare_FromEmptyWorkspace(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.pipeline.Prepare(context.Background()))

	require.Len(t, f.acquirer.calls, 1)
	assert.Equal(t, []string{"site.example.7z"}, f.acquirer.calls[0])

	users := f.rows(t, workspace.UsersWithBadges)
	require.Len(t, users, 3)
	assert.Equal(t, 2, strings.Count(users[0].inner, "<badge "))
	assert.Equal(t, 0, strings.Count(users[1].inner, "<badge "))
	assert.Equal(t, 1, strings.Count(users[2].inner, "<badge "))
	assert.NotContains(t, f.read(t, workspace.UsersWithBadges), "orphan")

	posts := f.rows(t, workspace.PostsComplete)
	require.Len(t, posts, 2)
	assert.Equal(t, "10", posts[0].id)
	assert.Equal(t, `<comments><comment Id="101" PostId="10" Text="on question" /></comments>`+
		`<answers><answer Id="11" PostTypeId="2" ParentId="10"><comments><comment Id="100" PostId="11" Text="on answer" /></comments></answer></answers>`,
		posts[0].inner)
	assert.Equal(t, "12", posts[1].id)
	assert.Empty(t, posts[1].inner)
	assert.NotContains(t, f.read(t, workspace.PostsComplete), "nobody")
	assert.NotContains(t, f.read(t, workspace.PostsComplete), `Id="13"`)

	for _, gone := range []string{"Users.xml", "Badges.xml", "Posts.xml", "Comments.xml"} {
		assert.NoFileExists(t, f.ws.Path(gone))
	}
	assert.FileExists(t, f.ws.Path("Tags.xml"))
	assert.FileExists(t, f.ws.Path("PostLinks.xml"))
	assert.Equal(t, 2, f.rec.Count(trace.EventStageMerged))

	stale, err := f.ws.CleanStale()
	require.NoError(t, err)
	assert.Empty(t, stale, "stage intermediates must be removed")
}

func TestPrepare_SecondRunIsANoop(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.pipeline.Prepare(context.Background()))
	users := f.read(t, workspace.UsersWithBadges)
	posts := f.read(t, workspace.PostsComplete)

	rec := trace.NewRecorder()
	f.pipeline.Trace = rec
	require.NoError(t, f.pipeline.Prepare(context.Background()))

	assert.Len(t, f.acquirer.calls, 1)
	assert.Zero(t, rec.Count(trace.EventContainerDownloaded, trace.EventContainerExtracted, trace.EventStageMerged))
	assert.Equal(t, 1, rec.Count(trace.EventPipelineReused))
	assert.Equal(t, users, f.read(t, workspace.UsersWithBadges))
	assert.Equal(t, posts, f.read(t, workspace.PostsComplete))
}

func TestPrepare_FinalArtifactsPresentSkipsAcquisition(t *testing.T) {
	f := newFixture(t, false)
	f.acquirer.err = errors.New("must not be called")
	for _, name := range []string{workspace.UsersWithBadges, workspace.PostsComplete, "Tags.xml"} {
		require.NoError(t, os.WriteFile(f.ws.Path(name), []byte(doc("x")), 0o644))
	}

	require.NoError(t, f.pipeline.Prepare(context.Background()))

	assert.Empty(t, f.acquirer.calls)
}

func TestPrepare_RawStreamsPresentSkipsAcquisition(t *testing.T) {
	f := newFixture(t, false)
	f.acquirer.err = errors.New("must not be called")
	for name, content := range dumpFiles() {
		require.NoError(t, os.WriteFile(f.ws.Path(name), []byte(content), 0o644))
	}

	require.NoError(t, f.pipeline.Prepare(context.Background()))

	assert.Empty(t, f.acquirer.calls)
	assert.Equal(t, 1, f.rec.Count(trace.EventAcquisitionSkipped))
	assert.FileExists(t, f.ws.Path(workspace.PostsComplete))
}

func TestPrepare_MissingTagsIsFatal(t *testing.T) {
	f := newFixture(t, false)
	delete(f.acquirer.files, "Tags.xml")

	err := f.pipeline.Prepare(context.Background())

	var md *MissingDependencyError
	require.True(t, errors.As(err, &md), "got %v", err)
	assert.Equal(t, "Tags.xml", md.Artifact)
	assert.NoFileExists(t, f.ws.Path(workspace.UsersWithBadges))
}

func TestPrepare_AcquisitionFailureHaltsBeforeMerge(t *testing.T) {
	f := newFixture(t, true)
	f.acquirer.err = &acquire.AcquisitionError{Failed: []string{"site.example-Posts.7z"}, Err: errors.New("boom")}

	err := f.pipeline.Prepare(context.Background())

	var ae *acquire.AcquisitionError
	require.True(t, errors.As(err, &ae))
	assert.Zero(t, f.rec.Count(trace.EventStageMerged))
	assert.NoFileExists(t, f.ws.Path(workspace.UsersWithBadges))
}

func TestPrepare_ShardedResumeFetchesOnlyMissingShards(t *testing.T) {
	f := newFixture(t, true)
	files := dumpFiles()
	require.NoError(t, os.WriteFile(f.ws.Path("Tags.xml"), []byte(files["Tags.xml"]), 0o644))
	require.NoError(t, os.WriteFile(f.ws.Path(workspace.UsersWithBadges), []byte(doc("users", `<row Id="1" />`)), 0o644))

	require.NoError(t, f.pipeline.Prepare(context.Background()))

	require.Len(t, f.acquirer.calls, 1)
	assert.Equal(t, []string{
		"site.example-Comments.7z",
		"site.example-PostLinks.7z",
		"site.example-Posts.7z",
	}, f.acquirer.calls[0])
	assert.Equal(t, 1, f.rec.Count(trace.EventStageReused))
	assert.FileExists(t, f.ws.Path(workspace.PostsComplete))
}

func TestPrepare_MonolithicResumeRefetchesWholeContainer(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, os.WriteFile(f.ws.Path(workspace.UsersWithBadges), []byte(doc("users", `<row Id="1" />`)), 0o644))

	require.NoError(t, f.pipeline.Prepare(context.Background()))

	require.Len(t, f.acquirer.calls, 1)
	assert.Equal(t, []string{"site.example.7z"}, f.acquirer.calls[0])
	assert.Equal(t, doc("users", `<row Id="1" />`), f.read(t, workspace.UsersWithBadges))
}

func TestPrepare_UnsortedPrimaryProducesNoArtifact(t *testing.T) {
	f := newFixture(t, false)
	f.acquirer.files["Users.xml"] = doc("users",
		`<row Id="5" />`,
		`<row Id="3" />`,
		`<row Id="7" />`)

	err := f.pipeline.Prepare(context.Background())

	var de *xmlstream.DataIntegrityError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.NoFileExists(t, f.ws.Path(workspace.UsersWithBadges))
	assert.FileExists(t, f.ws.Path("Users.xml"), "raw streams are kept when the stage fails")
}

func TestPrepare_KeepIntermediateFiles(t *testing.T) {
	f := newFixture(t, false)
	f.pipeline.DeleteSource = false

	require.NoError(t, f.pipeline.Prepare(context.Background()))

	for name := range dumpFiles() {
		assert.FileExists(t, f.ws.Path(name))
	}
}

func TestRequiredStreams(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.Path(workspace.UsersWithBadges), nil, 0o644))
	snap, err := workspace.Probe(ws, nil)
	require.NoError(t, err)

	got := requiredStreams(snap, stages())

	assert.Equal(t, []workspace.StreamName{workspace.Comments, workspace.PostLinks, workspace.Posts, workspace.Tags}, got)
}
