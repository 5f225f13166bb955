package workspace

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, w *Workspace, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(w.Path(n), []byte("x"), 0o644))
	}
}

func allRawNames() []string {
	var out []string
	for _, s := range StreamNames() {
		out = append(out, s.FileName())
	}
	return out
}

func TestProbe_States(t *testing.T) {
	specs := Layout{Mirror: "http://m", Domain: "so", Ext: "7z", Sharded: true}.ContainerSpecs()
	var containerNames []string
	for _, c := range specs {
		containerNames = append(containerNames, c.LocalName)
	}

	cases := []struct {
		name  string
		files []string
		want  State
	}{
		{"empty", nil, StateEmpty},
		{"some containers", containerNames[:2], StateEmpty},
		{"all containers", containerNames, StateContainersPresent},
		{"all raw streams", allRawNames(), StateRawStreamsPresent},
		{"users enriched", []string{UsersWithBadges, Posts.FileName()}, StateUsersEnriched},
		{"posts enriched without tags", []string{UsersWithBadges, PostsComplete}, StatePostsEnriched},
		{"ready", []string{UsersWithBadges, PostsComplete, Tags.FileName()}, StateReady},
		{"posts without users is not credited", []string{PostsComplete, Tags.FileName()}, StateEmpty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := New(t.TempDir())
			require.NoError(t, err)
			touch(t, w, tc.files...)

			snap, err := Probe(w, specs)
			require.NoError(t, err)
			assert.Equal(t, tc.want, snap.State)
			for _, f := range tc.files {
				assert.True(t, snap.Has(f), f)
			}
		})
	}
}

func TestProbe_DirectoryIsNotAnArtifact(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(w.Path(UsersWithBadges), 0o755))

	snap, err := Probe(w, nil)
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, snap.State)
	assert.Equal(t, []string{UsersWithBadges}, snap.Missing(UsersWithBadges))
}

func TestTransition(t *testing.T) {
	st := StateEmpty
	require.NoError(t, Transition(&st, StateEmpty, StateRawStreamsPresent))
	assert.Equal(t, StateRawStreamsPresent, st)

	assert.Error(t, Transition(&st, StateEmpty, StateUsersEnriched), "wrong from state")
	assert.Error(t, Transition(&st, StateRawStreamsPresent, StateContainersPresent), "backwards")
	assert.Error(t, Transition(&st, StateRawStreamsPresent, StateRawStreamsPresent), "self")
	assert.Equal(t, StateRawStreamsPresent, st)

	require.NoError(t, Transition(&st, StateRawStreamsPresent, StateReady))
	assert.Equal(t, "Ready", st.String())
}
