package workspace

import "fmt"

// State is the preparation progress of a workspace, derived from file presence.
//
// States are ordered; a later state implies every earlier step succeeded:
//
//	Empty -> ContainersPresent -> RawStreamsPresent -> UsersEnriched -> PostsEnriched -> Ready
type State int

const (
	StateEmpty State = iota
	StateContainersPresent
	StateRawStreamsPresent
	StateUsersEnriched
	StatePostsEnriched
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateContainersPresent:
		return "ContainersPresent"
	case StateRawStreamsPresent:
		return "RawStreamsPresent"
	case StateUsersEnriched:
		return "UsersEnriched"
	case StatePostsEnriched:
		return "PostsEnriched"
	case StateReady:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transition moves *cur from `from` to `to`.
//
// The caller supplies the expected prior state to make surprises observable.
// Only forward transitions are allowed; skipping intermediate states is fine
// (containers are deleted after extraction, so Empty -> RawStreamsPresent is normal).
func Transition(cur *State, from, to State) error {
	if cur == nil {
		return fmt.Errorf("nil state")
	}
	if *cur != from {
		return fmt.Errorf("invalid transition: expected %s, got %s", from, *cur)
	}
	if to <= from || to > StateReady {
		return fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	*cur = to
	return nil
}

// Snapshot is the result of probing a workspace once.
type Snapshot struct {
	State   State
	present map[string]bool
}

// Has reports whether name was present when the snapshot was taken.
func (s Snapshot) Has(name string) bool { return s.present[name] }

// Missing returns the names that were absent, in argument order.
func (s Snapshot) Missing(names ...string) []string {
	var out []string
	for _, n := range names {
		if !s.present[n] {
			out = append(out, n)
		}
	}
	return out
}

// Probe inspects the workspace and derives its State.
//
// Derived artifacts are only credited as a contiguous prefix: posts_complete.xml
// without users_with_badges.xml does not count as PostsEnriched.
func Probe(w *Workspace, specs []ContainerSpec) (Snapshot, error) {
	names := []string{UsersWithBadges, PostsComplete}
	for _, s := range streamNames {
		names = append(names, s.FileName())
	}
	for _, c := range specs {
		names = append(names, c.LocalName)
	}

	snap := Snapshot{present: make(map[string]bool, len(names))}
	for _, n := range names {
		ok, err := w.Exists(n)
		if err != nil {
			return Snapshot{}, err
		}
		snap.present[n] = ok
	}

	allRaw := true
	for _, s := range streamNames {
		if !snap.present[s.FileName()] {
			allRaw = false
			break
		}
	}
	allContainers := len(specs) > 0
	for _, c := range specs {
		if !snap.present[c.LocalName] {
			allContainers = false
			break
		}
	}

	users := snap.present[UsersWithBadges]
	posts := snap.present[PostsComplete]
	tags := snap.present[Tags.FileName()]
	switch {
	case users && posts && tags:
		snap.State = StateReady
	case users && posts:
		snap.State = StatePostsEnriched
	case users:
		snap.State = StateUsersEnriched
	case allRaw:
		snap.State = StateRawStreamsPresent
	case allContainers:
		snap.State = StateContainersPresent
	default:
		snap.State = StateEmpty
	}
	return snap, nil
}
