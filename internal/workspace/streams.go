package workspace

import (
	"fmt"
	"strings"
)

// StreamName is the stem of a recognized raw stream file ("Posts" -> Posts.xml).
type StreamName string

const (
	Badges    StreamName = "Badges"
	Comments  StreamName = "Comments"
	PostLinks StreamName = "PostLinks"
	Posts     StreamName = "Posts"
	Tags      StreamName = "Tags"
	Users     StreamName = "Users"
)

// Derived artifact filenames.
const (
	UsersWithBadges = "users_with_badges.xml"
	PostsComplete   = "posts_complete.xml"
)

var streamNames = []StreamName{Badges, Comments, PostLinks, Posts, Tags, Users}

// StreamNames returns the recognized stream names in canonical order.
// The returned slice is a copy.
func StreamNames() []StreamName {
	out := make([]StreamName, len(streamNames))
	copy(out, streamNames)
	return out
}

// FileName is the workspace filename of the raw stream.
func (s StreamName) FileName() string { return string(s) + ".xml" }

// ParseStreamFile reports whether filename is a recognized raw stream file.
// Matching is case-sensitive.
func ParseStreamFile(filename string) (StreamName, bool) {
	stem, ok := strings.CutSuffix(filename, ".xml")
	if !ok {
		return "", false
	}
	for _, s := range streamNames {
		if string(s) == stem {
			return s, true
		}
	}
	return "", false
}

// ContainerSpec is one container to fetch from the mirror.
type ContainerSpec struct {
	URL       string
	LocalName string

	// Streams lists the raw streams this container carries.
	Streams []StreamName
}

// Layout describes how a domain's dump is split into containers on the mirror.
//
// Sharded layouts carry one container per recognized stream
// ({domain}-{Stream}.{ext}); monolithic layouts carry a single {domain}.{ext}.
type Layout struct {
	Mirror  string
	Domain  string
	Ext     string
	Sharded bool
}

// ContainerSpecs builds the container set for the layout.
//
// Invariant: a sharded layout yields exactly len(StreamNames()) specs, a
// monolithic layout exactly one. Filenames are disjoint because StreamNames has
// no duplicates.
func (l Layout) ContainerSpecs() []ContainerSpec {
	mirror := strings.TrimRight(l.Mirror, "/")
	if !l.Sharded {
		name := fmt.Sprintf("%s.%s", l.Domain, l.Ext)
		return []ContainerSpec{{
			URL:       mirror + "/" + name,
			LocalName: name,
			Streams:   StreamNames(),
		}}
	}
	specs := make([]ContainerSpec, 0, len(streamNames))
	for _, s := range streamNames {
		name := fmt.Sprintf("%s-%s.%s", l.Domain, s, l.Ext)
		specs = append(specs, ContainerSpec{
			URL:       mirror + "/" + name,
			LocalName: name,
			Streams:   []StreamName{s},
		})
	}
	return specs
}

// Primary is the container whose transport metadata dates the dump.
func (l Layout) Primary() ContainerSpec {
	return l.ContainerSpecs()[0]
}
