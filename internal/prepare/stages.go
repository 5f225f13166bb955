package prepare

import (
	"context"
	"path/filepath"

	"dumpprep/internal/extsort"
	"dumpprep/internal/merge"
	"dumpprep/internal/workspace"
	"dumpprep/internal/xmlstream"
)

const (
	stageUsers = "users_with_badges"
	stagePosts = "posts_complete"
)

// answerType is the PostTypeId of answers; every other post type is emitted
// as a top-level post.
const answerType = "2"

// stage is one derivation step producing a single artifact from raw streams.
type stage struct {
	name     string
	artifact string
	inputs   []workspace.StreamName
	// reached is the workspace state once the artifact exists.
	reached workspace.State
	// build writes artifact; tmp is a private directory for intermediates.
	build func(ctx context.Context, p *Pipeline, tmp string) error
}

func stages() []stage {
	return []stage{
		{
			name:     stageUsers,
			artifact: workspace.UsersWithBadges,
			inputs:   []workspace.StreamName{workspace.Users, workspace.Badges},
			reached:  workspace.StateUsersEnriched,
			build:    buildUsersWithBadges,
		},
		{
			name:     stagePosts,
			artifact: workspace.PostsComplete,
			inputs:   []workspace.StreamName{workspace.Posts, workspace.Comments},
			reached:  workspace.StatePostsEnriched,
			build:    buildPostsComplete,
		},
	}
}

// buildUsersWithBadges attaches each user's badges. Badges are keyed by Id in
// the dump and are re-sorted by UserId first.
func buildUsersWithBadges(ctx context.Context, p *Pipeline, tmp string) error {
	ws := p.Workspace
	badges := filepath.Join(tmp, "badges_by_user.xml")
	if err := p.sort(ctx, stageUsers, ws.Path(workspace.Badges.FileName()), badges, extsort.Options{
		Key:     "UserId",
		TempDir: tmp,
	}); err != nil {
		return err
	}

	return p.merge(ctx, merge.JoinSpec{
		Name:    stageUsers,
		Output:  ws.Path(workspace.UsersWithBadges),
		Primary: merge.Input{Path: ws.Path(workspace.Users.FileName()), Key: "Id"},
		Secondaries: []merge.Secondary{{
			Input:   merge.Input{Path: badges, Key: "UserId"},
			Wrapper: "badges",
			Element: "badge",
		}},
		Root: "users",
	})
}

// buildPostsComplete emits every non-answer post with its comments and its
// answers, each answer carrying its own comments.
func buildPostsComplete(ctx context.Context, p *Pipeline, tmp string) error {
	ws := p.Workspace
	posts := ws.Path(workspace.Posts.FileName())
	isAnswer := xmlstream.AttrEquals("PostTypeId", answerType)

	comments := filepath.Join(tmp, "comments_by_post.xml")
	if err := p.sort(ctx, stagePosts, ws.Path(workspace.Comments.FileName()), comments, extsort.Options{
		Key:     "PostId",
		TempDir: tmp,
	}); err != nil {
		return err
	}

	answers := filepath.Join(tmp, "answers_with_comments.xml")
	if err := p.merge(ctx, merge.JoinSpec{
		Name:    stagePosts + ":answers",
		Output:  answers,
		Primary: merge.Input{Path: posts, Key: "Id", Keep: isAnswer},
		Secondaries: []merge.Secondary{{
			Input:   merge.Input{Path: comments, Key: "PostId"},
			Wrapper: "comments",
			Element: "comment",
		}},
		Root: "answers",
	}); err != nil {
		return err
	}

	answersByParent := filepath.Join(tmp, "answers_by_parent.xml")
	if err := p.sort(ctx, stagePosts, answers, answersByParent, extsort.Options{
		Key:     "ParentId",
		TempDir: tmp,
	}); err != nil {
		return err
	}

	return p.merge(ctx, merge.JoinSpec{
		Name:    stagePosts,
		Output:  ws.Path(workspace.PostsComplete),
		Primary: merge.Input{Path: posts, Key: "Id", Keep: xmlstream.Not(isAnswer)},
		Secondaries: []merge.Secondary{
			{
				Input:   merge.Input{Path: comments, Key: "PostId"},
				Wrapper: "comments",
				Element: "comment",
			},
			{
				Input:   merge.Input{Path: answersByParent, Key: "ParentId"},
				Wrapper: "answers",
				Element: "answer",
			},
		},
		Root: "posts",
	})
}
