package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypub/relay/internal/models"
)

func TestSweepArmsScheduledRoots(t *testing.T) {
	stack := newTestStack(t)
	ws := seedWorkspace(t, stack.db, "free")
	sweeper := NewSweeper(stack.db, &stack.cfg.Scheduler, stack.disp, stack.posts.logger)

	at := time.Now().Add(time.Hour)
	root := seedScheduledPost(t, stack, ws, at, models.PostStatusScheduled)
	draft := &models.Post{WorkspaceID: ws.ID, AuthorID: 1, Body: "draft", ContentType: "text", Status: models.PostStatusDraft}
	require.NoError(t, stack.db.Create(draft).Error)
	child := &models.Post{WorkspaceID: ws.ID, AuthorID: 1, ParentPostID: &root.ID, Body: "link", ContentType: "text", ScheduledAt: &at, Status: models.PostStatusScheduled}
	require.NoError(t, stack.db.Create(child).Error)

	require.NoError(t, sweeper.Sweep())

	fireAt, pending := stack.disp.Pending(root.ID)
	require.True(t, pending)
	assert.True(t, fireAt.Equal(at))

	_, pending = stack.disp.Pending(draft.ID)
	assert.False(t, pending, "drafts are not armed")
	_, pending = stack.disp.Pending(child.ID)
	assert.False(t, pending, "chain links fire through the root's walk")
}

func TestSweepLeavesArmedJobsAlone(t *testing.T) {
	stack := newTestStack(t)
	ws := seedWorkspace(t, stack.db, "free")
	sweeper := NewSweeper(stack.db, &stack.cfg.Scheduler, stack.disp, stack.posts.logger)

	dbTime := time.Now().Add(time.Hour)
	root := seedScheduledPost(t, stack, ws, dbTime, models.PostStatusScheduled)

	// An already-armed job keeps its timer even if the row disagrees.
	armedAt := time.Now().Add(30 * time.Minute)
	stack.disp.Schedule(root.ID, armedAt)

	require.NoError(t, sweeper.Sweep())

	fireAt, pending := stack.disp.Pending(root.ID)
	require.True(t, pending)
	assert.True(t, fireAt.Equal(armedAt))
}
