package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypub/relay/internal/models"
)

const (
	requesterID = uint(1)
	approverID  = uint(2)
)

func createPendingApproval(t *testing.T, stack *testStack, ws *models.Workspace, scheduledAt string, thread ...ThreadEntry) *models.Post {
	t.Helper()

	p := seedProfile(t, stack.db, ws.ID, "mastodon-"+t.Name())
	req := createRequest(p.ID)
	req.AuthorID = requesterID
	req.NeedsApproval = true
	req.ScheduledAt = scheduledAt
	req.Thread = thread

	post, err := stack.posts.CreatePost(ws.ID, req)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusPendingApproval, post.Status)
	return post
}

func TestApproveWithFutureTimeKeepsIt(t *testing.T) {
	stack := newTestStack(t)
	ws := seedWorkspace(t, stack.db, "pro")
	post := createPendingApproval(t, stack, ws, rfc3339In(time.Hour))
	want := *post.ScheduledAt

	approved, err := stack.approvals.Approve(ws.ID, post.ID, approverID, "lgtm")
	require.NoError(t, err)

	assert.Equal(t, models.PostStatusScheduled, approved.Status)
	require.NotNil(t, approved.ScheduledAt)
	assert.True(t, approved.ScheduledAt.Equal(want))

	fireAt, pending := stack.disp.Pending(post.ID)
	require.True(t, pending)
	assert.True(t, fireAt.Equal(want))

	var approval models.PostApproval
	require.NoError(t, stack.db.Where("post_id = ?", post.ID).First(&approval).Error)
	assert.Equal(t, models.ApprovalStatusApproved, approval.Status)
	require.NotNil(t, approval.ApproverID)
	assert.Equal(t, approverID, *approval.ApproverID)
	assert.Equal(t, "lgtm", approval.Notes)
	assert.NotNil(t, approval.ReviewedAt)
}

func TestApproveMissingTimeGetsFreshSlot(t *testing.T) {
	stack := newTestStack(t)
	ws := seedWorkspace(t, stack.db, "pro")
	post := createPendingApproval(t, stack, ws, "")

	approved, err := stack.approvals.Approve(ws.ID, post.ID, approverID, "")
	require.NoError(t, err)

	assert.Equal(t, models.PostStatusScheduled, approved.Status)
	require.NotNil(t, approved.ScheduledAt)
	assert.True(t, approved.ScheduledAt.After(time.Now()))

	_, pending := stack.disp.Pending(post.ID)
	assert.True(t, pending)
}

func TestApproveMissingTimeQueueFull(t *testing.T) {
	stack := newTestStack(t)
	ws := seedWorkspace(t, stack.db, "strict")
	post := createPendingApproval(t, stack, ws, "")

	_, err := stack.approvals.Approve(ws.ID, post.ID, approverID, "")
	assert.ErrorIs(t, err, ErrQueueFull)

	// Decision did not land: still pending, still approvable later.
	var approval models.PostApproval
	require.NoError(t, stack.db.Where("post_id = ?", post.ID).First(&approval).Error)
	assert.Equal(t, models.ApprovalStatusPending, approval.Status)
}

func TestApproveStaleTimePublishesImmediately(t *testing.T) {
	stack := newTestStack(t)
	ws := seedWorkspace(t, stack.db, "strict")
	post := createPendingApproval(t, stack, ws, rfc3339In(time.Hour))

	// The picked time passed during review and no slot is left.
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, stack.db.Model(post).Update("scheduled_at", stale).Error)

	approved, err := stack.approvals.Approve(ws.ID, post.ID, approverID, "")
	require.NoError(t, err)

	assert.Equal(t, models.PostStatusScheduled, approved.Status)
	require.NotNil(t, approved.ScheduledAt)
	assert.WithinDuration(t, time.Now(), *approved.ScheduledAt, 5*time.Second)

	assert.Equal(t, post.ID, stack.handler.waitForFire(t, time.Second))
}

func TestApprovePropagatesScheduleToChain(t *testing.T) {
	stack := newTestStack(t)
	ws := seedWorkspace(t, stack.db, "pro")
	post := createPendingApproval(t, stack, ws, "", ThreadEntry{Body: "part two"})

	approved, err := stack.approvals.Approve(ws.ID, post.ID, approverID, "")
	require.NoError(t, err)

	var child models.Post
	require.NoError(t, stack.db.Where("parent_post_id = ?", post.ID).First(&child).Error)
	assert.Equal(t, models.PostStatusScheduled, child.Status)
	require.NotNil(t, child.ScheduledAt)
	assert.True(t, child.ScheduledAt.Equal(*approved.ScheduledAt))
}

func TestRejectRevertsToDraft(t *testing.T) {
	stack := newTestStack(t)
	ws := seedWorkspace(t, stack.db, "pro")
	post := createPendingApproval(t, stack, ws, rfc3339In(time.Hour))

	rejected, err := stack.approvals.Reject(ws.ID, post.ID, approverID, "tone it down")
	require.NoError(t, err)

	assert.Equal(t, models.PostStatusDraft, rejected.Status)

	var approval models.PostApproval
	require.NoError(t, stack.db.Where("post_id = ?", post.ID).First(&approval).Error)
	assert.Equal(t, models.ApprovalStatusRejected, approval.Status)
	assert.Equal(t, "tone it down", approval.Notes)

	_, pending := stack.disp.Pending(post.ID)
	assert.False(t, pending)
}

func TestCancelRequesterOnly(t *testing.T) {
	stack := newTestStack(t)
	ws := seedWorkspace(t, stack.db, "pro")
	post := createPendingApproval(t, stack, ws, "")

	_, err := stack.approvals.Cancel(ws.ID, post.ID, approverID)
	assert.ErrorIs(t, err, ErrApprovalNotOwned)

	var count int64
	require.NoError(t, stack.db.Model(&models.PostApproval{}).Where("post_id = ?", post.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	cancelled, err := stack.approvals.Cancel(ws.ID, post.ID, requesterID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusDraft, cancelled.Status)

	require.NoError(t, stack.db.Model(&models.PostApproval{}).Where("post_id = ?", post.ID).Count(&count).Error)
	assert.Zero(t, count, "approval row is removed, not archived")
}

func TestApproveWithoutPendingApproval(t *testing.T) {
	stack := newTestStack(t)
	ws := seedWorkspace(t, stack.db, "pro")
	p := seedProfile(t, stack.db, ws.ID, "mastodon")

	post, err := stack.posts.CreatePost(ws.ID, createRequest(p.ID))
	require.NoError(t, err)

	_, err = stack.approvals.Approve(ws.ID, post.ID, approverID, "")
	assert.ErrorIs(t, err, ErrApprovalNotFound)

	_, err = stack.approvals.Approve(ws.ID, 9999, approverID, "")
	assert.ErrorIs(t, err, ErrPostNotFound)
}

func TestListPendingScopedToWorkspace(t *testing.T) {
	stack := newTestStack(t)
	ws := seedWorkspace(t, stack.db, "pro")
	other := seedWorkspace(t, stack.db, "pro")
	post := createPendingApproval(t, stack, ws, "")

	pending, err := stack.approvals.ListPending(ws.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, post.ID, pending[0].PostID)
	assert.Equal(t, post.ID, pending[0].Post.ID)

	none, err := stack.approvals.ListPending(other.ID)
	require.NoError(t, err)
	assert.Empty(t, none)
}
