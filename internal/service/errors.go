package service

import (
	"errors"
	"time"
)

// ScheduleTolerance absorbs client/server clock skew: a caller-supplied time
// up to this far in the past is still accepted and fired immediately.
const ScheduleTolerance = 5 * time.Minute

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrPostNotFound      = errors.New("post not found")
	ErrUnknownProfile    = errors.New("profile unknown or not in workspace")
	ErrPastScheduleTime  = errors.New("scheduled time is in the past")
	ErrBadScheduleTime   = errors.New("invalid scheduled time")
	ErrBadPostingTimes   = errors.New("invalid posting times configuration")

	// ErrPostInProgress rejects edits to a post that is publishing or
	// already published.
	ErrPostInProgress = errors.New("Cannot edit a post in progress")

	// ErrQueueFull is the slot allocator's backpressure signal: the plan's
	// slot budget is exhausted within the allowed horizon.
	ErrQueueFull = errors.New("scheduling queue is full")

	ErrApprovalNotFound  = errors.New("no pending approval for post")
	ErrApprovalExists    = errors.New("post already has a pending approval")
	ErrApprovalNotOwned  = errors.New("only the original requester may cancel an approval")
	ErrApprovalsDisabled = errors.New("approval workflow not available on this plan")
	ErrCampaignsDisabled = errors.New("campaigns not available on this plan")
	ErrNoDestinations    = errors.New("post needs at least one destination profile")
)
