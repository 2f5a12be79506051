package service

import (
	"fmt"
	"time"

	"github.com/relaypub/relay/internal/config"
	"github.com/relaypub/relay/internal/models"
)

// Capabilities is the plan-derived feature set for one workspace, resolved
// once per request and passed around explicitly.
type Capabilities struct {
	Plan             string
	MaxQueueDepth    int
	HorizonDays      int
	PostingTimes     []string
	ApprovalsEnabled bool
	CampaignsEnabled bool
}

// CapabilitiesFor resolves a workspace's plan against the configured tiers.
// An unknown plan falls back to "free". Workspace-level posting times, when
// set, override the plan defaults.
func CapabilitiesFor(cfg *config.Config, ws *models.Workspace) Capabilities {
	plan := ws.Plan
	pc, ok := cfg.Plans[plan]
	if !ok {
		plan = "free"
		pc = cfg.Plans[plan]
	}

	caps := Capabilities{
		Plan:             plan,
		MaxQueueDepth:    pc.MaxQueueDepth,
		HorizonDays:      pc.HorizonDays,
		PostingTimes:     pc.PostingTimes,
		ApprovalsEnabled: pc.ApprovalsEnabled,
		CampaignsEnabled: pc.CampaignsEnabled,
	}
	if len(ws.PostingTimes) > 0 {
		caps.PostingTimes = ws.PostingTimes
	}
	return caps
}

// parseScheduleTime turns a caller-supplied time into an absolute instant.
// RFC3339 values carry their own offset; a bare local time ("2006-01-02
// 15:04" or the T-form without offset) is interpreted in the supplied
// timezone. The timezone is consulted only here, at submission time.
func parseScheduleTime(raw, timezone string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}

	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: unknown timezone %q", ErrBadScheduleTime, timezone)
		}
		loc = l
	}

	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadScheduleTime, raw)
}

// validateScheduleTime rejects times older than the skew tolerance.
func validateScheduleTime(t, now time.Time) error {
	if t.Before(now.Add(-ScheduleTolerance)) {
		return ErrPastScheduleTime
	}
	return nil
}

// resolveStatus applies the transition rules shared by create and update:
// an approval gate wins over any time; a resolved time means scheduled;
// otherwise the post stays a draft.
func resolveStatus(needsApproval bool, scheduledAt *time.Time) models.PostStatus {
	switch {
	case needsApproval:
		return models.PostStatusPendingApproval
	case scheduledAt != nil:
		return models.PostStatusScheduled
	default:
		return models.PostStatusDraft
	}
}
