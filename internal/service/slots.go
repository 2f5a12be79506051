package service

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaypub/relay/internal/config"
	"github.com/relaypub/relay/internal/models"
)

// SlotAllocator computes future publish instants for a workspace's
// auto-schedule queue. Slots come from the workspace's posting-time grid,
// bounded by the plan's look-ahead horizon and queue depth, and never collide
// with times already committed by other scheduled posts.
type SlotAllocator struct {
	db              *gorm.DB
	cfg             *config.Config
	logger          *zap.Logger
	collisionWindow time.Duration

	// now is swappable for tests.
	now func() time.Time
}

func NewSlotAllocator(db *gorm.DB, cfg *config.Config, logger *zap.Logger) *SlotAllocator {
	window, err := time.ParseDuration(cfg.Scheduler.CollisionWindow)
	if err != nil {
		logger.Warn("Invalid collision window, using exact-match collisions",
			zap.String("collision_window", cfg.Scheduler.CollisionWindow))
		window = 0
	}

	return &SlotAllocator{
		db:              db,
		cfg:             cfg,
		logger:          logger,
		collisionWindow: window,
		now:             time.Now,
	}
}

// NextSlots returns up to count strictly-increasing future instants. A short
// (or empty) result means the queue is full within the plan limits; callers
// must treat that as backpressure, not pick a default time.
func (a *SlotAllocator) NextSlots(workspaceID uint, count int) ([]time.Time, error) {
	if count <= 0 {
		return nil, nil
	}

	var ws models.Workspace
	if err := a.db.First(&ws, workspaceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrWorkspaceNotFound
		}
		return nil, fmt.Errorf("failed to load workspace: %w", err)
	}
	caps := CapabilitiesFor(a.cfg, &ws)

	loc := time.UTC
	if ws.Timezone != "" {
		if l, err := time.LoadLocation(ws.Timezone); err == nil {
			loc = l
		} else {
			a.logger.Warn("Unknown workspace timezone, using UTC",
				zap.Uint("workspace_id", ws.ID),
				zap.String("timezone", ws.Timezone))
		}
	}

	grid, err := parsePostingTimes(caps.PostingTimes)
	if err != nil {
		return nil, err
	}

	now := a.now()

	// Snapshot of committed times: everything in the workspace that still
	// holds a claim on an instant.
	var committed []time.Time
	if err := a.db.Model(&models.Post{}).
		Where("workspace_id = ? AND scheduled_at IS NOT NULL AND status IN ?",
			workspaceID, []models.PostStatus{
				models.PostStatusScheduled,
				models.PostStatusPendingApproval,
				models.PostStatusPublishing,
			}).
		Order("scheduled_at").
		Pluck("scheduled_at", &committed).Error; err != nil {
		return nil, fmt.Errorf("failed to load committed slots: %w", err)
	}

	queued := 0
	for _, t := range committed {
		if t.After(now) {
			queued++
		}
	}
	budget := caps.MaxQueueDepth - queued
	if budget <= 0 {
		return nil, nil
	}
	if count > budget {
		count = budget
	}

	var slots []time.Time
	day := now.In(loc)
	for d := 0; d <= caps.HorizonDays && len(slots) < count; d++ {
		for _, hm := range grid {
			candidate := time.Date(day.Year(), day.Month(), day.Day(), hm.hour, hm.minute, 0, 0, loc)
			if !candidate.After(now) {
				continue
			}
			if a.collides(candidate, committed) {
				continue
			}
			slots = append(slots, candidate)
			committed = append(committed, candidate)
			if len(slots) == count {
				break
			}
		}
		day = day.AddDate(0, 0, 1)
	}

	return slots, nil
}

// collides reports whether the candidate falls within the collision window of
// any committed time. Window 0 degenerates to exact-instant matching.
func (a *SlotAllocator) collides(candidate time.Time, committed []time.Time) bool {
	for _, t := range committed {
		if a.collisionWindow == 0 {
			if t.Equal(candidate) {
				return true
			}
			continue
		}
		d := candidate.Sub(t)
		if d < 0 {
			d = -d
		}
		if d < a.collisionWindow {
			return true
		}
	}
	return false
}

type hourMinute struct {
	hour   int
	minute int
}

func parsePostingTimes(times []string) ([]hourMinute, error) {
	if len(times) == 0 {
		return nil, fmt.Errorf("%w: no posting times configured", ErrBadPostingTimes)
	}

	grid := make([]hourMinute, 0, len(times))
	for _, raw := range times {
		t, err := time.Parse("15:04", raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadPostingTimes, raw)
		}
		grid = append(grid, hourMinute{hour: t.Hour(), minute: t.Minute()})
	}
	sort.Slice(grid, func(i, j int) bool {
		if grid[i].hour != grid[j].hour {
			return grid[i].hour < grid[j].hour
		}
		return grid[i].minute < grid[j].minute
	})
	return grid, nil
}
