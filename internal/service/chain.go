package service

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/relaypub/relay/internal/models"
)

// collectChain gathers a post id plus all descendant chain link ids, breadth
// first. Chains are short in practice but the walk is transitive regardless.
func collectChain(db *gorm.DB, rootID uint) ([]uint, error) {
	ids := []uint{rootID}
	frontier := []uint{rootID}

	for len(frontier) > 0 {
		var next []uint
		if err := db.Model(&models.Post{}).
			Where("parent_post_id IN ?", frontier).
			Order("id").
			Pluck("id", &next).Error; err != nil {
			return nil, fmt.Errorf("failed to collect chain links: %w", err)
		}
		ids = append(ids, next...)
		frontier = next
	}

	return ids, nil
}

// propagateChain mirrors the root's schedule, timezone and status onto every
// descendant link so threads always fire together.
func propagateChain(tx *gorm.DB, root *models.Post) error {
	ids, err := collectChain(tx, root.ID)
	if err != nil {
		return err
	}
	if len(ids) <= 1 {
		return nil
	}

	return tx.Model(&models.Post{}).Where("id IN ?", ids[1:]).
		Updates(map[string]interface{}{
			"scheduled_at": root.ScheduledAt,
			"timezone":     root.Timezone,
			"status":       root.Status,
		}).Error
}
