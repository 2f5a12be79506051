package service

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaypub/relay/internal/models"
)

// DestinationBuilder expands an authoring request's target profile ids into
// per-destination rows. Read-only: the post factory persists its output.
type DestinationBuilder struct {
	db *gorm.DB
}

func NewDestinationBuilder(db *gorm.DB) *DestinationBuilder {
	return &DestinationBuilder{db: db}
}

// Build resolves every profile id within the workspace and applies optional
// per-platform content overrides. Fails fast when any id is unknown or
// belongs to another workspace; no partial result is ever returned.
func (b *DestinationBuilder) Build(workspaceID uint, profileIDs []uint, overrides map[string]string) ([]models.PostDestination, error) {
	if len(profileIDs) == 0 {
		return nil, ErrNoDestinations
	}

	var profiles []models.SocialProfile
	if err := b.db.Where("id IN ? AND workspace_id = ?", profileIDs, workspaceID).
		Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve profiles: %w", err)
	}

	byID := make(map[uint]*models.SocialProfile, len(profiles))
	for i := range profiles {
		byID[profiles[i].ID] = &profiles[i]
	}

	destinations := make([]models.PostDestination, 0, len(profileIDs))
	for _, id := range profileIDs {
		profile, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: profile %d", ErrUnknownProfile, id)
		}

		destinations = append(destinations, models.PostDestination{
			ProfileID:       profile.ID,
			ContentOverride: overrides[profile.Platform],
			Status:          models.DestinationStatusPending,
			Metadata: models.StringMap{
				// Stable across dispatcher re-runs so platforms with
				// idempotency support can drop duplicate deliveries.
				"dedupe_key": uuid.NewString(),
			},
		})
	}

	return destinations, nil
}
