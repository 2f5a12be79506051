package models

import "time"

// SocialProfile is a connected account on an external platform, scoped to a
// workspace. ExternalID is the platform-side page/profile identifier used as
// the publish target.
type SocialProfile struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	WorkspaceID    uint       `gorm:"not null;index" json:"workspace_id"`
	Platform       string     `gorm:"size:50;not null;index" json:"platform"`
	Handle         string     `gorm:"size:255" json:"handle"`
	DisplayName    string     `gorm:"size:255" json:"display_name"`
	ExternalID     string     `gorm:"size:255" json:"external_id"`
	AccessToken    string     `gorm:"size:1024" json:"-"`
	RefreshToken   string     `gorm:"size:1024" json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Active         bool       `gorm:"default:true" json:"active"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
