package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type PostStatus string

const (
	PostStatusDraft           PostStatus = "draft"
	PostStatusPendingApproval PostStatus = "pending_approval"
	PostStatusScheduled       PostStatus = "scheduled"
	PostStatusPublishing      PostStatus = "publishing"
	PostStatusPublished       PostStatus = "published"
	PostStatusFailed          PostStatus = "failed"
)

// MediaRef points at an already-uploaded media asset. The pipeline never
// touches the binary, only the reference.
type MediaRef struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// MediaList stores an ordered list of media references as a JSON column so
// the same model works on postgres and the sqlite test driver.
type MediaList []MediaRef

// Scan implements the sql.Scanner interface
func (m *MediaList) Scan(value interface{}) error {
	if value == nil {
		*m = MediaList{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*m = MediaList{}
			return nil
		}
		return json.Unmarshal(v, m)
	case string:
		if v == "" {
			*m = MediaList{}
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into MediaList", value)
	}
}

// Value implements the driver.Valuer interface
func (m MediaList) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Post is the unit of authored content. A post with ParentPostID set is a
// chain link: it inherits scheduling and status from its root, and at publish
// time replies to the platform post produced by its predecessor.
type Post struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	WorkspaceID  uint       `gorm:"not null;index" json:"workspace_id"`
	AuthorID     uint       `gorm:"not null" json:"author_id"`
	CampaignID   *uint      `gorm:"index" json:"campaign_id,omitempty"`
	ParentPostID *uint      `gorm:"index" json:"parent_post_id,omitempty"`
	Body         string     `gorm:"type:text" json:"body"`
	ContentType  string     `gorm:"size:50" json:"content_type"`
	Media        MediaList  `gorm:"type:text" json:"media"`
	ScheduledAt  *time.Time `gorm:"index" json:"scheduled_at"`
	Timezone     string     `gorm:"size:64" json:"timezone"`
	Status       PostStatus `gorm:"size:50;not null;default:'draft';index" json:"status"`
	PublishedAt  *time.Time `json:"published_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Destinations []PostDestination `gorm:"foreignKey:PostID" json:"destinations,omitempty"`
}

// IsChainRoot reports whether the post owns the canonical schedule for its
// thread.
func (p *Post) IsChainRoot() bool {
	return p.ParentPostID == nil
}

// Terminal reports whether the post finished a publish attempt.
func (s PostStatus) Terminal() bool {
	return s == PostStatusPublished || s == PostStatusFailed
}
