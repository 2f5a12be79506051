package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type DestinationStatus string

const (
	DestinationStatusPending DestinationStatus = "pending"
	DestinationStatusSuccess DestinationStatus = "success"
	DestinationStatusFailed  DestinationStatus = "failed"
)

// StringMap stores free-form metadata as a JSON column.
type StringMap map[string]string

// Scan implements the sql.Scanner interface
func (s *StringMap) Scan(value interface{}) error {
	if value == nil {
		*s = StringMap{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*s = StringMap{}
			return nil
		}
		return json.Unmarshal(v, s)
	case string:
		if v == "" {
			*s = StringMap{}
			return nil
		}
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("cannot scan %T into StringMap", value)
	}
}

// Value implements the driver.Valuer interface
func (s StringMap) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// PostDestination is one (post, social profile) publishing unit. Created
// atomically with its post; mutated only by the publishing orchestrator.
type PostDestination struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	PostID          uint              `gorm:"not null;uniqueIndex:idx_post_profile" json:"post_id"`
	ProfileID       uint              `gorm:"not null;uniqueIndex:idx_post_profile" json:"profile_id"`
	ContentOverride string            `gorm:"type:text" json:"content_override"`
	Status          DestinationStatus `gorm:"size:50;not null;default:'pending'" json:"status"`
	PlatformPostID  string            `gorm:"size:255" json:"platform_post_id"`
	Error           string            `gorm:"type:text" json:"error"`
	Metadata        StringMap         `gorm:"type:text" json:"metadata"`
	PublishedAt     *time.Time        `json:"published_at"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`

	Profile SocialProfile `gorm:"foreignKey:ProfileID" json:"profile"`
}
