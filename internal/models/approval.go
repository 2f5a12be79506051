package models

import "time"

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// PostApproval gates a post behind a review decision. At most one pending
// approval exists per post.
type PostApproval struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	PostID      uint           `gorm:"not null;index" json:"post_id"`
	RequesterID uint           `gorm:"not null" json:"requester_id"`
	ApproverID  *uint          `json:"approver_id,omitempty"`
	Status      ApprovalStatus `gorm:"size:50;not null;default:'pending';index" json:"status"`
	Notes       string         `gorm:"type:text" json:"notes"`
	RequestedAt time.Time      `gorm:"not null" json:"requested_at"`
	ReviewedAt  *time.Time     `json:"reviewed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`

	Post Post `gorm:"foreignKey:PostID" json:"post,omitempty"`
}
