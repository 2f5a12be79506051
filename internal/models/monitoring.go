package models

import (
	"time"
)

// ErrorLog keeps operator-visible failures queryable next to the data they
// concern.
type ErrorLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Level        string    `gorm:"size:20;not null;index" json:"level"`
	Source       string    `gorm:"size:100;not null;index" json:"source"`
	PlatformName string    `gorm:"size:100;index" json:"platform_name"`
	PostID       *uint     `gorm:"index" json:"post_id"`
	Title        string    `gorm:"size:500;not null" json:"title"`
	Message      string    `gorm:"type:text;not null" json:"message"`
	Context      string    `gorm:"type:text" json:"context"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// MetricsSample is a single recorded metric value.
type MetricsSample struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	MetricName string    `gorm:"size:100;not null;index" json:"metric_name"`
	MetricType string    `gorm:"size:50;not null" json:"metric_type"`
	Value      float64   `gorm:"not null" json:"value"`
	Tags       string    `gorm:"type:text" json:"tags"`
	Timestamp  time.Time `gorm:"not null;index" json:"timestamp"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
