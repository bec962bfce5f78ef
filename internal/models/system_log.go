package models

import "time"

// SystemLog is an operator-facing event: retries exhausted, purge runs, reprocess triggers.
type SystemLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Level      string    `gorm:"size:20;index" json:"level"` // info, warning, error
	Module     string    `gorm:"size:100;index" json:"module"`
	Action     string    `gorm:"size:200;index" json:"action"`
	Message    string    `gorm:"type:text" json:"message"`
	FeedbackID *uint     `gorm:"index" json:"feedback_id"`
	UserID     *uint     `json:"user_id"`
	IP         string    `gorm:"size:64" json:"ip"`
	UserAgent  string    `gorm:"size:255" json:"user_agent"`
	Extra      string    `gorm:"type:text" json:"extra"` // JSON
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (SystemLog) TableName() string { return "system_logs" }
