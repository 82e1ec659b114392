package models

import "time"

// CronJobModel backs conversation_cron_jobs.
type CronJobModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	Channel         string `gorm:"size:64;not null;uniqueIndex:idx_cron_slot"`
	ChatID          string `gorm:"size:128;uniqueIndex:idx_cron_slot"`
	ThreadID        string `gorm:"size:128;uniqueIndex:idx_cron_slot"`
	Label           string `gorm:"size:64;not null;uniqueIndex:idx_cron_slot"`
	Name            string `gorm:"size:64;not null;uniqueIndex:idx_cron_slot"`
	Text            string `gorm:"type:text;not null"`
	IntervalSeconds int64  `gorm:"not null"`
	CronExpr        string `gorm:"size:64"` // optional robfig/cron/v3 expression, takes precedence over IntervalSeconds when set
	Enabled         bool   `gorm:"not null;default:true"`
	LastRunAt       *time.Time
	NextRunAt       time.Time `gorm:"index"`
	LastResult      string    `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (CronJobModel) TableName() string { return "conversation_cron_jobs" }
