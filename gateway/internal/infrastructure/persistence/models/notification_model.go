package models

import "time"

// NotificationModel backs the notifications table.
type NotificationModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Channel   string `gorm:"size:64"`
	ChatID    string `gorm:"size:128"`
	ThreadID  string `gorm:"size:128"`
	Label     string `gorm:"size:64"`
	Event     string `gorm:"size:64;not null"`
	Priority  string `gorm:"size:16;not null"`
	DedupeKey string `gorm:"size:128;index"`
	Message   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (NotificationModel) TableName() string { return "notifications" }
