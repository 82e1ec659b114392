package models

import "time"

// WorkerModel backs the supervised subprocess worker registry.
type WorkerModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	Channel         string `gorm:"size:64;not null;uniqueIndex:idx_worker_slot"`
	ChatID          string `gorm:"size:128;uniqueIndex:idx_worker_slot"`
	ThreadID        string `gorm:"size:128;uniqueIndex:idx_worker_slot"`
	Label           string `gorm:"size:64;not null;uniqueIndex:idx_worker_slot"`
	CommandTemplate string `gorm:"type:text;not null"`
	Enabled         bool   `gorm:"not null;default:true"`
	Pid             int    `gorm:"default:0"`
	Status          string `gorm:"size:16;not null;default:stopped"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (WorkerModel) TableName() string { return "workers" }

// TaskModel backs one unit of queued work.
type TaskModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Channel   string `gorm:"size:64;not null;index:idx_task_slot"`
	ChatID    string `gorm:"size:128;index:idx_task_slot"`
	ThreadID  string `gorm:"size:128;index:idx_task_slot"`
	Label     string `gorm:"size:64;not null;index:idx_task_slot"`
	Payload   string `gorm:"type:text;not null"`
	Status    string `gorm:"size:16;not null;default:queued;index"`
	WorkerID  string `gorm:"size:64"`
	Result    string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TaskModel) TableName() string { return "tasks" }
