// Package notification implements the deduped notification sink shared
// by the cron scheduler and the heartbeat loop: every component that
// wants to surface an event to the operator emits through here, and a
// duplicate dedupe_key within the configured window is dropped.
package notification

import (
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/clawlite/gateway/internal/infrastructure/persistence/models"
)

// Priority ranks a notification for read filtering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

var priorityRank = map[Priority]int{PriorityLow: 0, PriorityNormal: 1, PriorityHigh: 2}

// Rank returns the numeric ordering used by min-priority queries.
func (p Priority) Rank() int { return priorityRank[p] }

// Notification is one emitted event.
type Notification struct {
	Channel   string
	ChatID    string
	ThreadID  string
	Label     string
	Event     string
	Priority  Priority
	DedupeKey string
	Message   string
	Metadata  map[string]any
}

// Sink persists notifications and drops duplicates within a window.
type Sink struct {
	db           *gorm.DB
	defaultWindow time.Duration
	now          func() time.Time

	mu   sync.Mutex
	last map[string]time.Time // dedupe_key -> last emission time
}

// New opens a Sink backed by db, auto-migrating its table.
func New(db *gorm.DB, defaultWindow time.Duration) (*Sink, error) {
	if err := db.AutoMigrate(&models.NotificationModel{}); err != nil {
		return nil, err
	}
	return &Sink{db: db, defaultWindow: defaultWindow, now: time.Now, last: map[string]time.Time{}}, nil
}

// Emit stores n unless dedupeWindow has not yet elapsed since the last
// emission sharing the same DedupeKey; dedupeWindow<=0 uses the sink's
// default.
func (s *Sink) Emit(n Notification, dedupeWindow time.Duration) (emitted bool, err error) {
	if dedupeWindow <= 0 {
		dedupeWindow = s.defaultWindow
	}
	now := s.now()

	s.mu.Lock()
	if n.DedupeKey != "" {
		if last, ok := s.last[n.DedupeKey]; ok && now.Sub(last) < dedupeWindow {
			s.mu.Unlock()
			return false, nil
		}
		s.last[n.DedupeKey] = now
	}
	s.mu.Unlock()

	row := &models.NotificationModel{
		Channel:   n.Channel,
		ChatID:    n.ChatID,
		ThreadID:  n.ThreadID,
		Label:     n.Label,
		Event:     n.Event,
		Priority:  string(n.Priority),
		DedupeKey: n.DedupeKey,
		Message:   n.Message,
	}
	if err := s.db.Create(row).Error; err != nil {
		return false, err
	}
	return true, nil
}

// List returns up to limit notifications at or above minPriority, newest
// first, picked from the newest limit*4 rows only; older qualifying rows
// beyond that scan are not returned.
func (s *Sink) List(minPriority Priority, limit int) ([]models.NotificationModel, error) {
	var all []models.NotificationModel
	if err := s.db.Order("created_at desc").Limit(limit * 4).Find(&all).Error; err != nil {
		return nil, err
	}
	var out []models.NotificationModel
	for _, row := range all {
		if Priority(row.Priority).Rank() >= minPriority.Rank() {
			out = append(out, row)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
