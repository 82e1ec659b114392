// Package cron implements the Conversation-Cron Scheduler: a persistent
// table of per-conversation jobs, polled on a tick and routed either to
// the task queue or directly to a system handler (e.g. skill
// auto-update).
//
// Grounded on spec.md §4.9. The primary schedule is interval_seconds;
// an optional cron_expr column lets a job use a real cron expression
// instead (robfig/cron/v3's parser, no goroutine of its own — Next is
// consulted once per tick).
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clawlite/gateway/internal/domain/service/notification"
	"github.com/clawlite/gateway/internal/infrastructure/persistence/models"
	"github.com/clawlite/gateway/internal/infrastructure/taskqueue"
)

const systemAutoUpdateLabel = "skills"
const systemAutoUpdateName = "auto-update"
const maxDedupeWindow = 600 * time.Second

// Payload is handed to either the task queue or a SystemHandler.
type Payload struct {
	Channel   string
	ChatID    string
	ThreadID  string
	Label     string
	Text      string
	Source    string
	CronJobID string
	CronName  string
}

// SystemHandler executes a job routed directly to the runtime instead
// of through the task queue (e.g. marketplace auto-update).
type SystemHandler func(ctx context.Context, payload Payload) (result string, err error)

// Scheduler polls conversation_cron_jobs for due work.
type Scheduler struct {
	db        *gorm.DB
	queue     *taskqueue.Queue
	notifier  *notification.Sink
	log       *zap.Logger
	parser    cron.Parser
	systemHandlers map[string]SystemHandler

	tickMu sync.Mutex // serializes ticks so overlapping timers never double-fire
	now    func() time.Time
}

// New builds a Scheduler, auto-migrating conversation_cron_jobs.
func New(db *gorm.DB, queue *taskqueue.Queue, notifier *notification.Sink, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&models.CronJobModel{}); err != nil {
		return nil, fmt.Errorf("cron: migrate: %w", err)
	}
	return &Scheduler{
		db:             db,
		queue:          queue,
		notifier:       notifier,
		log:            log,
		parser:         cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		systemHandlers: map[string]SystemHandler{},
		now:            time.Now,
	}, nil
}

// RegisterSystemHandler installs the handler invoked for jobs whose
// (channel, label, name) route directly to the runtime rather than the
// task queue.
func (s *Scheduler) RegisterSystemHandler(channel, label, name string, handler SystemHandler) {
	s.systemHandlers[channel+"/"+label+":"+name] = handler
}

// UpsertJob creates or updates a job for the unique
// (channel, chat_id, thread_id, label, name) slice.
func (s *Scheduler) UpsertJob(ctx context.Context, job models.CronJobModel) (*models.CronJobModel, error) {
	var existing models.CronJobModel
	err := s.db.WithContext(ctx).Where(
		"channel = ? AND chat_id = ? AND thread_id = ? AND label = ? AND name = ?",
		job.Channel, job.ChatID, job.ThreadID, job.Label, job.Name,
	).First(&existing).Error

	if err == gorm.ErrRecordNotFound {
		if job.ID == "" {
			job.ID = ulid.Make().String()
		}
		job.NextRunAt = s.computeNextRun(job, s.now())
		if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
			return nil, fmt.Errorf("cron: create job: %w", err)
		}
		return &job, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cron: lookup job: %w", err)
	}

	existing.Text = job.Text
	existing.IntervalSeconds = job.IntervalSeconds
	existing.CronExpr = job.CronExpr
	existing.Enabled = job.Enabled
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return nil, fmt.Errorf("cron: update job: %w", err)
	}
	return &existing, nil
}

func (s *Scheduler) computeNextRun(job models.CronJobModel, from time.Time) time.Time {
	if job.CronExpr != "" {
		if schedule, err := s.parser.Parse(job.CronExpr); err == nil {
			return schedule.Next(from)
		}
		s.log.Warn("invalid cron_expr, falling back to interval", zap.String("job", job.Name), zap.String("expr", job.CronExpr))
	}
	interval := job.IntervalSeconds
	if interval <= 0 {
		interval = 60
	}
	return from.Add(time.Duration(interval) * time.Second)
}

// Tick runs one scheduling pass: it loads every due job, routes it, and
// advances next_run_at. Tick is a no-op (returns 0, nil) if a tick is
// already in flight, so overlapping timers never double-fire.
func (s *Scheduler) Tick(ctx context.Context) (processed int, err error) {
	if !s.tickMu.TryLock() {
		return 0, nil
	}
	defer s.tickMu.Unlock()

	now := s.now()
	var due []models.CronJobModel
	if err := s.db.WithContext(ctx).Where("enabled = ? AND next_run_at <= ?", true, now).Find(&due).Error; err != nil {
		return 0, fmt.Errorf("cron: list due jobs: %w", err)
	}

	for _, job := range due {
		s.runJob(ctx, job, now)
		processed++
	}
	return processed, nil
}

func (s *Scheduler) runJob(ctx context.Context, job models.CronJobModel, now time.Time) {
	payload := Payload{
		Channel: job.Channel, ChatID: job.ChatID, ThreadID: job.ThreadID, Label: job.Label,
		Text: job.Text, Source: "cron", CronJobID: job.ID, CronName: job.Name,
	}

	var result string
	var runErr error
	routeKey := job.Channel + "/" + job.Label + ":" + job.Name
	if handler, ok := s.systemHandlers[routeKey]; ok && handler != nil {
		result, runErr = handler(ctx, payload)
	} else if job.Channel == "system" && job.Label == systemAutoUpdateLabel && job.Name == systemAutoUpdateName {
		runErr = fmt.Errorf("cron: no auto-update handler registered")
	} else if s.queue != nil {
		task, err := s.queue.EnqueueTask(ctx, job.Channel, job.ChatID, job.ThreadID, job.Label, job.Text)
		if err != nil {
			runErr = err
		} else {
			result = "enqueued task " + task.ID
		}
	} else {
		runErr = fmt.Errorf("cron: no task queue configured")
	}

	// Mirrors run_cron_jobs: successful routing (enqueued or directly
	// executed) is a low-priority notification, a failure is high.
	lastResult := result
	priority := notification.PriorityLow
	dedupeKey := fmt.Sprintf("cron:ok:%s", job.ID)
	if runErr != nil {
		lastResult = "error:" + runErr.Error()
		priority = notification.PriorityHigh
		dedupeKey = fmt.Sprintf("cron:failed:%s:%s", job.ID, runErr.Error())
	}

	nextRun := s.computeNextRun(job, now)
	if err := s.db.WithContext(ctx).Model(&models.CronJobModel{}).Where("id = ?", job.ID).
		Updates(map[string]any{"last_run_at": now, "next_run_at": nextRun, "last_result": lastResult}).Error; err != nil {
		s.log.Warn("failed to persist cron tick", zap.String("job", job.ID), zap.Error(err))
	}

	if s.notifier != nil {
		window := time.Duration(job.IntervalSeconds) * time.Second
		if window <= 0 {
			window = 60 * time.Second
		}
		if window > maxDedupeWindow {
			window = maxDedupeWindow
		}
		_, _ = s.notifier.Emit(notification.Notification{
			Channel: job.Channel, ChatID: job.ChatID, ThreadID: job.ThreadID, Label: job.Label,
			Event:     "cron.tick",
			Priority:  priority,
			DedupeKey: dedupeKey,
			Message:   lastResult,
		}, window)
	}
}

// Run starts a ticking loop at pollEvery until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, pollEvery time.Duration) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.Warn("cron tick failed", zap.Error(err))
			}
		}
	}
}
