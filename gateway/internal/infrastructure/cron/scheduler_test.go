package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clawlite/gateway/internal/domain/service/notification"
	"github.com/clawlite/gateway/internal/infrastructure/persistence/models"
	"github.com/clawlite/gateway/internal/infrastructure/taskqueue"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestTickEnqueuesDueJobAndAdvancesNextRun(t *testing.T) {
	db := openTestDB(t)
	queue, err := taskqueue.New(db, nil)
	require.NoError(t, err)
	_, err = queue.UpsertWorker(context.Background(), "telegram", "123", "", "general", `clawlite run "{text}"`, true)
	require.NoError(t, err)

	notifier, err := notification.New(db, time.Minute)
	require.NoError(t, err)

	sched, err := New(db, queue, notifier, nil)
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	sched.now = func() time.Time { return past.Add(time.Minute) }
	job, err := sched.UpsertJob(context.Background(), models.CronJobModel{
		Channel: "telegram", ChatID: "123", Label: "general", Name: "status",
		Text: "status diário", IntervalSeconds: 30,
	})
	require.NoError(t, err)

	// force it due
	require.NoError(t, db.Model(&models.CronJobModel{}).Where("id = ?", job.ID).Update("next_run_at", past).Error)

	processed, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	var tasks []models.TaskModel
	require.NoError(t, db.Find(&tasks).Error)
	require.Len(t, tasks, 1)
	assert.Equal(t, taskqueue.TaskQueued, tasks[0].Status)

	var updated models.CronJobModel
	require.NoError(t, db.First(&updated, "id = ?", job.ID).Error)
	assert.True(t, updated.NextRunAt.After(past))
}

func TestTickRoutesSystemHandlerDirectly(t *testing.T) {
	db := openTestDB(t)
	notifier, err := notification.New(db, time.Minute)
	require.NoError(t, err)
	sched, err := New(db, nil, notifier, nil)
	require.NoError(t, err)

	invoked := false
	sched.RegisterSystemHandler("system", "skills", "auto-update", func(ctx context.Context, payload Payload) (string, error) {
		invoked = true
		return "updated", nil
	})

	job, err := sched.UpsertJob(context.Background(), models.CronJobModel{
		Channel: "system", Label: "skills", Name: "auto-update", IntervalSeconds: 3600,
	})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.CronJobModel{}).Where("id = ?", job.ID).Update("next_run_at", time.Now().Add(-time.Second)).Error)

	processed, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.True(t, invoked)
}

func TestConcurrentTicksDoNotDoubleFire(t *testing.T) {
	db := openTestDB(t)
	queue, err := taskqueue.New(db, nil)
	require.NoError(t, err)
	_, err = queue.UpsertWorker(context.Background(), "irc", "c1", "", "general", "echo {text}", true)
	require.NoError(t, err)
	notifier, err := notification.New(db, time.Minute)
	require.NoError(t, err)
	sched, err := New(db, queue, notifier, nil)
	require.NoError(t, err)

	job, err := sched.UpsertJob(context.Background(), models.CronJobModel{
		Channel: "irc", ChatID: "c1", Label: "general", Name: "ping", IntervalSeconds: 30,
	})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.CronJobModel{}).Where("id = ?", job.ID).Update("next_run_at", time.Now().Add(-time.Second)).Error)

	sched.tickMu.Lock() // simulate a tick already in flight
	processed, err := sched.Tick(context.Background())
	sched.tickMu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}
