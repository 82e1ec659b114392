// Package taskqueue implements the persistent SQLite-backed task queue
// and its supervised subprocess workers.
//
// Grounded on spec.md §4.8 (Multi-Worker Task Queue): workers claim
// queued tasks for a (channel, chat_id, thread_id, label) slice via a
// conditional UPDATE, render command_template with argv-safe
// substitution (never through a shell), and a zombie-aware pid probe
// drives worker recovery. The claim/recovery queries are built with
// doug-martin/goqu rather than hand-written SQL strings.
package taskqueue

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clawlite/gateway/internal/infrastructure/persistence/models"
)

// Status values for tasks and workers.
const (
	TaskQueued  = "queued"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"

	WorkerStopped = "stopped"
	WorkerRunning = "running"
)

const resultTruncateLen = 4000

// allowedFields are the only template placeholders render will expand —
// anything else is left untouched, and no placeholder value is ever
// passed through a shell.
var allowedFields = map[string]bool{
	"text": true, "label": true, "chat_id": true, "thread_id": true, "channel": true,
}

// Queue owns the workers/tasks tables and the worker supervision loop.
type Queue struct {
	db  *gorm.DB
	log *zap.Logger

	mu      sync.Mutex
	workers map[string]*supervisedProcess // worker id -> running OS process handle
}

type supervisedProcess struct {
	cmd *exec.Cmd
}

// New opens a Queue against db, auto-migrating the workers/tasks tables.
func New(db *gorm.DB, log *zap.Logger) (*Queue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&models.WorkerModel{}, &models.TaskModel{}); err != nil {
		return nil, fmt.Errorf("taskqueue: migrate: %w", err)
	}
	return &Queue{db: db, log: log, workers: map[string]*supervisedProcess{}}, nil
}

// UpsertWorker creates or updates the worker registered for a
// (channel, chat_id, thread_id, label) slice.
func (q *Queue) UpsertWorker(ctx context.Context, channel, chatID, threadID, label, commandTemplate string, enabled bool) (*models.WorkerModel, error) {
	var existing models.WorkerModel
	err := q.db.WithContext(ctx).Where(
		"channel = ? AND chat_id = ? AND thread_id = ? AND label = ?", channel, chatID, threadID, label,
	).First(&existing).Error

	switch {
	case err == nil:
		existing.CommandTemplate = commandTemplate
		existing.Enabled = enabled
		if err := q.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, fmt.Errorf("taskqueue: update worker: %w", err)
		}
		return &existing, nil
	case err == gorm.ErrRecordNotFound:
		worker := &models.WorkerModel{
			ID:              ulid.Make().String(),
			Channel:         channel,
			ChatID:          chatID,
			ThreadID:        threadID,
			Label:           label,
			CommandTemplate: commandTemplate,
			Enabled:         enabled,
			Status:          WorkerStopped,
		}
		if err := q.db.WithContext(ctx).Create(worker).Error; err != nil {
			return nil, fmt.Errorf("taskqueue: create worker: %w", err)
		}
		return worker, nil
	default:
		return nil, fmt.Errorf("taskqueue: lookup worker: %w", err)
	}
}

// EnqueueTask inserts a queued task, requiring at least one enabled
// worker registered for the slice.
func (q *Queue) EnqueueTask(ctx context.Context, channel, chatID, threadID, label, payload string) (*models.TaskModel, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&models.WorkerModel{}).Where(
		"channel = ? AND chat_id = ? AND thread_id = ? AND label = ? AND enabled = ?",
		channel, chatID, threadID, label, true,
	).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("taskqueue: count workers: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("taskqueue: no enabled worker for slice %s/%s/%s/%s", channel, chatID, threadID, label)
	}

	task := &models.TaskModel{
		ID:       ulid.Make().String(),
		Channel:  channel,
		ChatID:   chatID,
		ThreadID: threadID,
		Label:    label,
		Payload:  payload,
		Status:   TaskQueued,
	}
	if err := q.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("taskqueue: create task: %w", err)
	}
	return task, nil
}

// ClaimTask atomically flips the oldest queued task for a slice to
// running, assigning it to workerID. At most one worker ever wins the
// race for a given task, because the UPDATE's WHERE clause re-checks
// status='queued' and only one execution can match a given row.
func (q *Queue) ClaimTask(ctx context.Context, channel, chatID, threadID, label, workerID string) (*models.TaskModel, error) {
	var task models.TaskModel
	err := q.db.WithContext(ctx).Where(
		"channel = ? AND chat_id = ? AND thread_id = ? AND label = ? AND status = ?",
		channel, chatID, threadID, label, TaskQueued,
	).Order("created_at asc").First(&task).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: find queued task: %w", err)
	}

	dialect := goqu.Dialect("sqlite3")
	sql, args, err := dialect.Update("tasks").
		Set(goqu.Record{"status": TaskRunning, "worker_id": workerID}).
		Where(goqu.C("id").Eq(task.ID), goqu.C("status").Eq(TaskQueued)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("taskqueue: build claim sql: %w", err)
	}

	result := q.db.WithContext(ctx).Exec(sql, args...)
	if result.Error != nil {
		return nil, fmt.Errorf("taskqueue: claim task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil // another worker won the race
	}
	task.Status = TaskRunning
	task.WorkerID = workerID
	return &task, nil
}

// FinishTask records a terminal status and truncated result for a task.
func (q *Queue) FinishTask(ctx context.Context, taskID, status, result string) error {
	if len(result) > resultTruncateLen {
		result = result[:resultTruncateLen]
	}
	return q.db.WithContext(ctx).Model(&models.TaskModel{}).Where("id = ?", taskID).
		Updates(map[string]any{"status": status, "result": result}).Error
}

// RenderCommand expands {field} placeholders in template using only
// allowedFields, then splits the result into argv with a shell-style
// tokenizer — never through /bin/sh, so no metacharacter ({{;}}, {{|}},
// backticks) is ever interpreted.
func RenderCommand(template string, fields map[string]string) ([]string, error) {
	var b strings.Builder
	i := 0
	for i < len(template) {
		if template[i] == '{' {
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("taskqueue: unterminated placeholder in template")
			}
			name := template[i+1 : i+end]
			if !allowedFields[name] {
				return nil, fmt.Errorf("taskqueue: disallowed template field %q", name)
			}
			b.WriteString(fields[name])
			i += end + 1
			continue
		}
		b.WriteByte(template[i])
		i++
	}
	return tokenize(b.String())
}

// tokenize is a minimal argv tokenizer: splits on whitespace, honoring
// single and double quoted spans. It performs no expansion of any kind.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	var inSingle, inDouble bool
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case c == ' ' && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("taskqueue: unterminated quote in command")
	}
	flush()
	return tokens, nil
}

// StartWorker spawns the worker's rendered command as a detached child
// process in its own process group, and records the pid.
func (q *Queue) StartWorker(ctx context.Context, worker *models.WorkerModel, fields map[string]string) error {
	argv, err := RenderCommand(worker.CommandTemplate, fields)
	if err != nil {
		return fmt.Errorf("taskqueue: render command: %w", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("taskqueue: empty command for worker %s", worker.ID)
	}

	cmd := exec.CommandContext(context.WithoutCancel(ctx), argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("taskqueue: start worker process: %w", err)
	}

	q.mu.Lock()
	q.workers[worker.ID] = &supervisedProcess{cmd: cmd}
	q.mu.Unlock()

	worker.Pid = cmd.Process.Pid
	worker.Status = WorkerRunning
	worker.Enabled = true
	if err := q.db.WithContext(ctx).Save(worker).Error; err != nil {
		return fmt.Errorf("taskqueue: persist worker start: %w", err)
	}

	go func() {
		_ = cmd.Wait()
		q.mu.Lock()
		delete(q.workers, worker.ID)
		q.mu.Unlock()
	}()

	q.log.Info("worker started", zap.String("worker_id", worker.ID), zap.Int("pid", worker.Pid))
	return nil
}

// StopWorker terminates the worker's process (if tracked locally) and
// clears its pid/status.
func (q *Queue) StopWorker(ctx context.Context, workerID string) error {
	q.mu.Lock()
	proc, tracked := q.workers[workerID]
	delete(q.workers, workerID)
	q.mu.Unlock()

	if tracked && proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}

	return q.db.WithContext(ctx).Model(&models.WorkerModel{}).Where("id = ?", workerID).
		Updates(map[string]any{"pid": 0, "status": WorkerStopped, "enabled": false}).Error
}

// isPidRunning probes /proc/<pid>/stat on Linux; a zombie ('Z') state
// counts as not-live so the recovery sweep actually fires, matching
// the critical behavior called out in spec.md §4.8.
func isPidRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	return procStateIsLive(string(data))
}

// procStateIsLive parses the state field out of a /proc/<pid>/stat
// payload. Split out of isPidRunning so the zombie-handling logic can
// be exercised without a real zombie process.
func procStateIsLive(statContents string) bool {
	// Format: "pid (comm) state ...". comm may contain spaces/parens, so
	// split on the last ')' and read the next field.
	paren := strings.LastIndexByte(statContents, ')')
	if paren < 0 || paren+2 >= len(statContents) {
		return false
	}
	fields := strings.Fields(statContents[paren+2:])
	if len(fields) == 0 {
		return false
	}
	state := fields[0]
	return state != "Z" && state != "X"
}

// RecoverWorkers restarts every enabled worker whose pid is not live.
func (q *Queue) RecoverWorkers(ctx context.Context, fieldsFor func(models.WorkerModel) map[string]string) ([]string, error) {
	var workers []models.WorkerModel
	if err := q.db.WithContext(ctx).Where("enabled = ?", true).Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("taskqueue: list enabled workers: %w", err)
	}

	var recovered []string
	for _, w := range workers {
		if isPidRunning(w.Pid) {
			continue
		}
		fields := map[string]string{}
		if fieldsFor != nil {
			fields = fieldsFor(w)
		}
		wCopy := w
		if err := q.StartWorker(ctx, &wCopy, fields); err != nil {
			q.log.Warn("worker recovery failed", zap.String("worker_id", w.ID), zap.Error(err))
			continue
		}
		recovered = append(recovered, w.ID)
	}
	return recovered, nil
}

// WorkerLoop polls for queued tasks matching a worker's slice at the
// given interval until ctx is canceled, claiming and executing each one
// via executeTask. Intended to run inside the worker subprocess itself.
func (q *Queue) WorkerLoop(ctx context.Context, worker *models.WorkerModel, pollEvery time.Duration) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := q.ClaimTask(ctx, worker.Channel, worker.ChatID, worker.ThreadID, worker.Label, worker.ID)
			if err != nil {
				q.log.Warn("claim failed", zap.Error(err))
				continue
			}
			if task == nil {
				continue
			}
			q.executeTask(ctx, worker, task)
		}
	}
}

func (q *Queue) executeTask(ctx context.Context, worker *models.WorkerModel, task *models.TaskModel) {
	fields := map[string]string{
		"text": task.Payload, "label": task.Label, "chat_id": task.ChatID,
		"thread_id": task.ThreadID, "channel": task.Channel,
	}
	argv, err := RenderCommand(worker.CommandTemplate, fields)
	if err != nil {
		_ = q.FinishTask(ctx, task.ID, TaskFailed, err.Error())
		return
	}
	if len(argv) == 0 {
		_ = q.FinishTask(ctx, task.ID, TaskFailed, "empty command")
		return
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		_ = q.FinishTask(ctx, task.ID, TaskFailed, out.String()+"\n"+err.Error())
		return
	}
	_ = q.FinishTask(ctx, task.ID, TaskDone, out.String())
}
