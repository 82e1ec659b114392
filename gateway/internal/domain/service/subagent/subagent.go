// Package subagent runs delegated tasks in the background under a
// bounded worker pool, reporting completion asynchronously instead of
// blocking the caller's conversation turn.
//
// Grounded on original_source/clawlite/runtime/subagents.py's
// SubagentRuntime in full (SubagentRun fields, spawn/_on_done,
// cancel_run/cancel_session, running_count). The Python
// ThreadPoolExecutor + Future.add_done_callback pair maps onto the
// teacher's semaphore-channel + sync.WaitGroup idiom for bounded
// parallelism (see agent_loop.go's tool-execution fan-out).
package subagent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const resultPreviewLen = 600

// Status values for a SubagentRun.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Task is the work a subagent executes. sessionID is the derived
// "<parent>:subagent:<run_id>" session the agent runs under.
type Task func(ctx context.Context, sessionID string) (string, error)

// Notifier is invoked once a run finishes, with the parent session id
// and a formatted human-readable summary.
type Notifier func(sessionID, message string)

// Run is the lifecycle record of one delegated task.
type Run struct {
	RunID         string
	SessionID     string
	Label         string
	Task          string
	Status        string
	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	ResultPreview string
	Error         string
}

// Runtime is a bounded pool of background subagent workers.
type Runtime struct {
	sem   chan struct{}
	wg    sync.WaitGroup

	mu           sync.Mutex
	runs         map[string]*Run
	cancels      map[string]context.CancelFunc
	sessionIndex map[string]map[string]struct{}
	notifier     Notifier
	closed       bool
}

// New builds a Runtime with at most maxWorkers concurrent subagents
// (clamped to at least 1).
func New(maxWorkers int) *Runtime {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Runtime{
		sem:          make(chan struct{}, maxWorkers),
		runs:         map[string]*Run{},
		cancels:      map[string]context.CancelFunc{},
		sessionIndex: map[string]map[string]struct{}{},
	}
}

// SetNotifier installs the completion callback.
func (r *Runtime) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// Spawn schedules task to run under a derived session id and returns
// immediately with the queued run's identity. The run transitions to
// running once a pool slot is free.
func (r *Runtime) Spawn(ctx context.Context, sessionID, label, taskDescription string, task Task) (*Run, error) {
	if taskDescription == "" {
		return nil, fmt.Errorf("subagent: task description is required")
	}
	sid := sessionID
	if sid == "" {
		sid = "default"
	}
	if label == "" {
		label = truncate(taskDescription, 48)
	}

	runID := ulid.Make().String()[:8]
	now := time.Now()
	run := &Run{
		RunID:     runID,
		SessionID: sid,
		Label:     label,
		Task:      taskDescription,
		Status:    StatusQueued,
		CreatedAt: now,
	}

	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("subagent: runtime shut down")
	}
	r.runs[runID] = run
	r.cancels[runID] = cancel
	if r.sessionIndex[sid] == nil {
		r.sessionIndex[sid] = map[string]struct{}{}
	}
	r.sessionIndex[sid][runID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.execute(runCtx, runID, sid, task)

	return run, nil
}

func (r *Runtime) execute(ctx context.Context, runID, sessionID string, task Task) {
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		r.finish(runID, "", ctx.Err())
		return
	}

	r.mu.Lock()
	if run, ok := r.runs[runID]; ok {
		run.Status = StatusRunning
		started := time.Now()
		run.StartedAt = &started
	}
	r.mu.Unlock()

	output, err := task(ctx, sessionID+":subagent:"+runID)
	r.finish(runID, output, err)
}

func (r *Runtime) finish(runID, output string, taskErr error) {
	r.mu.Lock()
	run, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	ended := time.Now()
	run.EndedAt = &ended
	delete(r.cancels, runID)

	var notifyText string
	switch {
	case taskErr == context.Canceled:
		run.Status = StatusCancelled
		run.Error = "cancelled"
	case taskErr != nil:
		run.Status = StatusFailed
		run.Error = taskErr.Error()
		notifyText = fmt.Sprintf("[subagent:%s] %s\nFalha: %s", run.RunID, run.Label, run.Error)
	default:
		run.Status = StatusDone
		run.ResultPreview = truncate(output, resultPreviewLen)
		body := output
		if body == "" {
			body = "(sem saída)"
		}
		notifyText = fmt.Sprintf("[subagent:%s] %s\nResultado:\n%s", run.RunID, run.Label, truncate(body, 3500))
	}

	notifier := r.notifier
	sessionID := run.SessionID
	r.mu.Unlock()

	if notifier != nil && notifyText != "" {
		notifier(sessionID, notifyText)
	}
}

// ListRuns returns runs, optionally filtered by session and active-only.
func (r *Runtime) ListRuns(sessionID string, onlyActive bool) []Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Run
	for _, run := range r.runs {
		if sessionID != "" && run.SessionID != sessionID {
			continue
		}
		if onlyActive && run.Status != StatusQueued && run.Status != StatusRunning {
			continue
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CancelRun requests cancellation of one run; returns false if the run
// is unknown or already finished.
func (r *Runtime) CancelRun(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[runID]
	run := r.runs[runID]
	r.mu.Unlock()
	if !ok || run == nil {
		return false
	}
	cancel()
	return true
}

// CancelSession cancels every active run belonging to sessionID and
// returns how many it signaled.
func (r *Runtime) CancelSession(sessionID string) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessionIndex[sessionID]))
	for id := range r.sessionIndex[sessionID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		if r.CancelRun(id) {
			cancelled++
		}
	}
	return cancelled
}

// RunningCount reports how many runs are queued or running.
func (r *Runtime) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, run := range r.runs {
		if run.Status == StatusQueued || run.Status == StatusRunning {
			count++
		}
	}
	return count
}

// Shutdown cancels every in-flight run and waits for workers to exit.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	r.closed = true
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for _, c := range r.cancels {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	r.wg.Wait()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
