package subagent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForStatus(t *testing.T, rt *Runtime, runID string, status string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, r := range rt.ListRuns("", false) {
			if r.RunID == runID && r.Status == status {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for run %s to reach status %s", runID, status)
}

func TestSpawnCompletesSuccessfullyAndNotifies(t *testing.T) {
	rt := New(2)
	var mu sync.Mutex
	var notifiedSession, notifiedMessage string
	rt.SetNotifier(func(sessionID, message string) {
		mu.Lock()
		defer mu.Unlock()
		notifiedSession = sessionID
		notifiedMessage = message
	})

	run, err := rt.Spawn(context.Background(), "chat-1", "", "resumir relatório", func(ctx context.Context, sessionID string) (string, error) {
		assert.Contains(t, sessionID, "chat-1:subagent:")
		return "relatório pronto", nil
	})
	require.NoError(t, err)

	waitForStatus(t, rt, run.RunID, StatusDone, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "chat-1", notifiedSession)
	assert.Contains(t, notifiedMessage, "relatório pronto")
}

func TestSpawnRequiresTaskDescription(t *testing.T) {
	rt := New(1)
	_, err := rt.Spawn(context.Background(), "chat-1", "", "", func(ctx context.Context, sessionID string) (string, error) {
		return "", nil
	})
	assert.Error(t, err)
}

func TestSpawnFailureMarksRunFailed(t *testing.T) {
	rt := New(1)
	run, err := rt.Spawn(context.Background(), "chat-1", "falho", "tarefa", func(ctx context.Context, sessionID string) (string, error) {
		return "", errors.New("boom")
	})
	require.NoError(t, err)
	waitForStatus(t, rt, run.RunID, StatusFailed, time.Second)

	runs := rt.ListRuns("chat-1", false)
	require.Len(t, runs, 1)
	assert.Equal(t, "boom", runs[0].Error)
}

func TestCancelSessionCancelsActiveRuns(t *testing.T) {
	rt := New(1)
	started := make(chan struct{})
	run, err := rt.Spawn(context.Background(), "chat-2", "", "tarefa longa", func(ctx context.Context, sessionID string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.NoError(t, err)

	<-started
	cancelled := rt.CancelSession("chat-2")
	assert.Equal(t, 1, cancelled)
	waitForStatus(t, rt, run.RunID, StatusCancelled, time.Second)
}

func TestRunningCountReflectsQueuedAndRunning(t *testing.T) {
	rt := New(1)
	block := make(chan struct{})
	_, err := rt.Spawn(context.Background(), "chat-3", "", "tarefa 1", func(ctx context.Context, sessionID string) (string, error) {
		<-block
		return "ok", nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, rt.RunningCount())
	close(block)
}

func TestListRunsFiltersBySessionAndActiveOnly(t *testing.T) {
	rt := New(2)
	_, err := rt.Spawn(context.Background(), "chat-a", "", "tarefa a", func(ctx context.Context, sessionID string) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	runB, err := rt.Spawn(context.Background(), "chat-b", "", "tarefa b", func(ctx context.Context, sessionID string) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "done", nil
	})
	require.NoError(t, err)

	onlyB := rt.ListRuns("chat-b", false)
	require.Len(t, onlyB, 1)
	assert.Equal(t, runB.RunID, onlyB[0].RunID)
}
