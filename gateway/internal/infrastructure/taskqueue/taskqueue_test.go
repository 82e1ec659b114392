package taskqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestRenderCommandSubstitutesWhitelistedFields(t *testing.T) {
	argv, err := RenderCommand(`clawlite run "{text}"`, map[string]string{"text": "status diário"})
	require.NoError(t, err)
	assert.Equal(t, []string{"clawlite", "run", "status diário"}, argv)
}

func TestRenderCommandRejectsDisallowedField(t *testing.T) {
	_, err := RenderCommand("echo {secret}", map[string]string{"secret": "x"})
	assert.Error(t, err)
}

func TestRenderCommandDoesNotExpandShellMetacharacters(t *testing.T) {
	argv, err := RenderCommand("clawlite run {text}", map[string]string{"text": "; rm -rf / #"})
	require.NoError(t, err)
	// The whole injected string lands as literal argv elements, never
	// reaching a shell for interpretation.
	assert.Contains(t, argv, ";")
	assert.Contains(t, argv, "rm")
}

func TestEnqueueRequiresEnabledWorker(t *testing.T) {
	q, err := New(openTestDB(t), nil)
	require.NoError(t, err)

	_, err = q.EnqueueTask(context.Background(), "telegram", "123", "", "general", "status")
	assert.Error(t, err)

	_, err = q.UpsertWorker(context.Background(), "telegram", "123", "", "general", `clawlite run "{text}"`, true)
	require.NoError(t, err)

	task, err := q.EnqueueTask(context.Background(), "telegram", "123", "", "general", "status")
	require.NoError(t, err)
	assert.Equal(t, TaskQueued, task.Status)
}

func TestClaimTaskIsAtMostOnce(t *testing.T) {
	q, err := New(openTestDB(t), nil)
	require.NoError(t, err)
	_, err = q.UpsertWorker(context.Background(), "irc", "c1", "", "general", "echo {text}", true)
	require.NoError(t, err)
	_, err = q.EnqueueTask(context.Background(), "irc", "c1", "", "general", "hi")
	require.NoError(t, err)

	first, err := q.ClaimTask(context.Background(), "irc", "c1", "", "general", "worker-a")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, TaskRunning, first.Status)

	second, err := q.ClaimTask(context.Background(), "irc", "c1", "", "general", "worker-b")
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestProcStateIsLiveTreatsZombieAsDead(t *testing.T) {
	running := "1234 (worker) S 1 1234 1234 0 -1 4194560"
	zombie := "1234 (worker) Z 1 1234 1234 0 -1 4194560"
	assert.True(t, procStateIsLive(running))
	assert.False(t, procStateIsLive(zombie))
}

func TestRecoverWorkersRestartsOnlyDeadEnabledWorkers(t *testing.T) {
	q, err := New(openTestDB(t), nil)
	require.NoError(t, err)
	worker, err := q.UpsertWorker(context.Background(), "irc", "c1", "", "general", "sleep 1", true)
	require.NoError(t, err)
	worker.Pid = 999999 // not a live pid on any real system
	require.NoError(t, q.db.Save(worker).Error)

	recovered, err := q.RecoverWorkers(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, worker.ID, recovered[0])
}
