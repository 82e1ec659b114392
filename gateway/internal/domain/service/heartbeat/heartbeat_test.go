package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clawlite/gateway/internal/domain/service/notification"
)

type stubAgent struct {
	decideResponse string
	runResponse    string
	decideCalls    int
	runCalls       int
}

func (s *stubAgent) RunTask(ctx context.Context, prompt, skill, sessionID string) (string, error) {
	if skill == "heartbeat-decision" {
		s.decideCalls++
		return s.decideResponse, nil
	}
	s.runCalls++
	return s.runResponse, nil
}

func writeHeartbeatFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestIsEffectivelyEmptyTreatsCommentsAndBlanksAsEmpty(t *testing.T) {
	assert.True(t, isEffectivelyEmpty(""))
	assert.True(t, isEffectivelyEmpty("   \n# comentário\n\n# outro\n"))
	assert.False(t, isEffectivelyEmpty("# comentário\nverifique o deploy\n"))
}

func TestRunOnceSkipsWhenHeartbeatFileMissing(t *testing.T) {
	dir := t.TempDir()
	agent := &stubAgent{}
	loop := New(Config{WorkspacePath: dir}, agent, nil, nil, nil)
	loop.RunOnce(context.Background())
	assert.Equal(t, 0, agent.decideCalls)
}

func TestRunOnceSkipsWhenFileIsCommentOnly(t *testing.T) {
	dir := t.TempDir()
	writeHeartbeatFile(t, dir, "# só comentário\n\n")
	agent := &stubAgent{}
	loop := New(Config{WorkspacePath: dir}, agent, nil, nil, nil)
	loop.RunOnce(context.Background())
	assert.Equal(t, 0, agent.decideCalls)
}

func TestRunOnceSkipActionWritesStateWithoutNotification(t *testing.T) {
	dir := t.TempDir()
	writeHeartbeatFile(t, dir, "verificar status do deploy diário\n")
	agent := &stubAgent{decideResponse: `{"action":"skip","tasks":""}`}

	db := openTestDB(t)
	notifier, err := notification.New(db, time.Minute)
	require.NoError(t, err)

	loop := New(Config{WorkspacePath: dir, Now: func() time.Time { return time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) }}, agent, notifier, nil, nil)
	loop.RunOnce(context.Background())

	assert.Equal(t, 1, agent.decideCalls)
	assert.Equal(t, 0, agent.runCalls)

	var count int64
	require.NoError(t, db.Table("notifications").Count(&count).Error)
	assert.Equal(t, int64(0), count)

	st := loop.loadState()
	assert.Equal(t, "HEARTBEAT_SKIP", st.LastResult)
	assert.Equal(t, 1, st.RunsToday)
}

func TestRunOnceRunActionEmitsNotificationAndProactiveSend(t *testing.T) {
	dir := t.TempDir()
	writeHeartbeatFile(t, dir, "revisar backups pendentes\n")
	agent := &stubAgent{
		decideResponse: `{"action":"run","tasks":"revisar backups"}`,
		runResponse:    "3 backups pendentes encontrados",
	}

	db := openTestDB(t)
	notifier, err := notification.New(db, time.Minute)
	require.NoError(t, err)

	var sent string
	send := func(ctx context.Context, message string) error {
		sent = message
		return nil
	}

	loop := New(Config{WorkspacePath: dir, Now: func() time.Time { return time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) }}, agent, notifier, send, nil)
	loop.RunOnce(context.Background())

	assert.Equal(t, 1, agent.runCalls)
	assert.Equal(t, "3 backups pendentes encontrados", sent)

	var count int64
	require.NoError(t, db.Table("notifications").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRunOnceHeartbeatOKStaysSilent(t *testing.T) {
	dir := t.TempDir()
	writeHeartbeatFile(t, dir, "checar fila de tarefas\n")
	agent := &stubAgent{
		decideResponse: `{"action":"run","tasks":"checar fila"}`,
		runResponse:    heartbeatOK,
	}

	db := openTestDB(t)
	notifier, err := notification.New(db, time.Minute)
	require.NoError(t, err)

	sendCalled := false
	send := func(ctx context.Context, message string) error {
		sendCalled = true
		return nil
	}

	loop := New(Config{WorkspacePath: dir}, agent, notifier, send, nil)
	loop.RunOnce(context.Background())

	assert.False(t, sendCalled)
	var count int64
	require.NoError(t, db.Table("notifications").Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestRunsTodayResetsOnNewDay(t *testing.T) {
	dir := t.TempDir()
	writeHeartbeatFile(t, dir, "tarefa pendente\n")
	agent := &stubAgent{decideResponse: `{"action":"skip"}`}

	day1 := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	loop := New(Config{WorkspacePath: dir, Now: func() time.Time { return day1 }}, agent, nil, nil, nil)
	loop.RunOnce(context.Background())
	assert.Equal(t, 1, loop.loadState().RunsToday)

	loop.cfg.Now = func() time.Time { return day1.Add(time.Hour) }
	loop.RunOnce(context.Background())
	assert.Equal(t, 2, loop.loadState().RunsToday)

	day2 := day1.Add(24 * time.Hour)
	loop.cfg.Now = func() time.Time { return day2 }
	loop.RunOnce(context.Background())
	assert.Equal(t, 1, loop.loadState().RunsToday)
}

func TestExtractDecisionJSONHandlesCodeFence(t *testing.T) {
	d := extractDecisionJSON("```json\n{\"action\":\"run\",\"tasks\":\"x\"}\n```")
	require.NotNil(t, d)
	assert.Equal(t, "run", d.Action)
	assert.Equal(t, "x", d.Tasks)
}

func TestExtractDecisionJSONFallsBackToSkipOnGarbage(t *testing.T) {
	d := extractDecisionJSON("não entendi o pedido")
	assert.Nil(t, d)
}

func TestStripMarkdownFlattensFormatting(t *testing.T) {
	out := stripMarkdown("**3 backups** pendentes\n\n- item um\n- item dois\n")
	assert.Contains(t, out, "3 backups pendentes")
	assert.Contains(t, out, "item um")
	assert.Contains(t, out, "item dois")
}
