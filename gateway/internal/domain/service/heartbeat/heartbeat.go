// Package heartbeat implements the proactive heartbeat loop: a periodic
// read of the workspace's HEARTBEAT.md, a cheap decide phase that asks
// the agent whether there is anything worth doing right now, and — only
// when the answer is yes — a full execution phase whose response is
// deduped and surfaced as a notification / proactive broadcast.
//
// Adapted from the teacher's gateway/internal/domain/service/heartbeat.go
// (ticker/Start/Stop shape, HeartbeatConfig naming) and grounded on
// original_source/clawlite/core/heartbeat.go's HeartbeatLoop in full:
// _is_effectively_empty, _decide_action's two-phase JSON contract,
// _run_once's state bookkeeping and notification dedupe key.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.uber.org/zap"

	"github.com/clawlite/gateway/internal/domain/service/notification"
)

const (
	defaultInterval  = 30 * time.Minute
	heartbeatOK      = "HEARTBEAT_OK"
	responsePreview  = 500
	stateResultLimit = 200
)

// AgentRunner is the narrow surface the heartbeat loop needs from the
// agent: run one prompt under a named skill and session, return its
// final text. The autonomy wiring layer adapts AgentLoop.Run to this.
type AgentRunner interface {
	RunTask(ctx context.Context, prompt, skill, sessionID string) (string, error)
}

// ProactiveSender pushes a message out-of-band (e.g. to the last active
// channel) when the heartbeat produces a non-silent response.
type ProactiveSender func(ctx context.Context, message string) error

// Config configures a Loop.
type Config struct {
	WorkspacePath   string
	HeartbeatFile   string // defaults to <workspace>/HEARTBEAT.md
	StateFile       string // defaults to <workspace>/memory/heartbeat-state.json
	Interval        time.Duration
	Now             func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.HeartbeatFile == "" {
		c.HeartbeatFile = filepath.Join(c.WorkspacePath, "HEARTBEAT.md")
	}
	if c.StateFile == "" {
		c.StateFile = filepath.Join(c.WorkspacePath, "memory", "heartbeat-state.json")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// state is the day-rollover bookkeeping persisted between ticks.
type state struct {
	LastRun   *time.Time `json:"last_run"`
	LastResult string    `json:"last_result"`
	RunsToday int        `json:"runs_today"`
}

// Loop is the heartbeat ticker: reads HEARTBEAT.md, asks the agent to
// decide, optionally executes, and dedupes the outcome as a notification.
type Loop struct {
	cfg      Config
	agent    AgentRunner
	notifier *notification.Sink
	send     ProactiveSender
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New builds a Loop. agent, notifier, and send may be nil in tests that
// only exercise the file-parsing helpers.
func New(cfg Config, agent AgentRunner, notifier *notification.Sink, send ProactiveSender, log *zap.Logger) *Loop {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{cfg: cfg, agent: agent, notifier: notifier, send: send, log: log}
}

// Start runs the ticking loop in a goroutine until Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.mu.Unlock()

	go func() {
		l.RunOnce(ctx)
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.RunOnce(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit at the next tick boundary.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running && l.cancel != nil {
		l.cancel()
		l.running = false
	}
}

// isEffectivelyEmpty reports whether content has no line besides blanks
// and '#'-prefixed comments.
func isEffectivelyEmpty(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			return false
		}
	}
	return true
}

type decision struct {
	Action string `json:"action"`
	Tasks  string `json:"tasks"`
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

func extractDecisionJSON(text string) *decision {
	raw := strings.TrimSpace(text)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		raw = strings.TrimSuffix(raw, "```")
		raw = strings.TrimSpace(raw)
	}

	var d decision
	if err := json.Unmarshal([]byte(raw), &d); err == nil {
		return &d
	}

	if match := jsonObjectPattern.FindString(raw); match != "" {
		if err := json.Unmarshal([]byte(match), &d); err == nil {
			return &d
		}
	}
	return nil
}

// decideAction runs the cheap phase-1 prompt and returns action/tasks.
func (l *Loop) decideAction(ctx context.Context, content string) (action, tasks, raw string, err error) {
	prompt := "Você é o planejador de heartbeat. Responda APENAS em JSON com este formato:\n" +
		`{"action":"skip|run","tasks":"resumo curto das tarefas quando action=run"}` + "\n\n" +
		"Regras:\n" +
		"- use action=skip quando não houver trabalho acionável agora;\n" +
		"- use action=run apenas quando houver ação proativa imediata.\n\n" +
		"[HEARTBEAT_MD]\n" + content

	raw, err = l.agent.RunTask(ctx, prompt, "heartbeat-decision", "heartbeat")
	if err != nil {
		return "", "", "", err
	}

	if d := extractDecisionJSON(raw); d != nil {
		action = strings.ToLower(strings.TrimSpace(d.Action))
		if action != "skip" && action != "run" {
			action = "skip"
		}
		return action, strings.TrimSpace(d.Tasks), raw, nil
	}

	if strings.TrimSpace(raw) == heartbeatOK {
		return "skip", "", heartbeatOK, nil
	}
	return "run", strings.TrimSpace(raw), raw, nil
}

// RunOnce executes a single heartbeat cycle. Safe to call directly from
// tests; Start wraps it in a ticker.
func (l *Loop) RunOnce(ctx context.Context) {
	data, err := os.ReadFile(l.cfg.HeartbeatFile)
	if err != nil {
		l.log.Debug("heartbeat file not available", zap.String("path", l.cfg.HeartbeatFile), zap.Error(err))
		return
	}

	content := string(data)
	if isEffectivelyEmpty(content) {
		l.log.Debug("heartbeat file empty or comment-only, staying silent")
		return
	}

	if l.agent == nil {
		l.log.Warn("heartbeat: no agent runner configured, skipping cycle")
		return
	}

	action, tasks, decisionRaw, err := l.decideAction(ctx, content)
	if err != nil {
		l.log.Warn("heartbeat: decide phase failed", zap.Error(err))
		return
	}

	if action == "skip" {
		result := "HEARTBEAT_SKIP"
		if strings.TrimSpace(decisionRaw) == heartbeatOK {
			result = heartbeatOK
		}
		l.saveState(result)
		l.log.Info("heartbeat: decision=skip")
		return
	}

	prompt := tasks
	if prompt == "" {
		prompt = content
	}
	response, err := l.agent.RunTask(ctx, prompt, "heartbeat", "heartbeat")
	if err != nil {
		l.log.Warn("heartbeat: execution phase failed", zap.Error(err))
		return
	}

	responseClean := strings.TrimSpace(response)
	if responseClean == "" {
		responseClean = "HEARTBEAT_RUN_EMPTY"
	}

	lastResult := responseClean
	if len(lastResult) > stateResultLimit {
		lastResult = lastResult[:stateResultLimit-3] + "..."
	}
	l.saveState(lastResult)

	if responseClean == heartbeatOK {
		l.log.Info("heartbeat: HEARTBEAT_OK, staying silent")
		return
	}

	l.log.Info("heartbeat: non-OK response, notifying")
	preview := stripMarkdown(responseClean)
	if len(preview) > responsePreview {
		preview = preview[:responsePreview]
	}

	if l.notifier != nil {
		_, err := l.notifier.Emit(notification.Notification{
			Channel: "system", Label: "heartbeat",
			Event:     "heartbeat.response",
			Priority:  notification.PriorityNormal,
			DedupeKey: fmt.Sprintf("heartbeat:%s:%d", l.cfg.Now().UTC().Format("2006-01-02"), fnvHash(responseClean)),
			Message:   preview,
		}, 5*time.Minute)
		if err != nil {
			l.log.Warn("heartbeat: failed to emit notification", zap.Error(err))
		}
	}

	if l.send != nil {
		if err := l.send(ctx, responseClean); err != nil {
			l.log.Warn("heartbeat: proactive send failed", zap.Error(err))
		}
	}
}

// stripMarkdown renders md through goldmark and flattens the AST to
// plain text, so a notification or proactive broadcast never leaks
// channel-specific markup (bold markers, fences) into a plain-text sink.
func stripMarkdown(md string) string {
	src := []byte(md)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	writeLines := func(n ast.Node) {
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			buf.Write(lines.At(i).Value(src))
		}
	}

	var walk func(n ast.Node)
	walk = func(n ast.Node) {
		switch t := n.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte('\n')
			}
			return
		case *ast.String:
			buf.Write(t.Value)
			return
		case *ast.CodeBlock:
			writeLines(t)
			buf.WriteByte('\n')
			return
		case *ast.FencedCodeBlock:
			writeLines(t)
			buf.WriteByte('\n')
			return
		}

		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			walk(child)
		}
		switch n.(type) {
		case *ast.Paragraph, *ast.Heading, *ast.ListItem:
			buf.WriteByte('\n')
		}
	}
	walk(doc)
	return strings.TrimSpace(buf.String())
}

func fnvHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32() % 100000
}

func (l *Loop) loadState() state {
	data, err := os.ReadFile(l.cfg.StateFile)
	if err != nil {
		return state{RunsToday: 0}
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return state{RunsToday: 0}
	}
	return st
}

func (l *Loop) saveState(lastResult string) {
	prev := l.loadState()
	now := l.cfg.Now().UTC()

	runsToday := 1
	if prev.LastRun != nil && prev.LastRun.UTC().Format("2006-01-02") == now.Format("2006-01-02") {
		runsToday = prev.RunsToday + 1
	}

	st := state{LastRun: &now, LastResult: lastResult, RunsToday: runsToday}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		l.log.Warn("heartbeat: failed to marshal state", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.cfg.StateFile), 0o755); err != nil {
		l.log.Warn("heartbeat: failed to create state dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(l.cfg.StateFile, data, 0o644); err != nil {
		l.log.Warn("heartbeat: failed to write state", zap.Error(err))
	}
}
