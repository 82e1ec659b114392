// Package autonomy composes the background services that run without a
// human driving the conversation: the heartbeat loop's periodic
// decide-then-act tick and its proactive broadcast back to the last
// active channel.
//
// Grounded on core spec §4.15 and the teacher's gateway/internal/application/app.go
// composition-root shape (context-scoped Start/Stop, nil-guarded optional
// dependencies).
package autonomy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clawlite/gateway/internal/domain/service"
	"github.com/clawlite/gateway/internal/domain/service/heartbeat"
	"github.com/clawlite/gateway/internal/domain/service/notification"
	"github.com/clawlite/gateway/internal/infrastructure/prompt"
)

// loopAdapter adapts *service.AgentLoop to heartbeat.AgentRunner: a single
// prompt in, a single final text out, draining the loop's event channel.
type loopAdapter struct {
	loop   *service.AgentLoop
	prompt *prompt.PromptEngine
}

// NewAgentRunner wraps loop so the heartbeat's decide/execute phases can
// drive it without depending on the loop's full streaming event contract.
func NewAgentRunner(loop *service.AgentLoop, promptEngine *prompt.PromptEngine) heartbeat.AgentRunner {
	return &loopAdapter{loop: loop, prompt: promptEngine}
}

func (a *loopAdapter) RunTask(ctx context.Context, userPrompt, skill, sessionID string) (string, error) {
	systemPrompt := ""
	if a.prompt != nil {
		systemPrompt = a.prompt.Assemble(prompt.PromptContext{UserMessage: userPrompt})
	}
	result, eventCh := a.loop.Run(ctx, systemPrompt, userPrompt, nil, "")
	for range eventCh {
		// drained here; the heartbeat only cares about the final text
	}
	if result == nil {
		return "", fmt.Errorf("autonomy: agent loop returned no result")
	}
	return result.FinalContent, nil
}

// ProactiveTarget delivers a proactive heartbeat message to whatever
// channel last had an active conversation. Channels that can't send
// proactively (e.g. no adapter configured) should return nil and log.
type ProactiveTarget func(ctx context.Context, message string) error

// Runtime owns the heartbeat loop's lifecycle.
type Runtime struct {
	heartbeat *heartbeat.Loop
	logger    *zap.Logger
}

// New builds a Runtime. heartbeatCfg.WorkspacePath must already be set by
// the caller; cfg with a zero Interval gets heartbeat's own default.
func New(heartbeatCfg heartbeat.Config, agent heartbeat.AgentRunner, notifier *notification.Sink, send ProactiveTarget, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	loop := heartbeat.New(heartbeatCfg, agent, notifier, heartbeat.ProactiveSender(send), logger)
	return &Runtime{heartbeat: loop, logger: logger}
}

// Start begins the heartbeat ticker. Safe to call with a nil Runtime's
// methods guarded by the caller (app.go nil-checks the *Runtime itself).
func (r *Runtime) Start(ctx context.Context) {
	r.heartbeat.Start(ctx)
	r.logger.Info("autonomy runtime started")
}

// Stop halts the heartbeat ticker.
func (r *Runtime) Stop() {
	r.heartbeat.Stop()
	r.logger.Info("autonomy runtime stopped")
}
