package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clawlite/gateway/internal/domain/channel"
	"github.com/clawlite/gateway/internal/domain/service/resilience"
)

// ChannelAdapter wraps the long-polling bot Adapter so it can be attached
// to the Channel Lifecycle Manager for proactive broadcast and outbound
// metrics aggregation, without handing the manager control of Start/Stop —
// the bot's long-poll loop, command registry and DraftStream staging are
// already managed by App.initInterfaces/Start. Only the outbound send path
// is re-routed through the Outbound Resilience Engine so the heartbeat's
// proactive messages get the same retry/backoff/circuit-breaker behavior
// as every other send.
//
// Grounded on infrastructure/channel/telegram.Adapter's Send/Health/
// OutboundMetricsSnapshot pattern, pointed at the rich Adapter instead of
// a fresh bot-api client.
type ChannelAdapter struct {
	inner     *Adapter
	engine    *resilience.Engine
	log       *zap.Logger
	connectAt time.Time
}

// NewChannelAdapter builds the channel.Adapter view of an already-started
// bot Adapter.
func NewChannelAdapter(inner *Adapter, log *zap.Logger) *ChannelAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := resilience.Config{Channel: "telegram"}
	return &ChannelAdapter{
		inner:     inner,
		engine:    resilience.New(cfg, log),
		log:       log.With(zap.String("adapter", "telegram_channel")),
		connectAt: time.Now(),
	}
}

func (c *ChannelAdapter) Name() string { return "telegram" }

// SessionID mirrors the infra telegram adapter's tg_{chat_id} convention.
func SessionID(chatID int64) string { return fmt.Sprintf("tg_%d", chatID) }

// Start/Stop are no-ops: the bot's own long-poll loop is started and
// stopped by App, not by the channel manager, since it also carries the
// command registry, DraftStream staging and /stop wiring that the bare
// channel.Adapter contract has no room for.
func (c *ChannelAdapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	return nil
}

func (c *ChannelAdapter) Stop(ctx context.Context) error { return nil }

// Send dispatches target/text via the Outbound Resilience Engine, calling
// through to the rich Adapter's SendMessage. target is the chat id as a
// decimal string.
func (c *ChannelAdapter) Send(ctx context.Context, target, text string, metadata map[string]any) resilience.SendResult {
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return c.engine.Unavailable("invalid chat id: "+target, "")
	}

	return c.engine.Deliver(ctx, func(opCtx context.Context) error {
		return c.inner.SendMessage(&OutgoingMessage{ChatID: chatID, Text: text})
	}, target, text, "")
}

func (c *ChannelAdapter) Health() channel.HealthView {
	return channel.HealthView{Running: c.inner != nil, ConnectedAt: c.connectAt}
}

func (c *ChannelAdapter) OutboundMetricsSnapshot() resilience.Metrics {
	return c.engine.Snapshot()
}
