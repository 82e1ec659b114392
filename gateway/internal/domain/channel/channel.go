// Package channel defines the transport-agnostic contract every
// messaging surface (Telegram, Discord, WhatsApp, Slack, Google Chat,
// IRC, Signal, iMessage, …) implements, plus the small value types shared
// between adapters and the Channel Lifecycle Manager.
package channel

import (
	"context"
	"time"

	"github.com/clawlite/gateway/internal/domain/service/resilience"
)

// InboundMessage is the normalized shape every adapter hands to the
// inbound handler, regardless of transport.
type InboundMessage struct {
	SessionID string // <channel_prefix>_<scope>_<peer_or_chat>
	SenderID  string
	Display   string
	Text      string
	ChatID    string
	ThreadID  string
	IsGroup   bool
	Metadata  map[string]any
}

// InboundHandler is invoked by an adapter for every normalized inbound
// message; it returns the assistant's reply text (possibly empty, e.g.
// when the message was a control command).
type InboundHandler func(ctx context.Context, msg InboundMessage) (reply string, err error)

// HealthView is the adapter's self-reported health, independent of
// outbound-resilience metrics.
type HealthView struct {
	Running    bool
	LastError  string
	ConnectedAt time.Time
}

// Adapter is the contract every channel implementation satisfies. Start
// must not block the caller: adapters that long-poll or hold a socket run
// their loop on their own goroutine and return once bound.
type Adapter interface {
	Name() string
	Start(ctx context.Context, handler InboundHandler) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, target, text string, metadata map[string]any) resilience.SendResult
	Health() HealthView
	OutboundMetricsSnapshot() resilience.Metrics
}

// WebhookAdapter is the optional extra contract for transports driven by
// inbound HTTP webhooks rather than a long-poll/socket loop.
type WebhookAdapter interface {
	Adapter
	ProcessWebhookPayload(ctx context.Context, payload []byte) error
}
