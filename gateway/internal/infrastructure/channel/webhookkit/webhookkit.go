// Package webhookkit is the small "HTTP-webhook adapter kit" named by the
// messaging-runtime design notes: a generic channel.Adapter for any
// transport whose inbound path is an HTTP POST and whose outbound path is
// a plain HTTP call, parameterized by a per-vendor payload parser and
// sender. Slack (socket-mode bridges aside), Google Chat, IRC bridges,
// Signal, and iMessage bridges are all instances of this kit rather than
// bespoke adapters, since none of the retrieved example repositories
// carry a dedicated SDK for them.
package webhookkit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawlite/gateway/internal/domain/channel"
	"github.com/clawlite/gateway/internal/domain/service/resilience"
)

// PayloadParser turns a raw webhook body into zero or more normalized
// inbound messages (a single payload may carry a batch, e.g. WhatsApp
// Cloud API's entry[].changes[].value.messages[]).
type PayloadParser func(body []byte) ([]channel.InboundMessage, error)

// Sender performs the vendor-specific outbound HTTP call for one message.
type Sender func(ctx context.Context, target, text string, metadata map[string]any) error

// Config wires one webhookkit instance to its vendor specifics.
type Config struct {
	Name          string
	Prefix        string // session_id prefix, e.g. "wa", "gc", "irc", "signal", "imessage", "sl"
	Parse         PayloadParser
	Send          Sender
	SendTimeout   time.Duration
	ResilienceCfg resilience.Config
}

// Adapter implements channel.WebhookAdapter generically over Config.
type Adapter struct {
	cfg     Config
	log     *zap.Logger
	engine  *resilience.Engine

	mu      sync.RWMutex
	running bool
	lastErr string
	connAt  time.Time
	handler channel.InboundHandler
}

// New constructs a webhookkit adapter. log may be nil.
func New(cfg Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	cfg.ResilienceCfg.Channel = cfg.Name
	return &Adapter{
		cfg:    cfg,
		log:    log.With(zap.String("adapter", cfg.Name)),
		engine: resilience.New(cfg.ResilienceCfg, log),
	}
}

func (a *Adapter) Name() string { return a.cfg.Name }

// Start binds the inbound handler; webhookkit does not open any socket
// itself — ingress arrives via ProcessWebhookPayload, called by the
// Gateway's /api/webhooks/{name} route.
func (a *Adapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
	a.running = true
	a.connAt = time.Now()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.handler = nil
	return nil
}

func (a *Adapter) Send(ctx context.Context, target, text string, metadata map[string]any) resilience.SendResult {
	a.mu.RLock()
	running := a.running
	a.mu.RUnlock()
	if !running {
		return a.engine.Unavailable("adapter not started", "no "+a.cfg.Name+" bridge bound")
	}
	return a.engine.Deliver(ctx, func(opCtx context.Context) error {
		sendCtx, cancel := context.WithTimeout(opCtx, a.cfg.SendTimeout)
		defer cancel()
		return a.cfg.Send(sendCtx, target, text, metadata)
	}, target, text, "")
}

func (a *Adapter) Health() channel.HealthView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return channel.HealthView{Running: a.running, LastError: a.lastErr, ConnectedAt: a.connAt}
}

func (a *Adapter) OutboundMetricsSnapshot() resilience.Metrics {
	return a.engine.Snapshot()
}

// ProcessWebhookPayload parses body with the configured vendor parser and
// fans each message into the bound inbound handler.
func (a *Adapter) ProcessWebhookPayload(ctx context.Context, body []byte) error {
	a.mu.RLock()
	handler := a.handler
	a.mu.RUnlock()
	if handler == nil {
		a.mu.Lock()
		a.lastErr = "webhook received before adapter start"
		a.mu.Unlock()
		return fmt.Errorf("%s: adapter not started", a.cfg.Name)
	}

	msgs, err := a.cfg.Parse(body)
	if err != nil {
		a.mu.Lock()
		a.lastErr = err.Error()
		a.mu.Unlock()
		return fmt.Errorf("%s: parse webhook payload: %w", a.cfg.Name, err)
	}

	for _, msg := range msgs {
		reply, err := handler(ctx, msg)
		if err != nil {
			a.log.Error("inbound handler failed", zap.Error(err), zap.String("session_id", msg.SessionID))
			continue
		}
		if reply == "" {
			continue
		}
		target := msg.ChatID
		if target == "" {
			target = msg.SenderID
		}
		a.Send(ctx, target, reply, nil)
	}
	return nil
}

// HTTPSend is a small helper most vendor Sender implementations can
// compose: POST a JSON-ish body and treat any non-2xx status as failure.
func HTTPSend(client *http.Client, method, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, string(respBody))
	}
	return nil
}
