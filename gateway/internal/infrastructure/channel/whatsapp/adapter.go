// Package whatsapp implements the messaging-runtime channel.Adapter for
// WhatsApp multi-device pairing via go.mau.fi/whatsmeow, grounded on the
// whatsmeow usage pattern in Bely-rw-devclaw and thrapt-picobot (sqlite
// device store, QR-channel pairing via mdp/qrterminal, event handler
// registration). This is the adapter used when
// channels.whatsapp.mode="multidevice"; the Cloud-API webhook mode is
// instead served by webhookkit, since it is HTTP-webhook-driven rather
// than a persistent device session.
package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/clawlite/gateway/internal/domain/channel"
	"github.com/clawlite/gateway/internal/domain/service/resilience"
)

// DeviceStore abstracts the whatsmeow sqlstore container so the adapter
// doesn't need to own database lifecycle concerns — the gateway's
// persistence layer constructs it once and hands it in.
type DeviceStore interface {
	GetFirstDevice(ctx context.Context) (*whatsmeow.Client, error)
}

// Config configures one WhatsApp channel instance.
type Config struct {
	Client      *whatsmeow.Client
	SendTimeout time.Duration
	Resilience  resilience.Config
	// QRWriter receives rendered QR codes during first-time pairing; if
	// nil, codes are printed to stdout via qrterminal (operator console
	// pairing, matching the teacher-family CLI bots).
	QRWriter func(code string)
}

// Adapter wraps a whatsmeow.Client as a channel.Adapter.
type Adapter struct {
	cfg    Config
	log    *zap.Logger
	engine *resilience.Engine

	mu      sync.RWMutex
	running bool
	lastErr string
	connAt  time.Time
}

func New(cfg Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	cfg.Resilience.Channel = "whatsapp"
	return &Adapter{cfg: cfg, log: log.With(zap.String("adapter", "whatsapp")), engine: resilience.New(cfg.Resilience, log)}
}

func (a *Adapter) Name() string { return "whatsapp" }

// SessionID follows the core spec's `wa_<from>` convention.
func SessionID(from string) string { return "wa_" + from }

func (a *Adapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	client := a.cfg.Client
	if client == nil {
		return fmt.Errorf("whatsapp: no client configured")
	}
	client.Log = waLog.Noop

	client.AddEventHandler(func(evt interface{}) {
		msgEvt, ok := evt.(*events.Message)
		if !ok || msgEvt == nil || msgEvt.Message == nil {
			return
		}
		text := msgEvt.Message.GetConversation()
		if text == "" && msgEvt.Message.GetExtendedTextMessage() != nil {
			text = msgEvt.Message.GetExtendedTextMessage().GetText()
		}
		if text == "" {
			return
		}
		from := msgEvt.Info.Sender.ToNonAD().String()
		msg := channel.InboundMessage{
			SessionID: SessionID(from),
			SenderID:  from,
			Text:      text,
			ChatID:    from,
			IsGroup:   msgEvt.Info.IsGroup,
		}
		go func() {
			reply, err := handler(ctx, msg)
			if err != nil {
				a.log.Error("whatsapp inbound handler failed", zap.Error(err))
				return
			}
			if reply != "" {
				a.Send(ctx, from, reply, nil)
			}
		}()
	})

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("whatsapp: qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					if a.cfg.QRWriter != nil {
						a.cfg.QRWriter(evt.Code)
					} else {
						qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, nil)
					}
				}
			}
		}()
	} else if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}

	a.mu.Lock()
	a.running = true
	a.connAt = time.Now()
	a.mu.Unlock()
	a.log.Info("whatsapp channel started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.cfg.Client.Disconnect()
	a.running = false
	return nil
}

func (a *Adapter) Send(ctx context.Context, target, text string, metadata map[string]any) resilience.SendResult {
	a.mu.RLock()
	running := a.running
	a.mu.RUnlock()
	if !running {
		return a.engine.Unavailable("whatsapp client not connected", "no whatsapp instance bound")
	}
	return a.engine.Deliver(ctx, func(opCtx context.Context) error {
		jid, err := types.ParseJID(target)
		if err != nil {
			return fmt.Errorf("whatsapp: invalid target jid %q: %w", target, err)
		}
		_, err = a.cfg.Client.SendMessage(opCtx, jid, &waE2E.Message{Conversation: proto.String(text)})
		return err
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
