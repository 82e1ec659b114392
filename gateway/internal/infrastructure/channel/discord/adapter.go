// Package discord implements the messaging-runtime channel.Adapter for
// Discord via bwmarrin/discordgo's gateway client. Grounded on the
// discordgo usage in the retrieved thane-ai-agent/picobot-family
// repositories (session.Open/AddHandler/ChannelMessageSend); the teacher
// has no Discord adapter of its own, so this package follows the same
// Config/Adapter split the teacher uses for Telegram.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/clawlite/gateway/internal/domain/channel"
	"github.com/clawlite/gateway/internal/domain/service/resilience"
)

// Config configures one Discord channel instance.
type Config struct {
	BotToken    string
	SendTimeout time.Duration
	Resilience  resilience.Config
}

// Adapter wraps a discordgo.Session as a channel.Adapter.
type Adapter struct {
	cfg    Config
	log    *zap.Logger
	engine *resilience.Engine

	mu      sync.RWMutex
	session *discordgo.Session
	running bool
	lastErr string
	connAt  time.Time
}

func New(cfg Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	cfg.Resilience.Channel = "discord"
	return &Adapter{cfg: cfg, log: log.With(zap.String("adapter", "discord")), engine: resilience.New(cfg.Resilience, log)}
}

func (a *Adapter) Name() string { return "discord" }

// SessionID follows the core spec's `dc_<channel>` convention.
func SessionID(channelID string) string { return "dc_" + channelID }

func (a *Adapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	session, err := discordgo.New("Bot " + a.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("discord: new session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.Content == "" {
			return
		}
		msg := channel.InboundMessage{
			SessionID: SessionID(m.ChannelID),
			SenderID:  m.Author.ID,
			Display:   m.Author.Username,
			Text:      m.Content,
			ChatID:    m.ChannelID,
			IsGroup:   m.GuildID != "",
		}
		go func() {
			reply, err := handler(ctx, msg)
			if err != nil {
				a.log.Error("discord inbound handler failed", zap.Error(err))
				return
			}
			if reply != "" {
				a.Send(ctx, m.ChannelID, reply, nil)
			}
		}()
	})

	if err := session.Open(); err != nil {
		a.mu.Lock()
		a.lastErr = err.Error()
		a.mu.Unlock()
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.running = true
	a.connAt = time.Now()
	a.mu.Unlock()
	a.log.Info("discord channel started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running || a.session == nil {
		return nil
	}
	err := a.session.Close()
	a.running = false
	return err
}

func (a *Adapter) Send(ctx context.Context, target, text string, metadata map[string]any) resilience.SendResult {
	a.mu.RLock()
	session := a.session
	running := a.running
	a.mu.RUnlock()

	if !running || session == nil {
		return a.engine.Unavailable("discord session not open", "no discord instance bound")
	}
	return a.engine.Deliver(ctx, func(opCtx context.Context) error {
		_, err := session.ChannelMessageSend(target, text)
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
