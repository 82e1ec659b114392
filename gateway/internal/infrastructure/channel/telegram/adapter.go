// Package telegram implements the messaging-runtime channel.Adapter for
// Telegram via long polling. It is grounded on the teacher's
// interfaces/telegram adapter shape (Config/Adapter split, bot-api
// client) and on the original Python channels/telegram.py's session_id
// convention and polling lifecycle; unlike the teacher's 20-file
// coding-agent bot surface, this adapter only implements the narrow
// channel.Adapter contract the messaging runtime needs.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/clawlite/gateway/internal/domain/channel"
	"github.com/clawlite/gateway/internal/domain/service/resilience"
)

// Config configures one Telegram channel instance (primary or extra
// account).
type Config struct {
	BotToken    string
	SendTimeout time.Duration
	Resilience  resilience.Config
}

// Adapter is a long-polling Telegram bot implementing channel.Adapter.
type Adapter struct {
	cfg    Config
	log    *zap.Logger
	engine *resilience.Engine

	mu      sync.RWMutex
	bot     *tgbotapi.BotAPI
	running bool
	lastErr string
	connAt  time.Time
	cancel  context.CancelFunc
}

// New constructs the adapter without dialing Telegram yet; the bot-api
// client is created on Start.
func New(cfg Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	cfg.Resilience.Channel = "telegram"
	return &Adapter{
		cfg:    cfg,
		log:    log.With(zap.String("adapter", "telegram")),
		engine: resilience.New(cfg.Resilience, log),
	}
}

func (a *Adapter) Name() string { return "telegram" }

// SessionID mirrors the original's `tg_{chat_id}` convention.
func SessionID(chatID int64) string {
	return fmt.Sprintf("tg_%d", chatID)
}

func (a *Adapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	bot, err := tgbotapi.NewBotAPI(a.cfg.BotToken)
	if err != nil {
		a.mu.Lock()
		a.lastErr = err.Error()
		a.mu.Unlock()
		return fmt.Errorf("telegram: start bot: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.bot = bot
	a.running = true
	a.connAt = time.Now()
	a.cancel = cancel
	a.mu.Unlock()

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := bot.GetUpdatesChan(updateCfg)

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				a.handleUpdate(runCtx, update, handler)
			}
		}
	}()

	a.log.Info("telegram channel started (long polling)")
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update, handler channel.InboundHandler) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	chatID := update.Message.Chat.ID
	sessionID := SessionID(chatID)

	msg := channel.InboundMessage{
		SessionID: sessionID,
		SenderID:  strconv.FormatInt(update.Message.From.ID, 10),
		Display:   update.Message.From.UserName,
		Text:      update.Message.Text,
		ChatID:    strconv.FormatInt(chatID, 10),
		IsGroup:   update.Message.Chat.IsGroup() || update.Message.Chat.IsSuperGroup(),
	}

	go func() {
		reply, err := handler(ctx, msg)
		if err != nil {
			a.log.Error("telegram inbound handler failed", zap.Error(err), zap.String("session_id", sessionID))
			reply = "Houve um erro interno ao processar sua mensagem."
		}
		if reply == "" {
			return
		}
		a.Send(ctx, strconv.FormatInt(chatID, 10), reply, nil)
	}()
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.bot != nil {
		a.bot.StopReceivingUpdates()
	}
	a.running = false
	a.log.Info("telegram channel stopped")
	return nil
}

// Send dispatches target/text via the Outbound Resilience Engine. target
// is the chat id as a decimal string.
func (a *Adapter) Send(ctx context.Context, target, text string, metadata map[string]any) resilience.SendResult {
	a.mu.RLock()
	bot := a.bot
	running := a.running
	a.mu.RUnlock()

	if !running || bot == nil {
		return a.engine.Unavailable("telegram bot not started", "no telegram instance bound")
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return a.engine.Unavailable("invalid chat id: "+target, "")
	}

	return a.engine.Deliver(ctx, func(opCtx context.Context) error {
		sendCtx, cancel := context.WithTimeout(opCtx, a.cfg.SendTimeout)
		defer cancel()
		msg := tgbotapi.NewMessage(chatID, text)
		_, sendErr := bot.Send(msg)
		select {
		case <-sendCtx.Done():
			return sendCtx.Err()
		default:
			return sendErr
		}
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
