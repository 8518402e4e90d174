package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
)

// TelegramChannel bridges a Telegram bot to the bus via long polling.
type TelegramChannel struct {
	cfg       config.TelegramConfig
	publisher Publisher
	bot       *tgbotapi.BotAPI
	allowed   map[string]bool
}

// NewTelegramChannel creates the Telegram adapter. An empty allowFrom list
// admits every sender.
func NewTelegramChannel(cfg config.TelegramConfig, publisher Publisher) *TelegramChannel {
	allowed := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allowed[strings.TrimSpace(id)] = true
	}
	return &TelegramChannel{cfg: cfg, publisher: publisher, allowed: allowed}
}

func (c *TelegramChannel) Name() string { return "telegram" }

// Start connects the bot and consumes updates until the context ends.
func (c *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	c.bot = bot
	slog.Info("telegram bot connected", "username", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			c.handleMessage(ctx, update.Message)
		}
	}
}

func (c *TelegramChannel) Stop(context.Context) error {
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	return nil
}

func (c *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	senderID := fmt.Sprintf("%d", msg.From.ID)
	if len(c.allowed) > 0 && !c.allowed[senderID] {
		slog.Debug("unauthorized telegram sender", "id", senderID)
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	env := bus.Envelope{
		ID:       bus.NewMessageID(),
		Channel:  "telegram",
		ChatID:   fmt.Sprintf("%d", msg.Chat.ID),
		SenderID: senderID,
		Content:  content,
		Metadata: map[string]any{
			"messageId": msg.MessageID,
			"username":  msg.From.UserName,
		},
	}
	if _, err := c.publisher.PublishInbound(ctx, env); err != nil {
		slog.Error("telegram publish", "error", err)
	}
}

// Send delivers an outbound envelope as plain text.
func (c *TelegramChannel) Send(_ context.Context, env bus.Envelope) error {
	if c.bot == nil {
		return fmt.Errorf("bot not initialized")
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(env.ChatID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", env.ChatID, err)
	}
	_, err = c.bot.Send(tgbotapi.NewMessage(chatID, env.Content))
	return err
}
