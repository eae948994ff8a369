package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/arvid/chatrelay/internal/config"
	"github.com/arvid/chatrelay/internal/logger"
	"github.com/arvid/chatrelay/pkg/relay"
)

// Bot represents a Telegram bot instance
type Bot struct {
	api    *tgbotapi.BotAPI
	config *config.TelegramConfig
	logger zerolog.Logger

	// Callback for inbound user messages
	onMessage func(ctx context.Context, msg relay.InboundMessage) error

	// State
	running bool
	updates tgbotapi.UpdatesChannel
}

// New creates a new Telegram bot instance
func New(cfg *config.TelegramConfig, log *logger.Logger) (*Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram config is required")
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := &Bot{
		api:    api,
		config: cfg,
		logger: log.GetZerolog().With().Str("component", "telegram").Logger(),
	}

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

// SetOnMessage sets the inbound message callback
func (b *Bot) SetOnMessage(callback func(ctx context.Context, msg relay.InboundMessage) error) {
	b.onMessage = callback
}

// Start starts the bot and begins processing updates
func (b *Bot) Start(ctx context.Context) error {
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	b.logger.Info().Msg("Starting Telegram bot")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	b.updates = b.api.GetUpdatesChan(u)
	b.running = true

	go b.processUpdates(ctx)

	b.logger.Info().Msg("Telegram bot started")

	return nil
}

// Stop stops the bot
func (b *Bot) Stop() error {
	if !b.running {
		return fmt.Errorf("bot is not running")
	}

	b.logger.Info().Msg("Stopping Telegram bot")

	b.running = false
	b.api.StopReceivingUpdates()

	b.logger.Info().Msg("Telegram bot stopped")

	return nil
}

// IsRunning returns whether the bot is running
func (b *Bot) IsRunning() bool {
	return b.running
}

// Transport returns the relay-facing transport backed by this bot.
func (b *Bot) Transport() *Transport {
	return NewTransport(b.api, b.logger)
}

// processUpdates processes incoming updates
func (b *Bot) processUpdates(ctx context.Context) {
	for update := range b.updates {
		if !b.running {
			break
		}

		if err := b.handleUpdate(ctx, update); err != nil {
			b.logger.Error().
				Err(err).
				Int("update_id", update.UpdateID).
				Msg("Failed to handle update")
		}
	}
}

// handleUpdate converts a relevant update into an inbound message and hands
// it to the callback.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.IsCommand() {
		return nil
	}
	if msg.From == nil {
		return nil
	}

	if !allowed(b.config.Allowlist, msg.From.ID) {
		b.logger.Debug().
			Int64("user_id", msg.From.ID).
			Msg("Ignoring message from user outside allowlist")
		return nil
	}

	inbound := relay.InboundMessage{
		ConversationID: msg.Chat.ID,
		MessageID:      msg.MessageID,
		UserID:         msg.From.ID,
		Username:       msg.From.UserName,
		Text:           msg.Text,
	}

	b.logger.Debug().
		Int64("chat_id", inbound.ConversationID).
		Int64("user_id", inbound.UserID).
		Str("username", inbound.Username).
		Msg("Message received")

	if b.onMessage != nil {
		return b.onMessage(ctx, inbound)
	}

	return nil
}

// allowed reports whether a user may talk to the bot. An empty allowlist
// admits everyone.
func allowed(allowlist []int64, userID int64) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, id := range allowlist {
		if id == userID {
			return true
		}
	}
	return false
}
