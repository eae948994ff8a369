package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/arvid/chatrelay/pkg/events"
)

// placeholderText is the initial content of the outbound message a run
// fills in.
const placeholderText = "…"

// sender is the subset of the Bot API the transport uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Transport implements the relay's chat-side surface on Telegram:
// placeholder creation, full-text message edits, and typing actions driven
// by status events.
type Transport struct {
	api    sender
	logger zerolog.Logger
}

// NewTransport creates a transport backed by a bot API.
func NewTransport(api sender, logger zerolog.Logger) *Transport {
	return &Transport{
		api:    api,
		logger: logger.With().Str("component", "transport").Logger(),
	}
}

// SendPlaceholder sends the initial outbound message and returns its id.
func (t *Transport) SendPlaceholder(ctx context.Context, conversationID int64) (int, error) {
	msg := tgbotapi.NewMessage(conversationID, placeholderText)

	sent, err := t.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send placeholder: %w", err)
	}

	t.logger.Debug().
		Int64("chat_id", conversationID).
		Int("message_id", sent.MessageID).
		Msg("Placeholder sent")

	return sent.MessageID, nil
}

// UpdateMessageText overwrites the outbound message with the given text.
// Telegram rejects edits that change nothing; those are not errors here.
func (t *Transport) UpdateMessageText(ctx context.Context, conversationID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(conversationID, messageID, text)

	if _, err := t.api.Send(edit); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("failed to update message: %w", err)
	}

	return nil
}

// SubscribeStatus maps status.update events onto Telegram chat actions.
// THINKING and EXTERNAL_SOURCES both surface as typing; Telegram expires
// chat actions on its own, so status.clear needs no transport call.
func (t *Transport) SubscribeStatus(bus *events.Bus) events.CancelFunc {
	return bus.Subscribe(events.KindStatusUpdate, func(ev events.Event) {
		switch ev.State {
		case events.StateThinking, events.StateExternalSources:
			action := tgbotapi.NewChatAction(ev.ConversationID, tgbotapi.ChatTyping)
			if _, err := t.api.Request(action); err != nil {
				t.logger.Debug().Err(err).Msg("Failed to send chat action")
			}
		}
	})
}
