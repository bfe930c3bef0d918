package notify

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram delivers notifications through the Telegram Bot API.
type Telegram struct {
	bot      *tgbotapi.BotAPI
	adminIDs []int64
}

// NewTelegram authenticates the bot token. apiBase overrides the API
// endpoint template (tests point it at a local server); empty means the
// public Telegram API.
func NewTelegram(token string, adminIDs []int64, apiBase string) (*Telegram, error) {
	if apiBase == "" {
		apiBase = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, apiBase)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram auth: %w", err)
	}
	return &Telegram{bot: bot, adminIDs: adminIDs}, nil
}

// Send delivers text to a chat. The context is not plumbed into the bot
// client; its HTTP client timeout bounds the call.
func (t *Telegram) Send(_ context.Context, chatID int64, text string) (Message, error) {
	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return Message{}, fmt.Errorf("notify: send to %d: %w", chatID, err)
	}
	return Message{ChatID: chatID, ID: sent.MessageID}, nil
}

// Edit replaces the text of a previously sent message.
func (t *Telegram) Edit(_ context.Context, msg Message, text string) error {
	if _, err := t.bot.Send(tgbotapi.NewEditMessageText(msg.ChatID, msg.ID, text)); err != nil {
		return fmt.Errorf("notify: edit message %d in %d: %w", msg.ID, msg.ChatID, err)
	}
	return nil
}

// NotifyAdmins delivers text to every configured admin chat.
func (t *Telegram) NotifyAdmins(ctx context.Context, text string) {
	for _, id := range t.adminIDs {
		if _, err := t.Send(ctx, id, text); err != nil {
			log.Printf("[notify] admin %d: %v", id, err)
		}
	}
}
