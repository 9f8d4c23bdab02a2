package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// sender is the part of *tgbotapi.BotAPI used to deliver messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Identity is the chat identity stored on sessions and licenses for a Telegram chat.
func Identity(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

// ChatID parses an identity produced by Identity.
func ChatID(identity string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(identity), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("identity %q is not a telegram chat: %w", identity, err)
	}
	return id, nil
}

// Notifier delivers activation notices to Telegram chats. Sends share one rate limiter so bursts stay under
// the Bot API's global message limit.
type Notifier struct {
	api     sender
	limiter *rate.Limiter
}

func NewNotifier(api sender, perSecond float64) *Notifier {
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := max(int(perSecond), 1)
	return &Notifier{api: api, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (n *Notifier) Send(ctx context.Context, identity, text string) error {
	chatID, err := ChatID(identity)
	if err != nil {
		return err
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify %s: %w", identity, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("notify %s: %w", identity, err)
	}
	return nil
}
