package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"localbuzz/internal/permission"
)

// Telegram allows about 20 messages per second to different chats and far
// fewer to a single one.
const telegramRate = rate.Limit(1)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram displays notifications as messages in a Telegram chat.
type Telegram struct {
	api     telegramAPI
	chatID  int64
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewTelegram creates a Telegram sender posting to chatID.
func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newTelegram(api, chatID, log), nil
}

func newTelegram(api telegramAPI, chatID int64, log *slog.Logger) *Telegram {
	return &Telegram{
		api:     api,
		chatID:  chatID,
		limiter: rate.NewLimiter(telegramRate, 3),
		log:     log,
	}
}

// Notify sends n as a message, with an inline button when n has a URL.
func (t *Telegram) Notify(ctx context.Context, n Notification) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	msg := tgbotapi.NewMessage(t.chatID, FormatMessage(n))
	msg.DisableWebPagePreview = true
	if n.URL != "" {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Open shop", n.URL)),
		)
	}
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	t.log.Debug("sent notification", "chat_id", t.chatID, "tag", n.Tag)
	return nil
}

// Prompt checks that the bot may write to the chat by sending a
// confirmation. A chat that blocked the bot reports permission-denied.
func (t *Telegram) Prompt(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := t.api.Send(tgbotapi.NewMessage(t.chatID, "Notifications from nearby shops are on."))
	if err == nil {
		return nil
	}
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && (tgErr.Code == http.StatusForbidden || tgErr.Code == http.StatusUnauthorized) {
		return &permission.Error{Fault: permission.FaultPermissionDenied, Err: err}
	}
	return err
}

// FormatMessage renders a notification as plain message text.
func FormatMessage(n Notification) string {
	var b strings.Builder
	b.WriteString(n.Title)
	if n.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(n.Body)
	}
	return b.String()
}
