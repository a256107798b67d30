package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Target is a chat (and optional forum topic).
type Target struct {
	ChatID   int64
	ThreadID int
}

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, to Target, text string) error
}

// Telegram sends messages through the Bot API. It never polls for updates.
type Telegram struct {
	bot *tele.Bot
}

// NewTelegram builds a send-only bot. apiURL may be empty for the public API.
func NewTelegram(token, apiURL string) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(token),
		URL:     apiURL,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, to Target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              to.ThreadID,
	})
	return err
}
