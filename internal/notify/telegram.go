package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	tele "gopkg.in/telebot.v3"
)

// Telegram sends events as HTML messages to one chat.
type Telegram struct {
	bot  *tele.Bot
	chat tele.ChatID
}

// NewTelegram builds the bot without calling getMe, so startup never blocks on Telegram.
func NewTelegram(token string, chatID int64, apiURL string) (*Telegram, error) {
	bot, err := tele.NewBot(tele.Settings{
		URL:       apiURL,
		Token:     token,
		ParseMode: tele.ModeHTML,
		Offline:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chat: tele.ChatID(chatID)}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(_ context.Context, event Event) error {
	if _, err := t.bot.Send(t.chat, formatTelegram(event)); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func formatTelegram(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(event.Title))
	if event.Symbol != "" {
		fmt.Fprintf(&b, " [%s]", html.EscapeString(event.Symbol))
	}
	if event.Message != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(event.Message))
	}
	for _, f := range event.Fields {
		fmt.Fprintf(&b, "\n%s: <code>%s</code>", html.EscapeString(f.Name), html.EscapeString(f.Value))
	}
	return b.String()
}
