package notify

import (
	"context"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	. "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
)

// TelegramChannel delivers notifications through a single bot to each
// workspace's configured chat.
type TelegramChannel struct {
	bot *tele.Bot
}

// NewTelegramChannel connects the bot. The bot is send-only; no poller is
// started.
func NewTelegramChannel(token string) (*TelegramChannel, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}

	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}
	bot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	L_info("telegram: connected", "bot", "@"+bot.Me.Username, "id", bot.Me.ID)
	return &TelegramChannel{bot: bot}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Enabled(ws *model.Workspace) bool {
	return ws.TelegramEnabled()
}

func (c *TelegramChannel) Send(ctx context.Context, ws *model.Workspace, msg *Rendered, _ *Event) error {
	text := msg.Subject
	if msg.Text != "" {
		text = msg.Subject + "\n\n" + msg.Text
	}
	_, err := c.bot.Send(&tele.Chat{ID: *ws.TelegramChatID}, text)
	if err != nil {
		return fmt.Errorf("telegram send to %d: %w", *ws.TelegramChatID, err)
	}
	return nil
}
