package telegram

import (
	"context"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"portwatch/internal/util"
)

const maxMessageLength = 4000

type UpdateHandler func(ctx context.Context, update *models.Update)

// Client is a thin HTML-message sender over the Bot API long-poll client.
type Client struct {
	bot *tgbot.Bot
}

func New(token string, handler UpdateHandler) (*Client, error) {
	b, err := tgbot.New(
		token,
		tgbot.WithDefaultHandler(func(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
			handler(ctx, update)
		}),
		tgbot.WithNotAsyncHandlers(),
	)
	if err != nil {
		return nil, err
	}
	return &Client{bot: b}, nil
}

// Start polls for updates until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	c.bot.Start(ctx)
}

// SendHTML splits long texts on line boundaries so each chunk stays under
// the Bot API message limit.
func (c *Client) SendHTML(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range util.SplitByLineLimit(text, maxMessageLength) {
		_, err := c.bot.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID:    chatID,
			Text:      chunk,
			ParseMode: models.ParseModeHTML,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
