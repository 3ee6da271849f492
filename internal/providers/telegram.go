package providers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
)

// Telegram sends alerts to one chat through the Bot API.
type Telegram struct {
	id      string
	token   string
	chatID  int64
	bot     *bot.Bot
	limiter *rate.Limiter
}

// NewTelegram creates the bot client once. A configured url replaces the
// public Bot API server.
func NewTelegram(cfg config.Channel, deps Deps) (Channel, error) {
	t := &Telegram{
		id:      cfg.ID,
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		limiter: rate.NewLimiter(rate.Limit(float64(max(cfg.RatePerSec, 1))), max(cfg.RatePerSec, 1)),
	}
	if t.token == "" {
		return t, nil // reported by Validate
	}

	opts := []bot.Option{bot.WithSkipGetMe()}
	if cfg.URL != "" {
		opts = append(opts, bot.WithServerURL(cfg.URL))
	}
	b, err := bot.New(t.token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	t.bot = b
	return t, nil
}

func (t *Telegram) ID() string   { return t.id }
func (t *Telegram) Type() string { return "telegram" }

func (t *Telegram) Validate() error {
	if t.token == "" {
		return fmt.Errorf("missing token")
	}
	if t.chatID == 0 {
		return fmt.Errorf("missing chat_id")
	}
	return nil
}

func (t *Telegram) Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return models.Ack{}, deliveryError(t.id, fmt.Errorf("telegram rate limit: %w", err))
	}

	text := fmt.Sprintf("*%s*\n%s", bot.EscapeMarkdown(msg.Title), bot.EscapeMarkdown(msg.Payload))
	if msg.URL != "" {
		text += "\n" + bot.EscapeMarkdown(msg.URL)
	}
	params := &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeMarkdown,
	}
	sent, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return models.Ack{}, deliveryError(t.id, fmt.Errorf("send to chat_id %d: %w", t.chatID, err))
	}
	return models.Ack{ChannelID: t.id, Reference: strconv.Itoa(sent.ID)}, nil
}
