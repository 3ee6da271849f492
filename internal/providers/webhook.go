package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
)

// Embed colours per alert kind.
var discordColors = map[models.AlertKind]int{
	models.BackInStock: 0x00ff00,
	models.PriceDrop:   0xffa500,
	models.OutOfStock:  0xff0000,
}

// Webhook posts alerts to an HTTP endpoint as generic JSON, a Discord embed,
// or a Slack message. Every request carries the Idempotency-Key header.
type Webhook struct {
	id     string
	url    string
	format string
	client *http.Client
}

func NewWebhook(cfg config.Channel, deps Deps) (Channel, error) {
	format := cfg.Format
	if format == "" {
		format = "json"
	}
	return &Webhook{id: cfg.ID, url: cfg.URL, format: format, client: deps.HTTPClient}, nil
}

func (w *Webhook) ID() string   { return w.id }
func (w *Webhook) Type() string { return "webhook" }

func (w *Webhook) Validate() error {
	if w.url == "" {
		return fmt.Errorf("url is required")
	}
	if _, err := url.ParseRequestURI(w.url); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch w.format {
	case "json", "discord", "slack":
		return nil
	default:
		return fmt.Errorf("unknown format %q", w.format)
	}
}

func (w *Webhook) Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error) {
	body, err := w.body(msg)
	if err != nil {
		return models.Ack{}, deliveryError(w.id, err)
	}
	headers := map[string]string{"Idempotency-Key": msg.IdempotencyKey}
	if _, err := post(ctx, w.client, w.url, "application/json", body, headers); err != nil {
		return models.Ack{}, deliveryError(w.id, err)
	}
	return models.Ack{ChannelID: w.id}, nil
}

func (w *Webhook) body(msg models.AlertMessage) ([]byte, error) {
	switch w.format {
	case "discord":
		return json.Marshal(discordPayload(msg))
	case "slack":
		text := fmt.Sprintf("*%s*\n%s", msg.Title, msg.Payload)
		if msg.URL != "" {
			text += "\n<" + msg.URL + ">"
		}
		return json.Marshal(map[string]string{"text": text})
	default:
		return json.Marshal(msg)
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

func discordPayload(msg models.AlertMessage) discordMessage {
	e := discordEmbed{
		Title:       msg.Title,
		Description: msg.Payload,
		URL:         msg.URL,
		Color:       discordColors[msg.Kind],
		Timestamp:   msg.TransitionAt.UTC().Format(time.RFC3339),
	}
	e.Footer.Text = "stockwatch " + msg.IdempotencyKey
	out := discordMessage{Embeds: []discordEmbed{e}}
	if msg.Priority == models.PriorityHigh {
		out.Content = "@everyone"
	}
	return out
}
