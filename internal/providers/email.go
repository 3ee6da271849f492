package providers

import (
	"context"
	"fmt"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
	"stockwatch/pkg/email"
)

// Email sends plain-text alerts over SMTP. The Message-ID is derived from
// the idempotency key so mail clients thread redeliveries together.
type Email struct {
	id       string
	server   string
	port     int
	username string
	password string
	from     string
	to       []string

	send func(ctx context.Context, server string, port int, username, password string, msg email.Message) error
}

func NewEmail(cfg config.Channel, deps Deps) (Channel, error) {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &Email{
		id:       cfg.ID,
		server:   cfg.SMTPServer,
		port:     cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     from,
		to:       cfg.To,
		send:     email.Send,
	}, nil
}

func (e *Email) ID() string   { return e.id }
func (e *Email) Type() string { return "email" }

func (e *Email) Validate() error {
	if e.server == "" || e.port == 0 || e.username == "" || e.password == "" {
		return fmt.Errorf("missing Email configuration: smtp_server, smtp_port, username or password is empty")
	}
	return email.Message{From: e.from, To: e.to}.Validate()
}

func (e *Email) Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error) {
	if err := ctx.Err(); err != nil {
		return models.Ack{}, deliveryError(e.id, err)
	}

	body := msg.Payload
	if msg.URL != "" {
		body += "\n\n" + msg.URL
	}
	m := email.Message{
		From:    e.from,
		To:      e.to,
		Subject: msg.Title,
		Body:    body,
		Headers: map[string]string{
			"Message-ID": "<" + msg.IdempotencyKey + "@stockwatch>",
		},
	}
	if msg.Priority == models.PriorityHigh {
		m.Headers["X-Priority"] = "1"
	}
	if err := e.send(ctx, e.server, e.port, e.username, e.password, m); err != nil {
		return models.Ack{}, deliveryError(e.id, fmt.Errorf("failed to send email to %v: %w", e.to, err))
	}
	return models.Ack{ChannelID: e.id}, nil
}
