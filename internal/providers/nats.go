package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
)

// NATS publishes alerts as JSON on a subject. The Nats-Msg-Id header carries
// the idempotency key so a JetStream stream drops redeliveries.
type NATS struct {
	id      string
	url     string
	subject string
	conn    *nats.Conn
}

// NewNATS connects lazily: the client keeps retrying in the background so a
// broker outage at startup does not block the service.
func NewNATS(cfg config.Channel, deps Deps) (Channel, error) {
	n := &NATS{id: cfg.ID, url: cfg.URL, subject: cfg.Topic}
	if n.url == "" {
		return n, nil // reported by Validate
	}
	conn, err := nats.Connect(n.url,
		nats.Name("stockwatch-"+cfg.ID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	n.conn = conn
	return n, nil
}

func (n *NATS) ID() string   { return n.id }
func (n *NATS) Type() string { return "nats" }

func (n *NATS) Validate() error {
	if n.url == "" || n.subject == "" {
		return fmt.Errorf("url and topic are required")
	}
	return nil
}

func (n *NATS) Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return models.Ack{}, deliveryError(n.id, err)
	}
	m := natsMessage(n.subject, msg.IdempotencyKey, data)
	if err := n.conn.PublishMsg(m); err != nil {
		return models.Ack{}, deliveryError(n.id, err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return models.Ack{}, deliveryError(n.id, fmt.Errorf("flush: %w", err))
	}
	return models.Ack{ChannelID: n.id, Reference: msg.IdempotencyKey}, nil
}

func natsMessage(subject, idempotencyKey string, data []byte) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Header.Set(nats.MsgIdHdr, idempotencyKey)
	m.Data = data
	return m
}

// Close drains the connection.
func (n *NATS) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
	}
}
