package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
	"stockwatch/internal/providers"
)

// Producer is a delivery channel that publishes alerts to a topic. The
// message key is the idempotency key so redeliveries land on one partition
// and can be compacted away.
type Producer struct {
	id     string
	topic  string
	writer *kafka.Writer
}

// NewChannel is the providers.Factory for the "kafka" channel type.
func NewChannel(cfg config.Channel, _ providers.Deps) (providers.Channel, error) {
	p := &Producer{id: cfg.ID, topic: cfg.Topic}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return p, nil // reported by Validate
	}
	p.writer = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return p, nil
}

func (p *Producer) ID() string   { return p.id }
func (p *Producer) Type() string { return "kafka" }

func (p *Producer) Validate() error {
	if p.writer == nil {
		return fmt.Errorf("brokers and topic are required")
	}
	return nil
}

func (p *Producer) Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error) {
	m, err := buildMessage(msg)
	if err != nil {
		return models.Ack{}, fmt.Errorf("%w: %s: %w", models.ErrChannelDelivery, p.id, err)
	}
	if err := p.writer.WriteMessages(ctx, m); err != nil {
		return models.Ack{}, fmt.Errorf("%w: %s: %w", models.ErrChannelDelivery, p.id, err)
	}
	return models.Ack{ChannelID: p.id, Reference: msg.IdempotencyKey}, nil
}

func buildMessage(msg models.AlertMessage) (kafka.Message, error) {
	value, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.IdempotencyKey),
		Value: value,
		Headers: []kafka.Header{
			{Key: "alert_kind", Value: []byte(msg.Kind.String())},
			{Key: "product", Value: []byte(msg.Key.String())},
		},
		Time: msg.CreatedAt,
	}, nil
}

func (p *Producer) Close() {
	if p.writer != nil {
		_ = p.writer.Close()
	}
}
