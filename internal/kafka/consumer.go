package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"stockwatch/internal/logging"
	"stockwatch/internal/models"
)

// readBackoff is the pause after a failed fetch before reading again.
const readBackoff = time.Second

// Config selects the observation topic.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer ingests observations that external scrapers publish to Kafka and
// hands them to the same sink the pollers use.
type Consumer struct {
	reader *kafka.Reader
	topic  string
	sink   func(models.AvailabilityObservation)
	logger *logging.Logger
}

func NewConsumer(cfg Config, sink func(models.AvailabilityObservation), logger *logging.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{reader: r, topic: cfg.Topic, sink: sink, logger: logger}
}

// Start reads until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.logger.Infof("Kafka consumer started on topic %s", c.topic)

		for {
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					c.logger.Infof("Kafka consumer stopped")
					return
				}
				c.logger.Errorf("Read message failed: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(readBackoff):
				}
				continue
			}

			obs, err := decodeObservation(msg.Value, msg.Time, c.topic)
			if err != nil {
				c.logger.WithField("offset", msg.Offset).Warnf("Skipping observation: %v", err)
				continue
			}
			c.sink(obs)
		}
	}()
}

// decodeObservation parses and validates one message. Missing timestamps fall
// back to the message time; missing source IDs name the topic.
func decodeObservation(value []byte, msgTime time.Time, topic string) (models.AvailabilityObservation, error) {
	var obs models.AvailabilityObservation
	if err := json.Unmarshal(value, &obs); err != nil {
		return obs, fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	if obs.Key.RetailerID == "" || obs.Key.ProductID == "" {
		return obs, fmt.Errorf("%w: missing retailer_id or product_id", models.ErrParse)
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = msgTime
	}
	if obs.SourceID == "" {
		obs.SourceID = "kafka:" + topic
	}
	return obs, nil
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.logger.Warnf("Kafka reader close: %v", err)
	}
}
