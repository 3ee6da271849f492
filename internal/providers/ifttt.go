package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
)

const iftttBaseURL = "https://maker.ifttt.com"

// IFTTT triggers a Maker webhook event with title, payload and product URL
// as value1..value3.
type IFTTT struct {
	id     string
	base   string
	event  string
	key    string
	client *http.Client
}

func NewIFTTT(cfg config.Channel, deps Deps) (Channel, error) {
	base := cfg.URL
	if base == "" {
		base = iftttBaseURL
	}
	return &IFTTT{
		id:     cfg.ID,
		base:   strings.TrimRight(base, "/"),
		event:  cfg.Event,
		key:    cfg.Token,
		client: deps.HTTPClient,
	}, nil
}

func (c *IFTTT) ID() string   { return c.id }
func (c *IFTTT) Type() string { return "ifttt" }

func (c *IFTTT) Validate() error {
	if c.event == "" || c.key == "" {
		return fmt.Errorf("event and token are required")
	}
	return nil
}

func (c *IFTTT) Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error) {
	body, err := json.Marshal(map[string]string{
		"value1": msg.Title,
		"value2": msg.Payload,
		"value3": msg.URL,
	})
	if err != nil {
		return models.Ack{}, deliveryError(c.id, err)
	}
	endpoint := fmt.Sprintf("%s/trigger/%s/with/key/%s", c.base, c.event, c.key)
	if _, err := post(ctx, c.client, endpoint, "application/json", body, nil); err != nil {
		return models.Ack{}, deliveryError(c.id, err)
	}
	return models.Ack{ChannelID: c.id}, nil
}
