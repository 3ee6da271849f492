package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
)

// pushChannelID is the Android notification channel the receiving app
// registers for full-screen stock alerts.
const pushChannelID = "stock_alerts"

// Push sends to an FCM-style HTTP push gateway. The idempotency key is used
// as the collapse key so the device shows one notification per alert.
type Push struct {
	id          string
	url         string
	token       string
	deviceToken string
	client      *http.Client
}

func NewPush(cfg config.Channel, deps Deps) (Channel, error) {
	return &Push{
		id:          cfg.ID,
		url:         cfg.URL,
		token:       cfg.Token,
		deviceToken: cfg.DeviceToken,
		client:      deps.HTTPClient,
	}, nil
}

func (p *Push) ID() string   { return p.id }
func (p *Push) Type() string { return "push" }

func (p *Push) Validate() error {
	if p.url == "" || p.token == "" || p.deviceToken == "" {
		return fmt.Errorf("url, token and device_token are required")
	}
	return nil
}

type pushRequest struct {
	Message struct {
		Token        string            `json:"token"`
		Notification pushNotification  `json:"notification"`
		Data         map[string]string `json:"data"`
		Android      struct {
			Priority     string `json:"priority"`
			CollapseKey  string `json:"collapse_key"`
			Notification struct {
				ChannelID string `json:"channel_id"`
			} `json:"notification"`
		} `json:"android"`
	} `json:"message"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (p *Push) Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error) {
	var req pushRequest
	req.Message.Token = p.deviceToken
	req.Message.Notification = pushNotification{Title: msg.Title, Body: msg.Payload}
	req.Message.Data = map[string]string{
		"alert_id":        msg.AlertID(),
		"product":         msg.Key.String(),
		"kind":            msg.Kind.String(),
		"url":             msg.URL,
		"idempotency_key": msg.IdempotencyKey,
	}
	req.Message.Android.Priority = "normal"
	if msg.Priority == models.PriorityHigh {
		req.Message.Android.Priority = "high"
	}
	req.Message.Android.CollapseKey = msg.IdempotencyKey
	req.Message.Android.Notification.ChannelID = pushChannelID

	body, err := json.Marshal(req)
	if err != nil {
		return models.Ack{}, deliveryError(p.id, err)
	}
	headers := map[string]string{"Authorization": "Bearer " + p.token}
	resp, err := post(ctx, p.client, p.url, "application/json", body, headers)
	if err != nil {
		return models.Ack{}, deliveryError(p.id, err)
	}

	var out struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(resp, &out)
	return models.Ack{ChannelID: p.id, Reference: out.Name}, nil
}
