package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
)

const (
	pushoverURL = "https://api.pushover.net/1/messages.json"

	// Emergency priority repeats until acknowledged.
	pushoverEmergency = 2
	pushoverRetry     = 30   // seconds between repeats
	pushoverExpire    = 3600 // seconds until repeats stop
)

// Pushover delivers through the Pushover messages API. High priority alerts
// use emergency priority with the persistent sound.
type Pushover struct {
	id     string
	url    string
	token  string
	user   string
	client *http.Client
}

func NewPushover(cfg config.Channel, deps Deps) (Channel, error) {
	u := cfg.URL
	if u == "" {
		u = pushoverURL
	}
	return &Pushover{id: cfg.ID, url: u, token: cfg.Token, user: cfg.User, client: deps.HTTPClient}, nil
}

func (p *Pushover) ID() string   { return p.id }
func (p *Pushover) Type() string { return "pushover" }

func (p *Pushover) Validate() error {
	if p.token == "" || p.user == "" {
		return fmt.Errorf("token and user are required")
	}
	return nil
}

func (p *Pushover) Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error) {
	form := url.Values{}
	form.Set("token", p.token)
	form.Set("user", p.user)
	form.Set("title", msg.Title)
	form.Set("message", msg.Payload)
	if msg.URL != "" {
		form.Set("url", msg.URL)
		form.Set("url_title", "Open product page")
	}
	if msg.Priority == models.PriorityHigh {
		form.Set("priority", strconv.Itoa(pushoverEmergency))
		form.Set("retry", strconv.Itoa(pushoverRetry))
		form.Set("expire", strconv.Itoa(pushoverExpire))
		form.Set("sound", "persistent")
	} else {
		form.Set("priority", "0")
	}

	resp, err := post(ctx, p.client, p.url, "application/x-www-form-urlencoded", []byte(form.Encode()), nil)
	if err != nil {
		return models.Ack{}, deliveryError(p.id, err)
	}

	var out struct {
		Status  int    `json:"status"`
		Request string `json:"request"`
	}
	if err := json.Unmarshal(resp, &out); err != nil || out.Status != 1 {
		return models.Ack{}, deliveryError(p.id, fmt.Errorf("pushover rejected message: %s", resp))
	}
	return models.Ack{ChannelID: p.id, Reference: out.Request}, nil
}
