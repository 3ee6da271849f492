// Package providers implements the alert delivery channels.
package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"stockwatch/internal/config"
	"stockwatch/internal/logging"
	"stockwatch/internal/models"
	"stockwatch/internal/utils"
)

// Channel delivers alerts to one destination. Timeouts and retries are the
// caller's job; Send makes exactly one attempt and must honour ctx.
type Channel interface {
	ID() string
	Type() string
	Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error)
	Validate() error
}

// Factory builds a channel from its configuration.
type Factory func(cfg config.Channel, deps Deps) (Channel, error)

// Deps are the shared clients handed to every factory.
type Deps struct {
	HTTPClient *http.Client
	// Redis backs the dedup guard when set; otherwise an in-memory set is used.
	Redis  *redis.Client
	Logger *logging.Logger
}

// Builder maps channel types to factories. Types implemented outside this
// package (kafka, websocket) are added with Register.
type Builder struct {
	deps      Deps
	factories map[string]Factory
}

// NewBuilder returns a builder with every built-in channel type registered.
func NewBuilder(deps Deps) *Builder {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	return &Builder{
		deps: deps,
		factories: map[string]Factory{
			"webhook":  NewWebhook,
			"push":     NewPush,
			"pushover": NewPushover,
			"ifttt":    NewIFTTT,
			"telegram": NewTelegram,
			"email":    NewEmail,
			"sms":      NewSMS,
			"nats":     NewNATS,
		},
	}
}

// Register adds or replaces the factory for a channel type.
func (b *Builder) Register(kind string, f Factory) {
	b.factories[kind] = f
}

// Build constructs and validates one channel, wrapping it in the dedup guard
// when configured.
func (b *Builder) Build(cfg config.Channel) (Channel, error) {
	f, ok := b.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: channel %q: unsupported type %q", models.ErrConfiguration, cfg.ID, cfg.Type)
	}
	ch, err := f(cfg, b.deps)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %q: %v", models.ErrConfiguration, cfg.ID, err)
	}
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: channel %q: %v", models.ErrConfiguration, cfg.ID, err)
	}
	if cfg.Dedup {
		var store DedupStore
		if b.deps.Redis != nil {
			store = NewRedisDedup(b.deps.Redis)
		} else {
			store = NewMemoryDedup()
		}
		ch = WithDedup(ch, store, cfg.DedupTTL)
	}
	return ch, nil
}

// BuildAll builds every enabled channel in configuration order.
func (b *Builder) BuildAll(cfgs []config.Channel) ([]Channel, error) {
	var out []Channel
	for _, cfg := range cfgs {
		if !cfg.IsEnabled() {
			b.deps.Logger.Infof("Channel %s (%s) disabled, skipping", cfg.ID, cfg.Type)
			continue
		}
		ch, err := b.Build(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// Infos describes the configured channels for the operator API.
func Infos(cfgs []config.Channel) []models.ChannelInfo {
	out := make([]models.ChannelInfo, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, models.ChannelInfo{ID: c.ID, Type: c.Type, Enabled: c.IsEnabled(), Dedup: c.Dedup})
	}
	return out
}

// deliveryError wraps err as a models.ErrChannelDelivery for channel id.
func deliveryError(id string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrChannelDelivery, id, err)
}

// post sends body to url and returns the response payload. Client errors
// other than 408 and 429 are marked permanent since repeating the same
// request cannot succeed.
func post(ctx context.Context, client *http.Client, url, contentType string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, utils.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return payload, nil
	}

	err = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return nil, utils.Permanent(err)
	}
	return nil, err
}

// defaultDedupTTL bounds how long a delivered idempotency key is remembered.
const defaultDedupTTL = 24 * time.Hour
