package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
	"stockwatch/internal/utils"
	"stockwatch/pkg/email"
)

var transitionAt = time.Date(2025, 1, 30, 14, 2, 0, 0, time.UTC)

func testAlert(priority models.Priority) models.AlertMessage {
	key := models.ProductKey{RetailerID: "nvidia-uk", ProductID: "rtx-5090-fe"}
	return models.AlertMessage{
		ID:             uuid.New(),
		Key:            key,
		Kind:           models.BackInStock,
		Title:          "Back in stock: RTX 5090",
		Payload:        "nvidia-uk/rtx-5090-fe is available at 1799",
		Priority:       priority,
		IdempotencyKey: models.IdempotencyKey(key, models.BackInStock, transitionAt),
		URL:            "https://store.example/rtx-5090",
		CreatedAt:      transitionAt,
		TransitionAt:   transitionAt,
	}
}

type captured struct {
	mu      sync.Mutex
	path    string
	headers http.Header
	body    []byte
}

func (c *captured) get() (string, http.Header, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path, c.headers, c.body
}

func captureServer(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.path, c.headers, c.body = r.URL.Path, r.Header.Clone(), body
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func build(t *testing.T, cfg config.Channel) Channel {
	t.Helper()
	ch, err := NewBuilder(Deps{}).Build(cfg)
	require.NoError(t, err)
	return ch
}

func TestWebhook_JSON(t *testing.T) {
	srv, c := captureServer(t, http.StatusOK, "")
	ch := build(t, config.Channel{ID: "hook", Type: "webhook", URL: srv.URL})

	msg := testAlert(models.PriorityHigh)
	ack, err := ch.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "hook", ack.ChannelID)

	_, headers, body := c.get()
	assert.Equal(t, msg.IdempotencyKey, headers.Get("Idempotency-Key"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))

	var got models.AlertMessage
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, msg.AlertID(), got.AlertID())
	assert.Equal(t, msg.Key, got.Key)
	assert.Equal(t, models.BackInStock, got.Kind)
	assert.Equal(t, models.PriorityHigh, got.Priority)
}

func TestWebhook_Discord(t *testing.T) {
	srv, c := captureServer(t, http.StatusNoContent, "")
	ch := build(t, config.Channel{ID: "discord", Type: "webhook", URL: srv.URL, Format: "discord"})

	_, err := ch.Send(context.Background(), testAlert(models.PriorityHigh))
	require.NoError(t, err)

	_, _, body := c.get()
	var got discordMessage
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "@everyone", got.Content)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Back in stock: RTX 5090", got.Embeds[0].Title)
	assert.Equal(t, 0x00ff00, got.Embeds[0].Color)
	assert.Equal(t, "2025-01-30T14:02:00Z", got.Embeds[0].Timestamp)

	_, err = ch.Send(context.Background(), testAlert(models.PriorityNormal))
	require.NoError(t, err)
	_, _, body = c.get()
	assert.NotContains(t, string(body), "@everyone")
}

func TestWebhook_Slack(t *testing.T) {
	srv, c := captureServer(t, http.StatusOK, "ok")
	ch := build(t, config.Channel{ID: "slack", Type: "webhook", URL: srv.URL, Format: "slack"})

	_, err := ch.Send(context.Background(), testAlert(models.PriorityNormal))
	require.NoError(t, err)

	_, _, body := c.get()
	var got map[string]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, strings.HasPrefix(got["text"], "*Back in stock: RTX 5090*"))
	assert.Contains(t, got["text"], "<https://store.example/rtx-5090>")
}

func TestWebhook_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := captureServer(t, tt.status, "nope")
			ch := build(t, config.Channel{ID: "hook", Type: "webhook", URL: srv.URL})

			_, err := ch.Send(context.Background(), testAlert(models.PriorityNormal))
			require.ErrorIs(t, err, models.ErrChannelDelivery)
			assert.Equal(t, tt.permanent, utils.IsPermanent(err))
		})
	}
}

func TestWebhook_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ch := build(t, config.Channel{ID: "hook", Type: "webhook", URL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ch.Send(ctx, testAlert(models.PriorityNormal))
	require.ErrorIs(t, err, models.ErrChannelDelivery)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPush(t *testing.T) {
	srv, c := captureServer(t, http.StatusOK, `{"name":"projects/p/messages/0:123"}`)
	ch := build(t, config.Channel{ID: "phone", Type: "push", URL: srv.URL, Token: "secret", DeviceToken: "dev-1"})

	msg := testAlert(models.PriorityHigh)
	ack, err := ch.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "projects/p/messages/0:123", ack.Reference)

	_, headers, body := c.get()
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))

	var got pushRequest
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "dev-1", got.Message.Token)
	assert.Equal(t, "high", got.Message.Android.Priority)
	assert.Equal(t, msg.IdempotencyKey, got.Message.Android.CollapseKey)
	assert.Equal(t, pushChannelID, got.Message.Android.Notification.ChannelID)
	assert.Equal(t, "back_in_stock", got.Message.Data["kind"])
	assert.Equal(t, msg.Title, got.Message.Notification.Title)
}

func TestPushover(t *testing.T) {
	srv, c := captureServer(t, http.StatusOK, `{"status":1,"request":"req-1"}`)
	ch := build(t, config.Channel{ID: "po", Type: "pushover", URL: srv.URL, Token: "app", User: "usr"})

	ack, err := ch.Send(context.Background(), testAlert(models.PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, "req-1", ack.Reference)

	_, _, body := c.get()
	form, err := url.ParseQuery(string(body))
	require.NoError(t, err)
	assert.Equal(t, "app", form.Get("token"))
	assert.Equal(t, "usr", form.Get("user"))
	assert.Equal(t, "2", form.Get("priority"))
	assert.Equal(t, "30", form.Get("retry"))
	assert.Equal(t, "3600", form.Get("expire"))
	assert.Equal(t, "persistent", form.Get("sound"))

	_, err = ch.Send(context.Background(), testAlert(models.PriorityNormal))
	require.NoError(t, err)
	_, _, body = c.get()
	form, _ = url.ParseQuery(string(body))
	assert.Equal(t, "0", form.Get("priority"))
	assert.Empty(t, form.Get("retry"))
}

func TestPushover_Rejected(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, `{"status":0,"errors":["user key is invalid"]}`)
	ch := build(t, config.Channel{ID: "po", Type: "pushover", URL: srv.URL, Token: "app", User: "usr"})

	_, err := ch.Send(context.Background(), testAlert(models.PriorityNormal))
	require.ErrorIs(t, err, models.ErrChannelDelivery)
}

func TestIFTTT(t *testing.T) {
	srv, c := captureServer(t, http.StatusOK, "Congratulations!")
	ch := build(t, config.Channel{ID: "maker", Type: "ifttt", URL: srv.URL + "/", Event: "gpu_stock", Token: "k123"})

	msg := testAlert(models.PriorityNormal)
	_, err := ch.Send(context.Background(), msg)
	require.NoError(t, err)

	path, _, body := c.get()
	assert.Equal(t, "/trigger/gpu_stock/with/key/k123", path)
	var got map[string]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, msg.Title, got["value1"])
	assert.Equal(t, msg.Payload, got["value2"])
	assert.Equal(t, msg.URL, got["value3"])
}

func TestTelegram(t *testing.T) {
	var path, text, chatID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = r.ParseMultipartForm(1 << 20)
		text = r.FormValue("text")
		chatID = r.FormValue("chat_id")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":123,"type":"private"}}}`))
	}))
	defer srv.Close()

	ch := build(t, config.Channel{ID: "tg", Type: "telegram", URL: srv.URL, Token: "tok", ChatID: 123, RatePerSec: 5})
	ack, err := ch.Send(context.Background(), testAlert(models.PriorityNormal))
	require.NoError(t, err)

	assert.Equal(t, "42", ack.Reference)
	assert.True(t, strings.HasSuffix(path, "/sendMessage"), path)
	assert.Equal(t, "123", chatID)
	assert.Contains(t, text, "RTX 5090")
}

func TestTelegram_Validate(t *testing.T) {
	_, err := NewBuilder(Deps{}).Build(config.Channel{ID: "tg", Type: "telegram", Token: "tok"})
	require.ErrorIs(t, err, models.ErrConfiguration)
	assert.Contains(t, err.Error(), "chat_id")
}

func TestEmail(t *testing.T) {
	var sent email.Message
	ch := build(t, config.Channel{
		ID: "mail", Type: "email", SMTPServer: "smtp.example", SMTPPort: 587,
		Username: "alerts@example.com", Password: "pw", To: []string{"me@example.com"},
	}).(*Email)
	ch.send = func(_ context.Context, server string, port int, username, password string, msg email.Message) error {
		assert.Equal(t, "smtp.example", server)
		assert.Equal(t, 587, port)
		sent = msg
		return nil
	}

	msg := testAlert(models.PriorityHigh)
	_, err := ch.Send(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, "alerts@example.com", sent.From)
	assert.Equal(t, []string{"me@example.com"}, sent.To)
	assert.Equal(t, msg.Title, sent.Subject)
	assert.Contains(t, sent.Body, msg.URL)
	assert.Equal(t, "<"+msg.IdempotencyKey+"@stockwatch>", sent.Headers["Message-ID"])
	assert.Equal(t, "1", sent.Headers["X-Priority"])

	ch.send = func(context.Context, string, int, string, string, email.Message) error { return errors.New("421 try later") }
	_, err = ch.Send(context.Background(), msg)
	require.ErrorIs(t, err, models.ErrChannelDelivery)
}

func TestEmail_Validate(t *testing.T) {
	_, err := NewBuilder(Deps{}).Build(config.Channel{ID: "mail", Type: "email", SMTPServer: "smtp.example"})
	require.ErrorIs(t, err, models.ErrConfiguration)
}

type fakeSMS struct {
	calls []string
	fail  string
}

func (f *fakeSMS) Send(to, body string) (string, error) {
	if to == f.fail {
		return "", errors.New("unreachable handset")
	}
	f.calls = append(f.calls, to+"|"+body)
	return "SM" + to[1:], nil
}

func TestSMS(t *testing.T) {
	ch := build(t, config.Channel{
		ID: "text", Type: "sms", AccountSID: "AC1", AuthToken: "tok", From: "+15550000000",
		To: []string{"+15551111111", "+15552222222"},
	}).(*SMS)
	fake := &fakeSMS{}
	ch.client = fake

	ack, err := ch.Send(context.Background(), testAlert(models.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, "SM15551111111,SM15552222222", ack.Reference)
	require.Len(t, fake.calls, 2)
	assert.Contains(t, fake.calls[0], "Back in stock: RTX 5090")

	fake.fail = "+15552222222"
	_, err = ch.Send(context.Background(), testAlert(models.PriorityNormal))
	require.ErrorIs(t, err, models.ErrChannelDelivery)
}

func TestSMS_Validate(t *testing.T) {
	_, err := NewBuilder(Deps{}).Build(config.Channel{
		ID: "text", Type: "sms", AccountSID: "AC1", AuthToken: "tok", From: "+15550000000",
		To: []string{"5551111111"},
	})
	require.ErrorIs(t, err, models.ErrConfiguration)
	assert.Contains(t, err.Error(), "invalid phone number")
}

func TestNATSMessage(t *testing.T) {
	m := natsMessage("stock.alerts", "idem-1", []byte(`{}`))
	assert.Equal(t, "stock.alerts", m.Subject)
	assert.Equal(t, "idem-1", m.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "Nats-Msg-Id", nats.MsgIdHdr)
}

func TestBuilder(t *testing.T) {
	off := false
	cfgs := []config.Channel{
		{ID: "a", Type: "webhook", URL: "http://example.com/hook"},
		{ID: "b", Type: "webhook", URL: "http://example.com/hook", Enabled: &off},
		{ID: "c", Type: "custom"},
	}

	b := NewBuilder(Deps{})
	_, err := b.BuildAll(cfgs)
	require.ErrorIs(t, err, models.ErrConfiguration, "custom has no factory yet")

	var built atomic.Int32
	b.Register("custom", func(cfg config.Channel, deps Deps) (Channel, error) {
		built.Add(1)
		return NewWebhook(config.Channel{ID: cfg.ID, URL: "http://example.com/x"}, deps)
	})
	chans, err := b.BuildAll(cfgs)
	require.NoError(t, err)
	require.Len(t, chans, 2)
	assert.Equal(t, "a", chans[0].ID())
	assert.Equal(t, "c", chans[1].ID())
	assert.Equal(t, int32(1), built.Load())

	infos := Infos(cfgs)
	require.Len(t, infos, 3)
	assert.False(t, infos[1].Enabled)
}

func TestBuilder_RejectsInvalid(t *testing.T) {
	for _, cfg := range []config.Channel{
		{ID: "w", Type: "webhook"},
		{ID: "w", Type: "webhook", URL: "http://x", Format: "xml"},
		{ID: "p", Type: "push", URL: "http://x"},
		{ID: "o", Type: "pushover", Token: "t"},
		{ID: "i", Type: "ifttt", Event: "e"},
		{ID: "n", Type: "nats"},
		{ID: "k", Type: "kafka"},
	} {
		_, err := NewBuilder(Deps{}).Build(cfg)
		assert.ErrorIs(t, err, models.ErrConfiguration, "%s/%s", cfg.Type, cfg.ID)
	}
}
