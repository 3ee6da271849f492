package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockwatch/internal/config"
	"stockwatch/internal/db"
	"stockwatch/internal/logging"
	"stockwatch/internal/models"
	"stockwatch/internal/notification"
	"stockwatch/internal/providers"
	"stockwatch/internal/services"
	"stockwatch/internal/tracker"
	"stockwatch/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubChannel struct {
	id  string
	err error
}

func (s stubChannel) ID() string      { return s.id }
func (s stubChannel) Type() string    { return "stub" }
func (s stubChannel) Validate() error { return nil }
func (s stubChannel) Send(context.Context, models.AlertMessage) (models.Ack, error) {
	if s.err != nil {
		return models.Ack{}, s.err
	}
	return models.Ack{ChannelID: s.id, Reference: "ref-1"}, nil
}

type stubChecker struct {
	res services.CheckResult
	err error
}

func (s stubChecker) CheckOnce(context.Context) (services.CheckResult, error) { return s.res, s.err }

type fixture struct {
	router http.Handler
	hub    *Hub
	ledger db.Ledger
}

func newFixture(t *testing.T, checker Checker) fixture {
	t.Helper()
	logger := logging.NewNop()

	trk := tracker.New(tracker.Config{Confirmations: 2, ConfirmationWindow: 5 * time.Minute, Cooldown: time.Minute})
	trk.Apply(models.AvailabilityObservation{
		Key:        models.ProductKey{RetailerID: "nvidia-uk", ProductID: "rtx-5090-fe"},
		ObservedAt: time.Date(2025, 1, 30, 14, 0, 0, 0, time.UTC),
	})

	ledger := db.NewMemory()
	hub := NewHub(logger)
	chans := []providers.Channel{
		stubChannel{id: "hook"},
		stubChannel{id: "broken", err: utils.Permanent(errors.New("401 unauthorized"))},
		hub,
	}
	disp := notification.New(chans, ledger, nil, logger, notification.Config{
		Workers:     2,
		QueueSize:   1,
		CallTimeout: time.Second,
		Retry:       utils.Backoff{Base: time.Millisecond, Max: time.Millisecond, Attempts: 1},
	})

	infos := providers.Infos([]config.Channel{{ID: "hook", Type: "webhook"}, {ID: "broken", Type: "webhook", Dedup: true}})
	h := NewHandler(trk, ledger, disp, checker, infos, logger)
	return fixture{router: NewRouter(h, hub, "/api/v0", logger), hub: hub, ledger: ledger}
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, stubChecker{})
	rec := do(t, f.router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStates(t *testing.T) {
	f := newFixture(t, stubChecker{})

	rec := do(t, f.router, http.MethodGet, "/api/v0/states")
	require.Equal(t, http.StatusOK, rec.Code)
	var states []models.TrackedState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
	require.Len(t, states, 1)
	assert.Equal(t, "nvidia-uk/rtx-5090-fe", states[0].Key.String())

	rec = do(t, f.router, http.MethodGet, "/api/v0/states/nvidia-uk/rtx-5090-fe")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, f.router, http.MethodGet, "/api/v0/states/nvidia-uk/rtx-4090")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTestChannelAndLedger(t *testing.T) {
	f := newFixture(t, stubChecker{})

	rec := do(t, f.router, http.MethodPost, "/api/v0/channels/hook/test")
	require.Equal(t, http.StatusOK, rec.Code)
	var receipt models.DeliveryReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, models.StatusSent, receipt.Status)
	assert.Equal(t, 1, receipt.AttemptCount)

	rec = do(t, f.router, http.MethodGet, "/api/v0/alerts")
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []models.AlertMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, receipt.AlertID, alerts[0].AlertID())
	assert.Equal(t, "Test notification", alerts[0].Title)

	rec = do(t, f.router, http.MethodGet, "/api/v0/alerts/"+receipt.AlertID+"/receipts")
	require.Equal(t, http.StatusOK, rec.Code)
	var receipts []models.DeliveryReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipts))
	require.Len(t, receipts, 1)
	assert.Equal(t, "hook", receipts[0].ChannelID)

	rec = do(t, f.router, http.MethodPost, "/api/v0/channels/broken/test")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, models.StatusFailed, receipt.Status)
	assert.Contains(t, receipt.LastError, "401")

	rec = do(t, f.router, http.MethodPost, "/api/v0/channels/missing/test")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlerts_BadRequests(t *testing.T) {
	f := newFixture(t, stubChecker{})

	for _, q := range []string{"0", "501", "many"} {
		rec := do(t, f.router, http.MethodGet, "/api/v0/alerts?limit="+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := do(t, f.router, http.MethodGet, "/api/v0/alerts/"+uuid.NewString()+"/receipts")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListChannels(t *testing.T) {
	f := newFixture(t, stubChecker{})
	rec := do(t, f.router, http.MethodGet, "/api/v0/channels")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"id":"hook","type":"webhook","enabled":true,"dedup":false},
		{"id":"broken","type":"webhook","enabled":true,"dedup":true}
	]`, rec.Body.String())
}

func TestCheck(t *testing.T) {
	f := newFixture(t, stubChecker{res: services.CheckResult{Sources: 2, Observations: 3, Alerts: 1}})
	rec := do(t, f.router, http.MethodPost, "/api/v0/check")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"observations":3`)

	f = newFixture(t, stubChecker{
		res: services.CheckResult{Sources: 1, Failed: []string{"nvidia-uk"}},
		err: models.ErrSourceUnavailable,
	})
	rec = do(t, f.router, http.MethodPost, "/api/v0/check")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failed_sources":["nvidia-uk"]`)
	assert.Contains(t, rec.Body.String(), "source unavailable")
}

func TestLiveFeed(t *testing.T) {
	f := newFixture(t, stubChecker{})
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	msg := models.AlertMessage{ID: uuid.New(), Title: "Back in stock: RTX 5090 FE", Kind: models.BackInStock}
	ack, err := f.hub.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "1 clients", ack.Reference)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev FeedEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "alert", ev.Event)
	assert.Equal(t, msg.Title, ev.Alert.Title)
	assert.Equal(t, msg.AlertID(), ev.Alert.AlertID())

	f.hub.Close()
	assert.Equal(t, 0, f.hub.Count())
}

func TestHubFactory(t *testing.T) {
	hub := NewHub(logging.NewNop())
	b := providers.NewBuilder(providers.Deps{})
	b.Register("websocket", hub.Factory)

	ch, err := b.Build(config.Channel{ID: "feed", Type: "websocket"})
	require.NoError(t, err)
	assert.Equal(t, "feed", ch.ID())
	assert.Equal(t, "websocket", ch.Type())

	ack, err := ch.Send(context.Background(), models.AlertMessage{})
	require.NoError(t, err)
	assert.Equal(t, "0 clients", ack.Reference)
}
