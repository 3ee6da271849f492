package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"stockwatch/internal/db"
	"stockwatch/internal/logging"
	"stockwatch/internal/models"
	"stockwatch/internal/notification"
	"stockwatch/internal/services"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
)

// StateReader is the read side of the tracker.
type StateReader interface {
	Snapshot() []models.TrackedState
	Get(key models.ProductKey) (models.TrackedState, bool)
}

// Tester sends synthetic alerts through one channel.
type Tester interface {
	SendTest(ctx context.Context, channelID string) (models.DeliveryReceipt, error)
}

// Checker runs one poll cycle over every source.
type Checker interface {
	CheckOnce(ctx context.Context) (services.CheckResult, error)
}

type Handler struct {
	states   StateReader
	ledger   db.Ledger
	tester   Tester
	checker  Checker
	channels []models.ChannelInfo
	logger   *logging.Logger
}

func NewHandler(states StateReader, ledger db.Ledger, tester Tester, checker Checker, channels []models.ChannelInfo, logger *logging.Logger) *Handler {
	return &Handler{
		states:   states,
		ledger:   ledger,
		tester:   tester,
		checker:  checker,
		channels: channels,
		logger:   logger,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ListStates(c *gin.Context) {
	states := h.states.Snapshot()
	h.logger.Debugf("Retrieved %d tracked states", len(states))
	c.JSON(http.StatusOK, states)
}

func (h *Handler) GetState(c *gin.Context) {
	key := models.ProductKey{RetailerID: c.Param("retailer"), ProductID: c.Param("product")}
	st, ok := h.states.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not tracked"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) ListAlerts(c *gin.Context) {
	limit := defaultAlertLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAlertLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	alerts, err := h.ledger.ListAlerts(c.Request.Context(), limit)
	if err != nil {
		h.logger.Errorf("Failed to list alerts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	h.logger.Debugf("Retrieved %d alerts", len(alerts))
	c.JSON(http.StatusOK, alerts)
}

func (h *Handler) AlertReceipts(c *gin.Context) {
	id := c.Param("id")
	receipts, err := h.ledger.Receipts(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
		return
	}
	if err != nil {
		h.logger.Errorf("Failed to get receipts for alert %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get receipts"})
		return
	}
	c.JSON(http.StatusOK, receipts)
}

func (h *Handler) ListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, h.channels)
}

// TestChannel sends a synthetic alert. A failed delivery answers 502 with
// the receipt so the operator can read the error.
func (h *Handler) TestChannel(c *gin.Context) {
	id := c.Param("id")
	rec, err := h.tester.SendTest(c.Request.Context(), id)
	if errors.Is(err, notification.ErrUnknownChannel) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Channel not found or disabled"})
		return
	}
	if err != nil {
		h.logger.Errorf("Test send via %s failed: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec.Status != models.StatusSent {
		h.logger.Warnf("Test alert via %s not delivered: %s", id, rec.LastError)
		c.JSON(http.StatusBadGateway, rec)
		return
	}
	h.logger.Infof("Test alert delivered via %s", id)
	c.JSON(http.StatusOK, rec)
}

// Check runs one poll cycle now.
func (h *Handler) Check(c *gin.Context) {
	res, err := h.checker.CheckOnce(c.Request.Context())
	if err != nil {
		h.logger.Warnf("Manual check had failures: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"result": res, "error": err.Error()})
		return
	}
	h.logger.Infof("Manual check: %d observations, %d alerts", res.Observations, res.Alerts)
	c.JSON(http.StatusOK, gin.H{"result": res})
}
