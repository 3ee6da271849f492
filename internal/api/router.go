package api

import (
	"github.com/gin-gonic/gin"

	"stockwatch/internal/logging"
)

func NewRouter(h *Handler, hub *Hub, basePath string, logger *logging.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(logger))

	r.GET("/health", h.Health)
	r.GET("/ws", hub.ServeWS)

	api := r.Group(basePath)
	{
		// Tracker state
		api.GET("/states", h.ListStates)
		api.GET("/states/:retailer/:product", h.GetState)

		// Alert ledger
		api.GET("/alerts", h.ListAlerts)
		api.GET("/alerts/:id/receipts", h.AlertReceipts)

		// Channels
		api.GET("/channels", h.ListChannels)
		api.POST("/channels/:id/test", h.TestChannel)

		api.POST("/check", h.Check)
	}
	return r
}
