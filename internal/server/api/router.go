// Package api assembles the HTTP surface of the server: the WebSocket
// command endpoint, the health check, and the shared middleware chain.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ensemble-ai/ensemble/internal/common/config"
	"github.com/ensemble-ai/ensemble/internal/common/httpmw"
	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/gateway/websocket"
)

const serverName = "ensembled"

// CORS opens the API to browser clients. The WebSocket headers are listed
// so preflighted upgrade requests pass.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// SetupRouter builds the gin engine with middleware, the /ws command
// endpoint, and /health.
func SetupRouter(cfg *config.Config, hub *websocket.Hub, log *logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.Default()
	}
	if cfg == nil || cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(gin.Recovery())
	router.Use(CORS())

	wsHandler := websocket.NewHandler(hub, log)
	router.GET("/ws", wsHandler.HandleConnection)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": serverName,
			"clients": hub.ClientCount(),
		})
	})

	return router
}
