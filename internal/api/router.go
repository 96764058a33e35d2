package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/httpmw"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/environments"
	"github.com/relaydev/relay/internal/secrets"
)

// serverName tags logs and spans from this surface.
const serverName = "relay"

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(
	cfg *config.Config,
	sessionHandler *SessionHandler,
	envHandler *environments.Handler,
	secretsHandler *secrets.Handler,
	log *logger.Logger,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		httpmw.RequestLogger(log, serverName),
		httpmw.OtelTracing(serverName),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	apiGroup := router.Group("/api")
	sessionHandler.RegisterRoutes(apiGroup)
	envHandler.RegisterRoutes(apiGroup)
	secretsHandler.RegisterRoutes(apiGroup)

	sessionHandler.RegisterWS(router)
	return router
}
