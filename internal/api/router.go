// Package api assembles the relay's gin.Engine: the ambient middleware
// chain, the health and metrics endpoints, and the four WebSocket routes
// implemented in internal/relayhttp and internal/room.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/termrelay/internal/app"
	"github.com/charlesng35/termrelay/internal/middleware"
	"github.com/charlesng35/termrelay/internal/relayhttp"
	"github.com/charlesng35/termrelay/internal/room"
	"github.com/charlesng35/termrelay/pkg/response"
)

// Dependencies bundles everything the router needs to wire its routes.
// Room is nil when no room store was configured; the room endpoint then
// responds 404 rather than panicking.
type Dependencies struct {
	Handlers *relayhttp.Handlers
	Room     *room.Handlers
	Config   *app.Config
}

// NewRouter builds the relay's gin.Engine.
func NewRouter(deps Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	var allowedOrigins []string
	if deps.Config != nil {
		allowedOrigins = deps.Config.Server.AllowedOrigins
	}

	r.Use(
		middleware.Recovery(),
		middleware.Logger(),
		middleware.Metrics(),
		middleware.SecurityHeaders(),
		middleware.CORS(allowedOrigins),
	)
	r.NoRoute(middleware.NotFoundHandler)

	if deps.Config == nil || deps.Config.Monitoring.Health.Enabled {
		r.GET("/health", Health)
	}
	if deps.Config == nil || deps.Config.Monitoring.Prometheus.Enabled {
		endpoint := "/metrics"
		if deps.Config != nil && deps.Config.Monitoring.Prometheus.Endpoint != "" {
			endpoint = deps.Config.Monitoring.Prometheus.Endpoint
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	sessions := r.Group("/sessions/:sessionId")
	sessions.GET("/control", deps.Handlers.ProducerControl)
	sessions.GET("/data/:name", deps.Handlers.ProducerData)
	sessions.GET("/viewer", deps.Handlers.Viewer)

	if deps.Room != nil {
		r.GET("/rooms/:roomId/socket", deps.Room.Socket)
	}

	return r
}

// Health reports process liveness for load-balancer probes, mirroring the
// teacher's trivial health handler.
func Health(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"status": "ok"})
}
