// Package relayhttp implements three of the relay's four WebSocket endpoints
// (producer-control, producer-data, viewer; the room endpoint lives in
// internal/room) as plain gin.HandlerFunc
// values that hijack the connection into a gorilla/websocket upgrade, then
// drive internal/session through its decoded internal/wire frames. Grounded
// on the teacher's terminal bridge read/write pumps.
package relayhttp

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/termrelay/internal/auth"
	"github.com/charlesng35/termrelay/internal/registry"
	"github.com/charlesng35/termrelay/internal/session"
	"github.com/charlesng35/termrelay/internal/wsconn"
	appErrors "github.com/charlesng35/termrelay/pkg/errors"
	"github.com/charlesng35/termrelay/pkg/logger"
	"github.com/charlesng35/termrelay/pkg/metrics"
)

// Config bundles the runtime parameters the handlers need beyond the
// registry and token verifier, mirroring spec §6's configuration surface.
type Config struct {
	MaxFrameBytes        int
	ViewerSetupTimeout   time.Duration
	ViewerWriteQueueSize int
}

// Handlers holds the shared dependencies for every relay endpoint.
type Handlers struct {
	registry *registry.Registry
	tokens   *auth.TokenVerifier
	cfg      Config
	upgrader websocket.Upgrader

	nextViewerKey atomic.Uint64

	log *zap.Logger
}

// New constructs the shared Handlers. tokens may be nil in a deployment
// that authenticates producers out of band; the viewer endpoint always
// allows anonymous access per spec §1 (auth is out of scope for viewers).
func New(reg *registry.Registry, tokens *auth.TokenVerifier, cfg Config) *Handlers {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.ViewerSetupTimeout <= 0 {
		cfg.ViewerSetupTimeout = 10 * time.Second
	}
	if cfg.ViewerWriteQueueSize <= 0 {
		cfg.ViewerWriteQueueSize = 256
	}

	return &Handlers{
		registry: reg,
		tokens:   tokens,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.WithModule("relayhttp"),
	}
}

func (h *Handlers) nextKey() session.ViewerKey {
	return session.ViewerKey(h.nextViewerKey.Add(1))
}

// upgrade hijacks the gin request into a WebSocket connection, or writes an
// HTTP error response and returns ok=false if the upgrade itself fails
// (e.g. a non-WebSocket request).
func (h *Handlers) upgrade(c *gin.Context) (*websocket.Conn, bool) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return nil, false
	}
	return conn, true
}

// closeWithAppError maps an AppError to its WebSocket close code and writes
// the close frame, per spec §7.
func closeWithAppError(writer *wsconn.Writer, err error) {
	appErr := appErrors.FromError(err)
	writer.Close(appErr.CloseCode, appErr.Message)
}

// authenticateBearer extracts and verifies the producer's bearer token from
// the request, returning its identity. If no token verifier is configured,
// an anonymous identity is returned (single-producer/no-auth deployments).
func (h *Handlers) authenticateBearer(r *http.Request) (session.Identity, error) {
	if h.tokens == nil {
		return session.Identity{Subject: "anonymous"}, nil
	}

	tokenString := bearerToken(r)
	if tokenString == "" {
		return session.Identity{}, appErrors.ErrUnauthenticated
	}

	identity, err := h.tokens.VerifyToken(tokenString)
	if err != nil {
		return session.Identity{}, appErrors.ErrUnauthenticated.WithInternal(err)
	}
	return *identity, nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

func recordSocketClose(endpoint string, code int) {
	metrics.SocketCloses.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}
