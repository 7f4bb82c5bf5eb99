package room

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/termrelay/internal/auth"
	"github.com/charlesng35/termrelay/internal/wire"
	"github.com/charlesng35/termrelay/internal/wsconn"
	appErrors "github.com/charlesng35/termrelay/pkg/errors"
	"github.com/charlesng35/termrelay/pkg/logger"
)

// Handlers exposes the room participant endpoint as a gin.HandlerFunc,
// mirroring internal/relayhttp's Handlers/New split.
type Handlers struct {
	broker   *Broker
	tokens   *auth.TokenVerifier
	upgrader websocket.Upgrader
	cfg      Config
	log      *zap.Logger
}

// Config bundles the room handler's tunables.
type Config struct {
	MaxFrameBytes        int
	ViewerWriteQueueSize int
}

// New constructs room Handlers. tokens identifies the connecting
// participant the same way relayhttp authenticates producers — spec.md's
// "ambient session cookie" has no analogue in a producer/viewer relay with
// no browser session layer, so room participants present the same bearer
// token a producer would.
func New(broker *Broker, tokens *auth.TokenVerifier, cfg Config) *Handlers {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.ViewerWriteQueueSize <= 0 {
		cfg.ViewerWriteQueueSize = 256
	}

	return &Handlers{
		broker: broker,
		tokens: tokens,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.WithModule("room"),
	}
}

// Socket upgrades a room participant connection: it verifies membership,
// registers the socket with the broker, and dispatches client messages
// until the connection closes (spec §4.5).
func (h *Handlers) Socket(c *gin.Context) {
	roomID := c.Param("roomId")

	identity, err := h.authenticate(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(appErrors.FromError(err).StatusCode, appErrors.FromError(err))
		return
	}

	isMember, err := h.broker.store.IsRoomMember(c.Request.Context(), roomID, identity.Subject)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "room lookup failed"})
		return
	}
	if !isMember {
		c.AbortWithStatusJSON(appErrors.ErrNotOwner.StatusCode, appErrors.ErrNotOwner)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("room websocket upgrade failed", zap.Error(err))
		return
	}

	wsconn.ConfigureRead(conn, h.cfg.MaxFrameBytes)
	writer := wsconn.NewWriter(conn, h.cfg.ViewerWriteQueueSize)
	go writer.Run()

	h.broker.Join(c.Request.Context(), roomID, identity.Subject, identity.Username, writer)
	defer h.broker.Leave(roomID, identity.Subject)

	h.readLoop(conn, roomID, identity.Subject)
}

func (h *Handlers) readLoop(conn *websocket.Conn, roomID, subject string) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != wsconn.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.log.Warn("dropping malformed room message", zap.Error(err))
			continue
		}

		ctx := context.Background()
		switch msg.Type {
		case clientPanelSelect:
			h.broker.PanelSelect(ctx, roomID, subject, msg.Panel, msg.SessionID, msg.TerminalName)
		case clientAddSession:
			h.broker.AddSession(ctx, roomID, subject, msg.SessionID, msg.Hostname, msg.WorkingDir)
		case clientRemoveSession:
			h.broker.RemoveSession(ctx, roomID, msg.SessionID)
		case clientCloseTerminal:
			// Only the session's owner may close one of its terminals; the
			// request goes to the producer as close_terminal on the session's
			// control channel.
			sess, err := h.broker.registry.Get(msg.SessionID)
			if err != nil {
				continue
			}
			if owner := sess.Owner(); owner == nil || owner.Subject != subject {
				continue
			}
			if control := sess.ControlSocket(); control != nil {
				if line, err := wire.EncodeCloseTerminal(msg.TerminalName, ""); err == nil {
					control.Send(wsconn.TextMessage, line)
				}
			}
		default:
			h.log.Warn("unsupported room client message", zap.String("type", msg.Type))
		}
	}
}

func (h *Handlers) authenticate(r *http.Request) (auth.Identity, error) {
	if h.tokens == nil {
		return auth.Identity{Subject: "anonymous"}, nil
	}

	tokenString := bearerTokenFromRequest(r)
	if tokenString == "" {
		return auth.Identity{}, appErrors.ErrUnauthenticated
	}

	identity, err := h.tokens.VerifyToken(tokenString)
	if err != nil {
		return auth.Identity{}, appErrors.ErrUnauthenticated.WithInternal(err)
	}
	return *identity, nil
}

func bearerTokenFromRequest(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return r.URL.Query().Get("token")
}
