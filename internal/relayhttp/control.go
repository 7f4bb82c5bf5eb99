package relayhttp

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/termrelay/internal/session"
	"github.com/charlesng35/termrelay/internal/wire"
	"github.com/charlesng35/termrelay/internal/wsconn"
	appErrors "github.com/charlesng35/termrelay/pkg/errors"
)

const controlEndpoint = "producer_control"

// ProducerControl upgrades and drives the producer's control channel: one
// UTF-8 JSON line per message, used for the handshake and the
// start_terminal/terminal_started/terminal_closed exchange (spec §4.1, §4.4).
func (h *Handlers) ProducerControl(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		sessionID = c.Query("sessionId")
	}

	identity, err := h.authenticateBearer(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(appErrors.FromError(err).StatusCode, appErrors.FromError(err))
		return
	}

	sess, err := h.registry.Get(sessionID)
	if err != nil {
		sess = h.registry.CreateSession(sessionID)
	}

	conn, ok := h.upgrade(c)
	if !ok {
		return
	}

	wsconn.ConfigureRead(conn, h.cfg.MaxFrameBytes)
	writer := wsconn.NewWriter(conn, h.cfg.ViewerWriteQueueSize)
	go writer.Run()

	if err := sess.AttachControl(writer, identity); err != nil {
		closeWithAppError(writer, err)
		recordSocketClose(controlEndpoint, appErrors.FromError(err).CloseCode)
		return
	}

	h.log.Info("producer control attached", zap.String("session_id", sess.ID()))

	closeCode, closeReason := h.runControlReadLoop(sess, conn)
	sess.DetachControl(closeCode, closeReason)
	recordSocketClose(controlEndpoint, closeCode)
}

func (h *Handlers) runControlReadLoop(sess *session.Session, conn *websocket.Conn) (int, string) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return normalizeCloseError(err)
		}
		if messageType != wsconn.TextMessage {
			continue
		}

		msg, err := wire.DecodeControlMessage(payload)
		if err != nil {
			h.log.Warn("dropping malformed control message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case wire.ControlTypeHandshake:
			sess.OnControlHandshake(session.ControlHandshake{
				Version:    msg.Handshake.Version,
				Hostname:   msg.Handshake.Hostname,
				Username:   msg.Handshake.Username,
				WorkingDir: msg.Handshake.WorkingDir,
			})

		case wire.ControlTypeTerminalStarted:
			sess.OnTerminalStarted(msg.TerminalStarted.Name, msg.TerminalStarted.RequestID, msg.TerminalStarted.Success, msg.TerminalStarted.Error)

		case wire.ControlTypeTerminalClosed:
			sess.OnTerminalClosed(msg.TerminalClosed.Name, msg.TerminalClosed.ExitCode)

		default:
			h.log.Warn("unexpected control message type", zap.String("type", msg.Type))
		}
	}
}

// normalizeCloseError extracts the close code and reason a peer sent, if
// any; an abnormal/unreported closure is treated as a non-graceful
// disconnect so the session's reconnect window is armed.
func normalizeCloseError(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, "read error"
}
