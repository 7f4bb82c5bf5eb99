package relayhttp

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/termrelay/internal/session"
	"github.com/charlesng35/termrelay/internal/wire"
	"github.com/charlesng35/termrelay/internal/wsconn"
	appErrors "github.com/charlesng35/termrelay/pkg/errors"
	"github.com/charlesng35/termrelay/pkg/metrics"
)

const viewerEndpoint = "viewer"

// Viewer upgrades and drives a viewer connection: it must send a setup
// frame within ViewerSetupTimeout, after which it is either attached to a
// newly requested terminal spawn or joined onto an existing terminal as
// interactive or mirror (spec §4.3, §4.4).
func (h *Handlers) Viewer(c *gin.Context) {
	sessionID := c.Param("sessionId")

	sess, err := h.registry.Get(sessionID)
	if err != nil {
		c.AbortWithStatusJSON(appErrors.FromError(err).StatusCode, appErrors.FromError(err))
		return
	}

	conn, ok := h.upgrade(c)
	if !ok {
		return
	}

	wsconn.ConfigureRead(conn, h.cfg.MaxFrameBytes)
	writer := wsconn.NewWriter(conn, h.cfg.ViewerWriteQueueSize)
	go writer.Run()

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ViewerSetupTimeout))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		closeWithAppError(writer, appErrors.ErrSetupTimeout)
		recordSocketClose(viewerEndpoint, appErrors.CloseSetupTimeout)
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsconn.PongWait))

	if messageType != wsconn.TextMessage {
		closeWithAppError(writer, appErrors.ErrInvalidSetup)
		recordSocketClose(viewerEndpoint, appErrors.CloseBadRequest)
		return
	}

	req, err := wire.DecodeSetupRequest(payload)
	if err != nil {
		closeWithAppError(writer, appErrors.ErrInvalidSetup.WithInternal(err))
		recordSocketClose(viewerEndpoint, appErrors.CloseBadRequest)
		return
	}

	viewerKey := h.nextKey()
	role := session.RoleInteractive
	if req.Action == wire.SetupActionMirror {
		role = session.RoleMirror
	}

	var creator *session.Identity
	if req.CreatedBy != nil {
		creator = &session.Identity{Subject: req.CreatedBy.Subject, Username: req.CreatedBy.Username}
	}

	metrics.ViewerConnections.WithLabelValues(roleLabel(role)).Inc()

	switch req.Action {
	case wire.SetupActionNew:
		h.handleViewerNewOrJoin(sess, writer, viewerKey, req, creator)
	case wire.SetupActionMirror:
		h.handleViewerJoin(sess, writer, viewerKey, role, req.Name)
	default:
		closeWithAppError(writer, appErrors.ErrInvalidSetup)
		recordSocketClose(viewerEndpoint, appErrors.CloseBadRequest)
		return
	}

	closeCode, _ := h.runViewerReadLoop(sess, conn, viewerKey)
	recordSocketClose(viewerEndpoint, closeCode)
}

// handleViewerNewOrJoin implements Open Question 2's resolution: action=new
// against an existing terminal name joins as interactive with a snapshot,
// rather than erroring or spawning a second terminal under the same name.
func (h *Handlers) handleViewerNewOrJoin(sess *session.Session, writer *wsconn.Writer, viewerKey session.ViewerKey, req wire.SetupRequest, creator *session.Identity) {
	if req.Name != "" && sess.TerminalExists(req.Name) {
		h.handleViewerJoin(sess, writer, viewerKey, session.RoleInteractive, req.Name)
		return
	}

	requestID := uuid.NewString()
	if _, err := sess.RequestSpawn(requestID, writer, viewerKey, req.Cols, req.Rows, creator); err != nil {
		closeWithAppError(writer, err)
	}
}

func (h *Handlers) handleViewerJoin(sess *session.Session, writer *wsconn.Writer, viewerKey session.ViewerKey, role session.ViewerRole, name string) {
	snapshotID := uuid.NewString()
	if _, err := sess.JoinExistingTerminal(name, writer, viewerKey, role, snapshotID); err != nil {
		closeWithAppError(writer, err)
	}
}

func (h *Handlers) runViewerReadLoop(sess *session.Session, conn *websocket.Conn, viewerKey session.ViewerKey) (int, string) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return normalizeCloseError(err)
		}

		frame, err := wire.DecodeViewerFrame(payload, messageType == wsconn.TextMessage)
		if err != nil {
			h.log.Warn("dropping malformed viewer frame", zap.Error(err))
			continue
		}

		terminalName, ok := sess.TerminalForViewer(viewerKey)
		if !ok {
			continue
		}

		switch frame.Kind {
		case wire.ViewerFrameRawInput, wire.ViewerFrameInput:
			sess.OnInput(terminalName, viewerKey, frame.Input)
		case wire.ViewerFrameResize:
			sess.OnResize(terminalName, viewerKey, frame.Resize.Cols, frame.Resize.Rows)
		}
	}
}

func roleLabel(role session.ViewerRole) string {
	if role == session.RoleMirror {
		return "mirror"
	}
	return "interactive"
}
