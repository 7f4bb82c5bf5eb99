package relayhttp

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/termrelay/internal/wire"
	"github.com/charlesng35/termrelay/internal/wsconn"
	appErrors "github.com/charlesng35/termrelay/pkg/errors"
)

const dataEndpoint = "producer_data"

// ProducerData upgrades and drives one terminal's binary data channel:
// producer output, handshake, exit, and snapshot-response frames, prefixed
// per internal/wire's producer->relay frame codec (spec §4.1, §4.4).
func (h *Handlers) ProducerData(c *gin.Context) {
	sessionID := c.Param("sessionId")
	name := c.Param("name")
	if name == "" {
		name = c.Query("name")
	}

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

	sess.AttachData(name, writer)
	h.log.Info("producer data attached", zap.String("session_id", sess.ID()), zap.String("terminal", name))

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			closeCode, _ := normalizeCloseError(err)
			recordSocketClose(dataEndpoint, closeCode)
			return
		}
		if messageType != wsconn.BinaryMessage {
			continue
		}

		frame, err := wire.DecodeProducerFrame(payload)
		if err != nil {
			h.log.Warn("dropping malformed producer-data frame", zap.Error(err))
			continue
		}

		switch frame.Kind {
		case wire.ProducerFrameOutput:
			sess.OnOutput(name, frame.Output)

		case wire.ProducerFrameSnapshot:
			sess.OnSnapshot(name, frame.Snapshot.RequestID, frame.Snapshot.Screen)

		case wire.ProducerFrameExit:
			sess.OnTerminalClosed(name, frame.ExitCode)

		case wire.ProducerFrameHandshake:
			sess.OnDataHandshake(name, frame.Handshake.Cols, frame.Handshake.Rows)

		default:
			h.log.Warn("unexpected producer-data frame kind")
		}
	}
}
