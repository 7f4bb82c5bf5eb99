// Package wsconn wraps gorilla/websocket connections with the relay's
// non-blocking, backpressure-bounded per-socket writer and read-side
// keepalive configuration, grounded on the teacher's terminal bridge and
// realtime hub write pumps.
package wsconn

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	PongWait   = 60 * time.Second
	PingPeriod = (PongWait * 9) / 10
)

// MessageType mirrors gorilla/websocket's message type constants so callers
// above this package never need to import gorilla directly.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

type outbound struct {
	messageType int
	payload     []byte
}

// Writer serializes writes to a single *websocket.Conn through a bounded
// FIFO queue. Send is non-blocking: when the queue is full the frame is
// dropped and the caller is told so it can decide to close the socket as a
// slow consumer (spec §5 backpressure, §7 SlowConsumer).
type Writer struct {
	conn      *websocket.Conn
	queue     chan outbound
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWriter constructs a Writer with the given bounded queue size.
func NewWriter(conn *websocket.Conn, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Writer{
		conn:   conn,
		queue:  make(chan outbound, queueSize),
		closed: make(chan struct{}),
	}
}

// Send enqueues a frame for the write pump. It returns false if the queue is
// full or the writer has already been closed; the caller never blocks.
func (w *Writer) Send(messageType int, payload []byte) bool {
	select {
	case <-w.closed:
		return false
	default:
	}

	select {
	case w.queue <- outbound{messageType: messageType, payload: payload}:
		return true
	default:
		return false
	}
}

// Run drains the queue onto the socket and sends periodic pings until the
// writer is closed or a write fails. It must run in its own goroutine for
// the lifetime of the connection.
func (w *Writer) Run() error {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.closed:
			return nil

		case msg, ok := <-w.queue:
			if !ok {
				return nil
			}
			if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := w.conn.WriteMessage(msg.messageType, msg.payload); err != nil {
				return err
			}

		case <-ticker.C:
			if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// Close sends a WebSocket close frame carrying the given code and reason,
// then closes the underlying connection. Safe to call more than once.
func (w *Writer) Close(code int, reason string) {
	w.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		close(w.closed)
		_ = w.conn.Close()
	})
}

// ConfigureRead installs the read-side limits and pong keepalive handler
// used by every endpoint's read loop.
func ConfigureRead(conn *websocket.Conn, maxFrameBytes int) {
	conn.SetReadLimit(int64(maxFrameBytes))
	_ = conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})
}
