package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestWriterSendsQueuedMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var serverWriter *Writer
	ready := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ConfigureRead(conn, 1<<20)
		serverWriter = NewWriter(conn, 8)
		close(ready)
		go serverWriter.Run()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	<-ready
	require.True(t, serverWriter.Send(BinaryMessage, []byte("hello")))

	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, payload, err := clientConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, BinaryMessage, messageType)
	require.Equal(t, "hello", string(payload))
}

func TestWriterSendDropsWhenQueueFull(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var serverWriter *Writer
	ready := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverWriter = NewWriter(conn, 1)
		close(ready)
		// Deliberately never call Run, so the queue never drains.
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	<-ready
	require.True(t, serverWriter.Send(BinaryMessage, []byte("first")))
	require.False(t, serverWriter.Send(BinaryMessage, []byte("second")))
}

func TestWriterCloseIsIdempotent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var serverWriter *Writer
	ready := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverWriter = NewWriter(conn, 4)
		close(ready)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	<-ready
	serverWriter.Close(1000, "normal")
	serverWriter.Close(1000, "normal")
	require.False(t, serverWriter.Send(BinaryMessage, []byte("x")))
}
