package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/termrelay/internal/registry"
	"github.com/charlesng35/termrelay/internal/room/store"
	"github.com/charlesng35/termrelay/internal/session"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []Message
}

func (f *fakeSender) Send(messageType int, payload []byte) bool {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return true
}

func (f *fakeSender) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestBroker(t *testing.T) (*Broker, store.Store, *registry.Registry) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", t.Name())
	db, err := store.OpenSQLite("", dsn)
	require.NoError(t, err)
	st := store.NewGormStore(db)

	reg := registry.New(session.Config{}, 0)
	broker := NewBroker(st, reg)
	return broker, st, reg
}

func waitForMessage(t *testing.T, s *fakeSender, msgType string) Message {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, m := range s.messages() {
			if m.Type == msgType {
				return m
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for message type %q", msgType)
	return Message{}
}

func TestJoinSendsJamStateAndNotifiesOthers(t *testing.T) {
	broker, st, _ := newTestBroker(t)
	ctx := context.Background()

	room, err := st.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)
	require.NoError(t, st.AddParticipant(ctx, room.ID, "bob", "bob"))

	owner := &fakeSender{}
	broker.Join(ctx, room.ID, "owner-1", "alice", owner)
	waitForMessage(t, owner, msgJamState)

	bobSender := &fakeSender{}
	broker.Join(ctx, room.ID, "bob", "bob", bobSender)
	waitForMessage(t, bobSender, msgJamState)

	update := waitForMessage(t, owner, msgParticipantUpdate)
	require.NotNil(t, update.Data)
}

func TestPanelSelectSingleParticipantCanSetEitherPanel(t *testing.T) {
	broker, st, _ := newTestBroker(t)
	ctx := context.Background()

	room, err := st.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)

	owner := &fakeSender{}
	broker.Join(ctx, room.ID, "owner-1", "alice", owner)
	waitForMessage(t, owner, msgJamState)

	broker.PanelSelect(ctx, room.ID, "owner-1", "right", "sess-1", "term-a")
	msg := waitForMessage(t, owner, msgPanelStateUpdate)
	require.NotNil(t, msg.Data)
}

func TestPanelSelectWithTwoParticipantsEnforcesOwnership(t *testing.T) {
	broker, st, _ := newTestBroker(t)
	ctx := context.Background()

	room, err := st.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)
	require.NoError(t, st.AddParticipant(ctx, room.ID, "bob", "bob"))

	owner := &fakeSender{}
	broker.Join(ctx, room.ID, "owner-1", "alice", owner)
	waitForMessage(t, owner, msgJamState)

	bobSender := &fakeSender{}
	broker.Join(ctx, room.ID, "bob", "bob", bobSender)
	waitForMessage(t, bobSender, msgJamState)

	// Owner may only set left; attempting right should be rejected.
	broker.PanelSelect(ctx, room.ID, "owner-1", "right", "sess-1", "term-a")
	errMsg := waitForMessage(t, owner, msgError)
	require.NotNil(t, errMsg.Data)

	broker.PanelSelect(ctx, room.ID, "owner-1", "left", "sess-1", "term-a")
	waitForMessage(t, owner, msgPanelStateUpdate)
}

func TestAddSessionBroadcastsPoolUpdate(t *testing.T) {
	broker, st, _ := newTestBroker(t)
	ctx := context.Background()

	room, err := st.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)

	owner := &fakeSender{}
	broker.Join(ctx, room.ID, "owner-1", "alice", owner)
	waitForMessage(t, owner, msgJamState)

	broker.AddSession(ctx, room.ID, "owner-1", "sess-1", "host-a", "/home/alice")
	msg := waitForMessage(t, owner, msgSessionPoolUpdate)
	require.NotNil(t, msg.Data)
}

func TestRegistryEventsBroadcastSessionStatus(t *testing.T) {
	broker, st, reg := newTestBroker(t)
	ctx := context.Background()

	room, err := st.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)

	owner := &fakeSender{}
	broker.Join(ctx, room.ID, "owner-1", "alice", owner)
	waitForMessage(t, owner, msgJamState)

	sess := reg.CreateSession("sess-1")
	require.NoError(t, st.AddToPool(ctx, room.ID, sess.ID(), "owner-1", "", ""))

	sess.Close("graceful")
	msg := waitForMessage(t, owner, msgSessionStatusUpdate)
	require.NotNil(t, msg.Data)
}

// fakeProducerSocket is a minimal session.Socket double so AttachControl can
// establish a session owner without a real websocket connection.
type fakeProducerSocket struct{}

func (fakeProducerSocket) Send(messageType int, payload []byte) bool { return true }
func (fakeProducerSocket) Close(code int, reason string)             {}

func TestRegistryEventNotifiesRoomViaConnectedOwnerWithoutPool(t *testing.T) {
	broker, st, reg := newTestBroker(t)
	ctx := context.Background()

	room, err := st.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)
	require.NoError(t, st.AddParticipant(ctx, room.ID, "bob", "bob"))

	bobSender := &fakeSender{}
	broker.Join(ctx, room.ID, "bob", "bob", bobSender)
	waitForMessage(t, bobSender, msgJamState)

	sess := reg.CreateSession("sess-2")
	require.NoError(t, sess.AttachControl(fakeProducerSocket{}, session.Identity{Subject: "bob"}))

	// sess-2 was never added to room.ID's pool; only bob's live connection
	// to the room should route this event there.
	sess.DetachControl(1006, "abnormal closure")
	msg := waitForMessage(t, bobSender, msgSessionStatusUpdate)
	require.NotNil(t, msg.Data)

	var payload sessionStatusUpdatePayload
	raw, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Equal(t, "sess-2", payload.SessionID)
	require.Equal(t, "offline", payload.Status)
	require.Empty(t, payload.Reason)
}
