package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/termrelay/internal/wire"
)

// fakeSocket is a test double implementing Socket, recording every frame
// sent to it and every close request.
type fakeSocket struct {
	mu       sync.Mutex
	sent     []frame
	closed   bool
	closeMsg string
	queue    int
}

type frame struct {
	messageType int
	payload     []byte
}

func newFakeSocket() *fakeSocket { return &fakeSocket{} }

func (f *fakeSocket) Send(messageType int, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if f.queue > 0 && len(f.sent) >= f.queue {
		return false
	}
	cpy := make([]byte, len(payload))
	copy(cpy, payload)
	f.sent = append(f.sent, frame{messageType: messageType, payload: cpy})
	return true
}

func (f *fakeSocket) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeMsg = reason
}

func (f *fakeSocket) frames() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeClock is a real-timer pass-through; Config.ProducerReconnect is set
// explicitly short or long per test to keep reconnect-timer behavior
// deterministic without faking time itself.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, f)
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return New("sess-1", Config{Clock: &fakeClock{now: time.Now()}}, nil)
}

func newTestSessionWithReconnect(t *testing.T, d time.Duration) *Session {
	t.Helper()
	return New("sess-1", Config{Clock: &fakeClock{now: time.Now()}, ProducerReconnect: d}, nil)
}

func TestNewSessionStartsPending(t *testing.T) {
	s := newTestSession(t)
	require.Equal(t, StatePending, s.State())
	require.Nil(t, s.Owner())
}

func TestAttachControlSetsOwnerOnce(t *testing.T) {
	s := newTestSession(t)
	control := newFakeSocket()

	require.NoError(t, s.AttachControl(control, Identity{Subject: "user-1"}))
	require.Equal(t, "user-1", s.Owner().Subject)

	// A second control attach from a different identity is rejected.
	otherControl := newFakeSocket()
	err := s.AttachControl(otherControl, Identity{Subject: "user-2"})
	require.Error(t, err)
}

func TestAttachControlRejectsSecondLiveControl(t *testing.T) {
	s := newTestSession(t)
	first := newFakeSocket()
	require.NoError(t, s.AttachControl(first, Identity{Subject: "user-1"}))

	second := newFakeSocket()
	err := s.AttachControl(second, Identity{Subject: "user-1"})
	require.Error(t, err)
}

func TestOnControlHandshakeAdvancesToReady(t *testing.T) {
	s := newTestSession(t)
	control := newFakeSocket()
	require.NoError(t, s.AttachControl(control, Identity{Subject: "user-1"}))

	s.OnControlHandshake(ControlHandshake{Version: "1.0.0"})
	require.Equal(t, StateReady, s.State())
}

func TestRequestSpawnFailsWithoutControl(t *testing.T) {
	s := newTestSession(t)
	viewer := newFakeSocket()
	_, err := s.RequestSpawn("req-1", viewer, ViewerKey(1), 80, 24, nil)
	require.Error(t, err)
}

func TestRequestSpawnSendsStartTerminal(t *testing.T) {
	s := newTestSession(t)
	control := newFakeSocket()
	require.NoError(t, s.AttachControl(control, Identity{Subject: "user-1"}))
	s.OnControlHandshake(ControlHandshake{Version: "1.0.0"})

	viewer := newFakeSocket()
	reqID, err := s.RequestSpawn("req-1", viewer, ViewerKey(1), 80, 24, nil)
	require.NoError(t, err)
	require.Equal(t, "req-1", reqID)

	frames := control.frames()
	require.Len(t, frames, 1)
	require.Equal(t, MessageText, frames[0].messageType)
	require.Contains(t, string(frames[0].payload), `"requestId":"req-1"`)
}

func TestOnTerminalStartedSuccessSendsSetupResponse(t *testing.T) {
	s := newTestSession(t)
	control := newFakeSocket()
	require.NoError(t, s.AttachControl(control, Identity{Subject: "user-1"}))
	s.OnControlHandshake(ControlHandshake{Version: "1.0.0"})

	viewer := newFakeSocket()
	reqID, err := s.RequestSpawn("req-1", viewer, ViewerKey(1), 80, 24, nil)
	require.NoError(t, err)

	s.OnTerminalStarted("term-a", reqID, true, "")
	require.Equal(t, StateActive, s.State())
	require.True(t, s.TerminalExists("term-a"))

	frames := viewer.frames()
	require.Len(t, frames, 1)
	require.Contains(t, string(frames[0].payload), `"success":true`)
	require.Contains(t, string(frames[0].payload), `"name":"term-a"`)
}

func TestOnTerminalStartedFailureSendsErrorResponse(t *testing.T) {
	s := newTestSession(t)
	control := newFakeSocket()
	require.NoError(t, s.AttachControl(control, Identity{Subject: "user-1"}))
	s.OnControlHandshake(ControlHandshake{Version: "1.0.0"})

	viewer := newFakeSocket()
	reqID, err := s.RequestSpawn("req-1", viewer, ViewerKey(1), 80, 24, nil)
	require.NoError(t, err)

	s.OnTerminalStarted("", reqID, false, "spawn failed: exec not found")
	require.False(t, s.TerminalExists(""))

	frames := viewer.frames()
	require.Len(t, frames, 1)
	require.Contains(t, string(frames[0].payload), `"success":false`)
	require.Contains(t, string(frames[0].payload), "spawn failed")
}

func TestOnTerminalStartedUnknownRequestIsNoOp(t *testing.T) {
	s := newTestSession(t)
	require.NotPanics(t, func() {
		s.OnTerminalStarted("term-a", "unknown-req", true, "")
	})
	require.False(t, s.TerminalExists("term-a"))
}

func spawnTerminal(t *testing.T, s *Session, name string, viewer Socket) {
	t.Helper()
	control := s.ControlSocket()
	if control == nil {
		cs := newFakeSocket()
		require.NoError(t, s.AttachControl(cs, Identity{Subject: "owner"}))
		s.OnControlHandshake(ControlHandshake{Version: "1.0.0"})
	}
	reqID, err := s.RequestSpawn("req-"+name, viewer, ViewerKey(1), 80, 24, nil)
	require.NoError(t, err)
	s.OnTerminalStarted(name, reqID, true, "")
}

func TestJoinExistingTerminalSendsSnapshotRequest(t *testing.T) {
	s := newTestSession(t)
	owner := newFakeSocket()
	spawnTerminal(t, s, "term-a", owner)

	// Attach the terminal's data channel so the snapshot request can be sent.
	dataSocket := newFakeSocket()
	s.AttachData("term-a", dataSocket)

	mirror := newFakeSocket()
	term, err := s.JoinExistingTerminal("term-a", mirror, ViewerKey(2), RoleMirror, "snap-1")
	require.NoError(t, err)
	require.NotNil(t, term)

	frames := dataSocket.frames()
	require.Len(t, frames, 1)
	require.Contains(t, string(frames[0].payload), "snap-1")
}

func TestJoinExistingTerminalUnknownNameFails(t *testing.T) {
	s := newTestSession(t)
	viewer := newFakeSocket()
	_, err := s.JoinExistingTerminal("nope", viewer, ViewerKey(1), RoleMirror, "snap-1")
	require.Error(t, err)
}

func TestOnOutputBuffersForViewerAwaitingSnapshot(t *testing.T) {
	s := newTestSession(t)
	owner := newFakeSocket()
	spawnTerminal(t, s, "term-a", owner)
	dataSocket := newFakeSocket()
	s.AttachData("term-a", dataSocket)

	mirror := newFakeSocket()
	_, err := s.JoinExistingTerminal("term-a", mirror, ViewerKey(2), RoleMirror, "snap-1")
	require.NoError(t, err)

	s.OnOutput("term-a", []byte("first chunk"))
	s.OnOutput("term-a", []byte("second chunk"))

	// The mirror has only its setup response yet; it is still awaiting its
	// snapshot, so no output has been delivered.
	require.Len(t, mirror.frames(), 1)

	s.OnSnapshot("term-a", "snap-1", []byte("SCREEN"))

	frames := mirror.frames()
	require.Len(t, frames, 4)
	require.Equal(t, "SCREEN", string(frames[1].payload))
	require.Equal(t, "first chunk", string(frames[2].payload))
	require.Equal(t, "second chunk", string(frames[3].payload))
}

func TestOnOutputDeliversImmediatelyWhenNoSnapshotPending(t *testing.T) {
	s := newTestSession(t)
	owner := newFakeSocket()
	spawnTerminal(t, s, "term-a", owner)

	s.OnOutput("term-a", []byte("hello"))

	// frames[0] is the owner's setup response from the spawn.
	frames := owner.frames()
	require.Len(t, frames, 2)
	require.Equal(t, "hello", string(frames[1].payload))
}

func TestOnInputOnlyForwardsFromInteractiveViewer(t *testing.T) {
	s := newTestSession(t)
	owner := newFakeSocket()
	spawnTerminal(t, s, "term-a", owner)
	dataSocket := newFakeSocket()
	s.AttachData("term-a", dataSocket)

	mirror := newFakeSocket()
	_, err := s.JoinExistingTerminal("term-a", mirror, ViewerKey(2), RoleMirror, "snap-1")
	require.NoError(t, err)

	// Mirror viewer input is ignored; the only data frame is the join's
	// snapshot request.
	s.OnInput("term-a", ViewerKey(2), []byte("ls\n"))
	require.Len(t, dataSocket.frames(), 1)

	// Interactive (owner) viewer input is forwarded as an input frame.
	s.OnInput("term-a", ViewerKey(1), []byte("ls\n"))
	frames := dataSocket.frames()
	require.Len(t, frames, 2)
	require.Equal(t, wire.EncodeInput([]byte("ls\n")), frames[1].payload)
}

func TestOnResizeRejectsMirrorViewer(t *testing.T) {
	s := newTestSession(t)
	owner := newFakeSocket()
	spawnTerminal(t, s, "term-a", owner)
	dataSocket := newFakeSocket()
	s.AttachData("term-a", dataSocket)

	mirror := newFakeSocket()
	_, err := s.JoinExistingTerminal("term-a", mirror, ViewerKey(2), RoleMirror, "snap-1")
	require.NoError(t, err)

	ok := s.OnResize("term-a", ViewerKey(2), 120, 40)
	require.False(t, ok)
	// Only the join's snapshot request reached the data channel.
	require.Len(t, dataSocket.frames(), 1)
}

func TestOnResizeForwardsFromInteractiveViewer(t *testing.T) {
	s := newTestSession(t)
	owner := newFakeSocket()
	spawnTerminal(t, s, "term-a", owner)
	dataSocket := newFakeSocket()
	s.AttachData("term-a", dataSocket)

	ok := s.OnResize("term-a", ViewerKey(1), 120, 40)
	require.True(t, ok)
	require.Len(t, dataSocket.frames(), 1)
}

func TestOnTerminalClosedNotifiesAllViewersAndFallsBackToReady(t *testing.T) {
	s := newTestSession(t)
	owner := newFakeSocket()
	spawnTerminal(t, s, "term-a", owner)
	mirror := newFakeSocket()
	_, err := s.JoinExistingTerminal("term-a", mirror, ViewerKey(2), RoleMirror, "snap-1")
	require.NoError(t, err)

	require.Equal(t, StateActive, s.State())

	s.OnTerminalClosed("term-a", 1)

	require.False(t, s.TerminalExists("term-a"))
	require.Equal(t, StateReady, s.State())
	require.True(t, owner.isClosed())
	require.True(t, mirror.isClosed())

	// ownerFrames[0] is the setup response from the spawn.
	ownerFrames := owner.frames()
	require.Len(t, ownerFrames, 2)
	require.Contains(t, string(ownerFrames[1].payload), `"code":1`)
}

func TestCloseIsIdempotentAndClosesEverything(t *testing.T) {
	s := newTestSession(t)
	control := newFakeSocket()
	require.NoError(t, s.AttachControl(control, Identity{Subject: "owner"}))
	s.OnControlHandshake(ControlHandshake{Version: "1.0.0"})

	viewer := newFakeSocket()
	reqID, err := s.RequestSpawn("req-1", viewer, ViewerKey(1), 80, 24, nil)
	require.NoError(t, err)
	s.OnTerminalStarted("term-a", reqID, true, "")

	s.Close("shutdown")
	require.Equal(t, StateClosed, s.State())
	require.True(t, control.isClosed())
	require.True(t, viewer.isClosed())

	// A second Close is a no-op: no panics, no double teardown.
	require.NotPanics(t, func() {
		s.Close("shutdown")
	})
}

func TestDetachControlGracefulClosesSessionImmediately(t *testing.T) {
	s := newTestSession(t)
	control := newFakeSocket()
	require.NoError(t, s.AttachControl(control, Identity{Subject: "owner"}))
	s.OnControlHandshake(ControlHandshake{Version: "1.0.0"})

	s.DetachControl(1000, "client shutdown")
	require.Equal(t, StateClosed, s.State())
}

func TestDetachControlNonGracefulArmsReconnectTimer(t *testing.T) {
	s := newTestSessionWithReconnect(t, 20*time.Millisecond)
	control := newFakeSocket()
	require.NoError(t, s.AttachControl(control, Identity{Subject: "owner"}))
	s.OnControlHandshake(ControlHandshake{Version: "1.0.0"})

	s.DetachControl(1006, "abnormal closure")
	require.Equal(t, StateReady, s.State())

	require.Eventually(t, func() bool {
		return s.State() == StateClosed
	}, time.Second, 10*time.Millisecond)
}

func TestReconnectCancelledByFreshControlAttach(t *testing.T) {
	s := newTestSessionWithReconnect(t, 30*time.Second)
	control := newFakeSocket()
	require.NoError(t, s.AttachControl(control, Identity{Subject: "owner"}))
	s.OnControlHandshake(ControlHandshake{Version: "1.0.0"})

	s.DetachControl(1006, "abnormal closure")

	newControl := newFakeSocket()
	require.NoError(t, s.AttachControl(newControl, Identity{Subject: "owner"}))

	// The reconnect timer is far longer than this test's wait, so a failure
	// to cancel it would not manifest here; this asserts the immediate
	// post-reattach state rather than racing a real timer.
	require.Equal(t, StateReady, s.State())
}
