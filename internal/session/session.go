// Package session implements the session lifecycle state machine, terminal
// multiplexing, and viewer snapshot synchronization described in spec §3-§5.
// It is transport-agnostic: callers (internal/relayhttp) supply Socket
// implementations and drive every mutation through the methods here, which
// hold the session's single mutex for their critical section and release it
// before any blocking I/O (spec §5 lock ordering).
package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/termrelay/internal/wire"
	appErrors "github.com/charlesng35/termrelay/pkg/errors"
	"github.com/charlesng35/termrelay/pkg/logger"
	"github.com/charlesng35/termrelay/pkg/metrics"
)

// EventSink receives the session-registry events spec §4.2 requires. The
// registry implements this and fans events out to the room broker.
type EventSink interface {
	SessionOnline(sessionID string)
	SessionOffline(sessionID string)
	SessionClosed(sessionID string, reason string)
	TerminalClosed(sessionID, terminalName string, exitCode int)
}

// Clock abstracts time.Now and time.AfterFunc so tests can control timer
// firing deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) *time.Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, f)
}

// Config bundles the per-session defaults and timing windows spec §6 lists
// as configuration options.
type Config struct {
	DefaultCols       int
	DefaultRows       int
	ProducerReconnect time.Duration
	ViewerWriteQueue  int
	Clock             Clock
}

// Session is one producer's lifespan: owner, control channel, terminals,
// and pending spawns (spec §3 Session). All exported methods are safe for
// concurrent use.
type Session struct {
	id        string
	createdAt time.Time
	cfg       Config
	events    EventSink
	log       *zap.Logger

	mu    sync.Mutex
	state State
	owner *Identity

	control *Control

	terminals map[string]*Terminal
	pending   map[string]*PendingSpawn

	reconnectTimer *time.Timer
}

// New constructs a PENDING session with no owner, control, or terminals.
func New(id string, cfg Config, events EventSink) *Session {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = 80
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = 24
	}
	if cfg.ProducerReconnect <= 0 {
		cfg.ProducerReconnect = 30 * time.Second
	}

	return &Session{
		id:        id,
		createdAt: cfg.Clock.Now(),
		cfg:       cfg,
		events:    events,
		log:       logger.WithModule("session").With(zap.String("session_id", id)),
		state:     StatePending,
		terminals: make(map[string]*Terminal),
		pending:   make(map[string]*PendingSpawn),
	}
}

// ID returns the session's opaque id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Owner returns the established owner, or nil if none has attached yet.
func (s *Session) Owner() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// CreatedAt returns the session's creation timestamp.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// AttachControl installs a producer's control socket (spec §4.3).
//
// Invariant 1 (at most one live control channel) and invariant 6 (ownership
// set exactly once, immutable thereafter) are enforced here.
func (s *Session) AttachControl(socket Socket, principal Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosing || s.state == StateClosed {
		return appErrors.ErrSessionNotFound
	}
	if s.control != nil {
		return appErrors.ErrAlreadyConnected
	}
	if s.owner == nil {
		owner := principal
		s.owner = &owner
	} else if s.owner.Subject != principal.Subject {
		return appErrors.ErrNotOwner
	}

	s.control = &Control{Socket: socket}
	s.cancelReconnectLocked()

	s.log.Info("control attached", zap.String("subject", principal.Subject))
	return nil
}

// OnControlHandshake records the producer's handshake and advances
// PENDING -> READY, emitting sessionOnline.
func (s *Session) OnControlHandshake(info ControlHandshake) {
	s.mu.Lock()
	wasPending := s.state == StatePending
	if s.control != nil {
		s.control.Handshake = &info
	}
	if wasPending {
		s.state = StateReady
	}
	s.mu.Unlock()

	if wasPending {
		s.log.Info("session ready", zap.String("version", info.Version))
		if s.events != nil {
			s.events.SessionOnline(s.id)
		}
	}
}

// DetachControl handles producer control-socket loss (spec §4.3). A
// graceful close (code 1000, reason "client shutdown") closes the session
// immediately; any other close arms the reconnect timer.
func (s *Session) DetachControl(closeCode int, closeReason string) {
	graceful := closeCode == appErrors.CloseNormal && closeReason == "client shutdown"

	s.mu.Lock()
	s.control = nil
	targets := s.allViewerSocketsLocked()
	s.mu.Unlock()

	if graceful {
		broadcastDisconnect(targets, "session_ended")
		s.Close("graceful")
		return
	}

	s.mu.Lock()
	s.reconnectTimer = s.cfg.Clock.AfterFunc(s.cfg.ProducerReconnect, func() {
		s.onReconnectTimeout()
	})
	s.mu.Unlock()

	s.log.Warn("control detached, reconnect timer armed", zap.Int("close_code", closeCode))
	if s.events != nil {
		s.events.SessionOffline(s.id)
	}
}

func (s *Session) onReconnectTimeout() {
	s.mu.Lock()
	if s.control != nil || s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	targets := s.allViewerSocketsLocked()
	s.mu.Unlock()

	broadcastDisconnect(targets, "producer_timeout")
	s.Close("timeout")
}

func (s *Session) cancelReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// RequestSpawn allocates a PendingSpawn and sends start_terminal to the
// producer. Returns the request id the caller should correlate against the
// subsequent TerminalStarted callback.
func (s *Session) RequestSpawn(requestID string, viewer Socket, viewerKey ViewerKey, cols, rows int, creator *Identity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.control == nil {
		return "", appErrors.ErrSessionNotReady
	}
	if cols <= 0 {
		cols = s.cfg.DefaultCols
	}
	if rows <= 0 {
		rows = s.cfg.DefaultRows
	}

	s.pending[requestID] = &PendingSpawn{
		RequestID: requestID,
		Cols:      cols,
		Rows:      rows,
		Viewer:    viewer,
		ViewerKey: viewerKey,
		CreatedAt: s.cfg.Clock.Now(),
		Creator:   creator,
	}

	control := s.control.Socket
	s.mu.Unlock()

	payload, err := wire.EncodeStartTerminal("", cols, rows, requestID)
	sent := err == nil && control.Send(MessageText, payload)

	s.mu.Lock()
	if !sent {
		delete(s.pending, requestID)
		return "", appErrors.ErrSpawnFailure
	}

	return requestID, nil
}

// OnTerminalStarted resolves a pending spawn (spec §4.3, terminal-spawn
// state machine), delivering setup_response directly to the viewer that
// requested the spawn. A requestId with no matching pending entry is a
// no-op (invariant: testable property 12).
func (s *Session) OnTerminalStarted(name, requestID string, success bool, errMsg string) {
	s.mu.Lock()

	pending, found := s.pending[requestID]
	if !found {
		s.mu.Unlock()
		s.log.Warn("terminal_started for unknown request", zap.String("request_id", requestID))
		return
	}
	delete(s.pending, requestID)

	if !success {
		s.mu.Unlock()
		sendSetupResponse(pending.Viewer, wire.SetupResponse{Success: false, Error: errMsg})
		return
	}

	term := newTerminal(name, pending.Cols, pending.Rows, pending.Creator)
	s.terminals[name] = term
	term.interactive[pending.ViewerKey] = &ViewerState{Socket: pending.Viewer}

	if s.state == StateReady {
		s.state = StateActive
	}
	s.mu.Unlock()

	metrics.TerminalsSpawned.Inc()
	s.log.Info("terminal started", zap.String("name", name), zap.String("request_id", requestID))
	sendSetupResponse(pending.Viewer, wire.SetupResponse{
		Success: true,
		Name:    name,
		Cols:    pending.Cols,
		Rows:    pending.Rows,
	})
}

func sendSetupResponse(viewer Socket, resp wire.SetupResponse) {
	if viewer == nil {
		return
	}
	payload, err := wire.EncodeSetupResponse(resp)
	if err != nil {
		return
	}
	viewer.Send(MessageText, payload)
}

// AttachData installs the data-channel socket for an existing terminal. If
// the terminal does not yet exist (a straggler data connection arriving
// ahead of terminal_started, or a producer racing the control channel), a
// placeholder terminal is created with the session's default geometry, per
// the producer-data endpoint's documented fallback (spec §4.4).
func (s *Session) AttachData(name string, socket Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	term, ok := s.terminals[name]
	if !ok {
		term = newTerminal(name, s.cfg.DefaultCols, s.cfg.DefaultRows, nil)
		s.terminals[name] = term
		if s.state == StateReady {
			s.state = StateActive
		}
	}
	term.Data = socket
}

// OnDataHandshake records the producer's reported geometry for a terminal
// and replies with resize(cols,rows) on the data channel, per spec §4.3
// attachData and scenario S1's final handshake step.
func (s *Session) OnDataHandshake(name string, cols, rows int) {
	s.mu.Lock()
	term, ok := s.terminals[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	if cols > 0 {
		term.Cols = cols
	}
	if rows > 0 {
		term.Rows = rows
	}
	dataChannel := term.Data
	replyCols, replyRows := term.Cols, term.Rows
	s.mu.Unlock()

	if dataChannel == nil {
		return
	}
	if payload, err := wire.EncodeResize(replyCols, replyRows); err == nil {
		dataChannel.Send(MessageBinary, payload)
	}
}

// JoinExistingTerminal attaches a viewer to an already-running terminal with
// needsSnapshot set, allocating a fresh snapshot correlation id and sending
// snapshot_request on the data channel, then acknowledges the join with
// setup_response so the viewer learns the terminal's name and geometry
// before the snapshot bytes arrive (spec §4.3, §4.4, scenario S2).
func (s *Session) JoinExistingTerminal(name string, viewer Socket, viewerKey ViewerKey, role ViewerRole, snapshotID string) (*Terminal, error) {
	s.mu.Lock()

	term, ok := s.terminals[name]
	if !ok {
		s.mu.Unlock()
		return nil, appErrors.ErrSessionNotFound
	}

	vs := &ViewerState{
		Socket:            viewer,
		NeedsSnapshot:     true,
		PendingSnapshotID: snapshotID,
	}
	term.setFor(role)[viewerKey] = vs
	dataChannel := term.Data
	cols, rows := term.Cols, term.Rows
	s.mu.Unlock()

	if dataChannel != nil {
		if payload, err := wire.EncodeSnapshotRequest(snapshotID); err == nil {
			dataChannel.Send(MessageBinary, payload)
		}
	}

	sendSetupResponse(viewer, wire.SetupResponse{
		Success: true,
		Name:    name,
		Cols:    cols,
		Rows:    rows,
	})

	return term, nil
}

// OnSnapshot delivers a snapshot to the unique viewer awaiting it, then
// flushes buffered output in arrival order and clears needsSnapshot (spec
// §3 invariant 4-5, testable property 3).
func (s *Session) OnSnapshot(name, snapshotID string, screen []byte) {
	s.mu.Lock()
	term, ok := s.terminals[name]
	if !ok {
		s.mu.Unlock()
		return
	}

	var target *ViewerState
	for _, vs := range term.allViewers() {
		if vs.NeedsSnapshot && vs.PendingSnapshotID == snapshotID {
			target = vs
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return
	}

	buffered := target.BufferedOutput
	target.BufferedOutput = nil
	target.NeedsSnapshot = false
	target.PendingSnapshotID = ""
	socket := target.Socket
	s.mu.Unlock()

	if socket == nil {
		return
	}
	socket.Send(MessageBinary, screen)
	for _, chunk := range buffered {
		socket.Send(MessageBinary, chunk)
	}
}

// OnOutput fans producer output out to every viewer of a terminal, buffering
// for any viewer still awaiting its snapshot (spec §3 invariant 4,
// testable property 4).
func (s *Session) OnOutput(name string, data []byte) {
	s.mu.Lock()
	term, ok := s.terminals[name]
	if !ok {
		s.mu.Unlock()
		return
	}

	type delivery struct {
		socket Socket
		chunk  []byte
	}
	var deliveries []delivery

	for _, vs := range term.allViewers() {
		if vs.NeedsSnapshot {
			chunk := make([]byte, len(data))
			copy(chunk, data)
			vs.BufferedOutput = append(vs.BufferedOutput, chunk)
			continue
		}
		deliveries = append(deliveries, delivery{socket: vs.Socket, chunk: data})
	}
	s.mu.Unlock()

	for _, d := range deliveries {
		if d.socket == nil {
			continue
		}
		if !d.socket.Send(MessageBinary, d.chunk) {
			metrics.FramesDropped.WithLabelValues("output_backpressure").Inc()
		}
	}
}

// OnInput forwards viewer input to the terminal's data channel iff the
// viewer is interactive (spec §4.3; mirror viewers are silently ignored).
func (s *Session) OnInput(name string, viewerKey ViewerKey, data []byte) {
	s.mu.Lock()
	term, ok := s.terminals[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	vs, isInteractive := term.interactive[viewerKey]
	dataChannel := term.Data
	s.mu.Unlock()

	if !isInteractive || vs == nil || dataChannel == nil {
		return
	}
	dataChannel.Send(MessageBinary, wire.EncodeInput(data))
}

// OnResize permits resize requests from interactive viewers only, updates
// the terminal's geometry, and forwards it to the producer.
func (s *Session) OnResize(name string, viewerKey ViewerKey, cols, rows int) bool {
	s.mu.Lock()
	term, ok := s.terminals[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	_, isInteractive := term.interactive[viewerKey]
	if !isInteractive {
		s.mu.Unlock()
		return false
	}
	term.Cols, term.Rows = cols, rows
	dataChannel := term.Data
	s.mu.Unlock()

	if dataChannel == nil {
		return false
	}
	payload, err := wire.EncodeResize(cols, rows)
	if err != nil {
		return false
	}
	return dataChannel.Send(MessageBinary, payload)
}

// OnTerminalClosed tears a terminal down: every viewer (both sets) receives
// an exit notification and is closed, the terminal is removed, and the
// session falls back to READY if it was the last terminal (spec §4.3).
func (s *Session) OnTerminalClosed(name string, exitCode int) {
	s.mu.Lock()
	term, ok := s.terminals[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.terminals, name)

	lastTerminal := len(s.terminals) == 0
	if lastTerminal && s.state == StateActive {
		s.state = StateReady
	}

	viewers := term.allViewers()
	s.mu.Unlock()

	exitMsg, _ := wire.EncodeViewerExit(exitCode)
	for _, vs := range viewers {
		if vs.Socket == nil {
			continue
		}
		if exitMsg != nil {
			vs.Socket.Send(MessageText, exitMsg)
		}
		vs.Socket.Close(appErrors.CloseNormal, "Terminal closed")
	}

	metrics.TerminalsClosed.Inc()
	s.log.Info("terminal closed", zap.String("name", name), zap.Int("exit_code", exitCode))
	if s.events != nil {
		s.events.TerminalClosed(s.id, name, exitCode)
	}
}

// CloseTerminal performs OnTerminalClosed's local teardown with exit code 0.
// It sends nothing to the producer.
func (s *Session) CloseTerminal(name string) {
	s.OnTerminalClosed(name, 0)
}

// ControlSocket returns the live control socket, or nil.
func (s *Session) ControlSocket() Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control == nil {
		return nil
	}
	return s.control.Socket
}

// TerminalForViewer returns the name of the terminal a viewer key is
// currently attached to, in either viewer set. Endpoint handlers use this
// to route steady-state input/resize frames without tracking terminal
// membership themselves.
func (s *Session) TerminalForViewer(viewerKey ViewerKey) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, term := range s.terminals {
		if _, _, ok := term.roleOf(viewerKey); ok {
			return name, true
		}
	}
	return "", false
}

// TerminalExists reports whether a terminal name is currently registered.
func (s *Session) TerminalExists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.terminals[name]
	return ok
}

// Close transitions the session through CLOSING -> CLOSED exactly once,
// closing every terminal and the control socket (spec §3 invariant 2,
// testable property 6: exactly one sessionClosed event per session).
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.cancelReconnectLocked()

	names := make([]string, 0, len(s.terminals))
	for name := range s.terminals {
		names = append(names, name)
	}
	control := s.control
	s.control = nil
	s.mu.Unlock()

	for _, name := range names {
		s.OnTerminalClosed(name, 0)
	}
	if control != nil && control.Socket != nil {
		control.Socket.Close(appErrors.CloseNormal, fmt.Sprintf("session closed: %s", reason))
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	s.log.Info("session closed", zap.String("reason", reason))
	if s.events != nil {
		s.events.SessionClosed(s.id, reason)
	}
}

func (s *Session) allViewerSocketsLocked() []Socket {
	var sockets []Socket
	for _, term := range s.terminals {
		for _, vs := range term.allViewers() {
			if vs.Socket != nil {
				sockets = append(sockets, vs.Socket)
			}
		}
	}
	return sockets
}

func broadcastDisconnect(targets []Socket, reason string) {
	payload, err := wire.EncodeDisconnect(reason)
	if err != nil {
		return
	}
	for _, socket := range targets {
		socket.Send(MessageText, payload)
		socket.Close(appErrors.CloseNormal, reason)
	}
}
