package session

import (
	"time"

	"github.com/charlesng35/termrelay/internal/auth"
)

// State is the session lifecycle state machine (spec §3 Lifecycles).
type State int

const (
	StatePending State = iota
	StateReady
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateReady:
		return "READY"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Message types a Socket is asked to send. These mirror gorilla/websocket's
// TextMessage/BinaryMessage opcodes so the wsconn.Writer that implements
// Socket needs no translation layer.
const (
	MessageText   = 1
	MessageBinary = 2
)

// Socket is the minimal write-side contract a session needs from a
// connection, satisfied by *wsconn.Writer without either package importing
// the other. Send is non-blocking and reports whether the frame was queued;
// Close requests a WebSocket close with the given code and reason.
type Socket interface {
	Send(messageType int, payload []byte) bool
	Close(code int, reason string)
}

// Identity is the {subject, username} principal carried by producers and
// spawn-requesting viewers.
type Identity = auth.Identity

// ControlHandshake is the producer's control-channel handshake payload.
type ControlHandshake struct {
	Version    string
	Hostname   string
	Username   string
	WorkingDir string
}

// Control is the live producer control-channel handle plus its handshake.
type Control struct {
	Socket    Socket
	Handshake *ControlHandshake
}

// Terminal is one pseudo-terminal within a session (spec §3 Terminal).
type Terminal struct {
	Name    string
	Data    Socket
	Cols    int
	Rows    int
	Creator *Identity

	// interactive and mirror are disjoint viewer sets (invariant 3). A
	// viewer key is whatever the caller uses to identify a socket, matching
	// it 1:1 with a Socket instance.
	interactive map[ViewerKey]*ViewerState
	mirror      map[ViewerKey]*ViewerState
}

// ViewerKey identifies a viewer socket uniquely within a terminal's sets.
// Endpoint handlers mint one per connection (e.g. a monotonically
// increasing counter or the socket's own pointer identity).
type ViewerKey uint64

// ViewerState tracks one viewer's snapshot-sync state for one terminal
// (spec §3 ViewerState).
type ViewerState struct {
	Socket            Socket
	NeedsSnapshot     bool
	PendingSnapshotID string
	BufferedOutput    [][]byte
}

// PendingSpawn is an in-flight start_terminal request awaiting the
// producer's terminal_started response (spec §3 PendingSpawn). There is no
// stored callback field: the originating viewer's Socket is held directly,
// and onTerminalStarted notifies it by writing a setup_response frame —
// the single-shot rendezvous spec §9's design notes call for, rather than a
// long-lived callback reference.
type PendingSpawn struct {
	RequestID string
	Cols      int
	Rows      int
	Viewer    Socket
	ViewerKey ViewerKey
	CreatedAt time.Time
	Creator   *Identity
}

func newTerminal(name string, cols, rows int, creator *Identity) *Terminal {
	return &Terminal{
		Name:        name,
		Cols:        cols,
		Rows:        rows,
		Creator:     creator,
		interactive: make(map[ViewerKey]*ViewerState),
		mirror:      make(map[ViewerKey]*ViewerState),
	}
}

// ViewerRole distinguishes the two disjoint membership sets of a terminal.
type ViewerRole int

const (
	RoleInteractive ViewerRole = iota
	RoleMirror
)

func (t *Terminal) setFor(role ViewerRole) map[ViewerKey]*ViewerState {
	if role == RoleInteractive {
		return t.interactive
	}
	return t.mirror
}

// roleOf reports which set, if any, a viewer belongs to.
func (t *Terminal) roleOf(key ViewerKey) (ViewerRole, *ViewerState, bool) {
	if vs, ok := t.interactive[key]; ok {
		return RoleInteractive, vs, true
	}
	if vs, ok := t.mirror[key]; ok {
		return RoleMirror, vs, true
	}
	return 0, nil, false
}

// allViewers returns every viewer attached to the terminal in both sets.
func (t *Terminal) allViewers() map[ViewerKey]*ViewerState {
	all := make(map[ViewerKey]*ViewerState, len(t.interactive)+len(t.mirror))
	for k, v := range t.interactive {
		all[k] = v
	}
	for k, v := range t.mirror {
		all[k] = v
	}
	return all
}
