// Package registry tracks every live session, fans out the lifecycle events
// spec §4.2 requires to interested listeners (the room broker, metrics), and
// retains a bounded ring of recently closed sessions for inspection.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/charlesng35/termrelay/internal/session"
	appErrors "github.com/charlesng35/termrelay/pkg/errors"
	"github.com/charlesng35/termrelay/pkg/logger"
	"github.com/charlesng35/termrelay/pkg/metrics"
)

const defaultClosedRingSize = 50

// Event is one lifecycle notification fanned out to listeners registered
// with Registry.Subscribe. It mirrors spec §4.2's sessionOnline,
// sessionOffline, sessionClosed, and terminalClosed events.
type Event struct {
	Kind         string
	SessionID    string
	Reason       string
	TerminalName string
	ExitCode     int
	OwnerSubject string
}

const (
	EventSessionOnline  = "sessionOnline"
	EventSessionOffline = "sessionOffline"
	EventSessionClosed  = "sessionClosed"
	EventTerminalClosed = "terminalClosed"
)

// ClosedRecord is a retained summary of a session that has closed, kept in
// the registry's bounded ring buffer.
type ClosedRecord struct {
	SessionID string
	Reason    string
	ClosedAt  time.Time
}

// Summary is a read-only snapshot of one tracked session, used by
// admin/introspection callers that must not reach into session internals.
type Summary struct {
	SessionID string
	State     session.State
	CreatedAt time.Time
}

// Registry is the single source of truth for which sessions exist. All
// exported methods are safe for concurrent use. Registry-before-session is
// the required lock ordering: callers never hold a session lock while
// calling back into the registry.
type Registry struct {
	sessionCfg session.Config

	mu       sync.RWMutex
	sessions map[string]*session.Session

	ring     []ClosedRecord
	ringSize int
	ringHead int

	listenersMu sync.RWMutex
	listeners   []func(Event)

	log *zap.Logger
}

// New constructs an empty Registry. ringSize is the number of closed
// sessions retained for Recent(); zero falls back to the spec default of 50.
func New(sessionCfg session.Config, ringSize int) *Registry {
	if ringSize <= 0 {
		ringSize = defaultClosedRingSize
	}
	return &Registry{
		sessionCfg: sessionCfg,
		sessions:   make(map[string]*session.Session),
		ring:       make([]ClosedRecord, 0, ringSize),
		ringSize:   ringSize,
		log:        logger.WithModule("registry"),
	}
}

// Subscribe registers a listener invoked synchronously for every event this
// registry emits. Listeners must not block on session or registry locks.
func (r *Registry) Subscribe(fn func(Event)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) emit(ev Event) {
	r.listenersMu.RLock()
	listeners := make([]func(Event), len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// CreateSession registers a new session, generating an id via uuid when one
// is not supplied by the caller (e.g. a producer presenting its own session
// token).
func (r *Registry) CreateSession(id string) *session.Session {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	sessionCfg := r.sessionCfg
	sess := session.New(id, sessionCfg, r)
	r.sessions[id] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Set(float64(count))
	r.log.Info("session created", zap.String("session_id", id))

	return sess
}

// SetSessionConfig updates the defaults applied to sessions created from
// this point on (default geometry, the producer reconnect window, the
// viewer write queue size). Sessions already tracked keep whatever config
// they were created with; this is how the config-reload path propagates
// new values without disrupting live sessions.
func (r *Registry) SetSessionConfig(cfg session.Config) {
	r.mu.Lock()
	r.sessionCfg = cfg
	r.mu.Unlock()
}

// Get returns a tracked session by id.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, appErrors.ErrSessionNotFound
	}
	return sess, nil
}

// remove drops a session from the active map without closing it; callers
// use this after a session has already torn itself down via Close.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
}

// Snapshot returns a point-in-time summary of every tracked session.
func (r *Registry) Snapshot() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.sessions))
	for id, sess := range r.sessions {
		out = append(out, Summary{SessionID: id, State: sess.State(), CreatedAt: sess.CreatedAt()})
	}
	return out
}

// Recent returns the bounded ring of recently closed sessions, oldest first.
func (r *Registry) Recent() []ClosedRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClosedRecord, 0, len(r.ring))
	out = append(out, r.ring[r.ringHead:]...)
	out = append(out, r.ring[:r.ringHead]...)
	return out
}

func (r *Registry) recordClosed(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := ClosedRecord{SessionID: id, Reason: reason, ClosedAt: time.Now()}
	if len(r.ring) < r.ringSize {
		r.ring = append(r.ring, rec)
		return
	}
	r.ring[r.ringHead] = rec
	r.ringHead = (r.ringHead + 1) % r.ringSize
}

// ownerSubject looks up the subject of a still-tracked session's owner, if
// any has attached. Returns "" if the session is untracked or has no owner
// yet. Listeners use this to notify rooms the owner is currently connected
// to, even when the session itself was never added to any room's pool.
func (r *Registry) ownerSubject(sessionID string) string {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ""
	}
	if owner := sess.Owner(); owner != nil {
		return owner.Subject
	}
	return ""
}

// SessionOnline implements session.EventSink.
func (r *Registry) SessionOnline(sessionID string) {
	r.emit(Event{Kind: EventSessionOnline, SessionID: sessionID, OwnerSubject: r.ownerSubject(sessionID)})
}

// SessionOffline implements session.EventSink.
func (r *Registry) SessionOffline(sessionID string) {
	r.emit(Event{Kind: EventSessionOffline, SessionID: sessionID, OwnerSubject: r.ownerSubject(sessionID)})
}

// SessionClosed implements session.EventSink: it removes the session from
// the active map, records it in the closed ring, and fans the event out.
func (r *Registry) SessionClosed(sessionID string, reason string) {
	owner := r.ownerSubject(sessionID)
	r.remove(sessionID)
	r.recordClosed(sessionID, reason)
	r.emit(Event{Kind: EventSessionClosed, SessionID: sessionID, Reason: reason, OwnerSubject: owner})
}

// TerminalClosed implements session.EventSink.
func (r *Registry) TerminalClosed(sessionID, terminalName string, exitCode int) {
	r.emit(Event{Kind: EventTerminalClosed, SessionID: sessionID, TerminalName: terminalName, ExitCode: exitCode, OwnerSubject: r.ownerSubject(sessionID)})
}
