// Package room implements the collaboration-room ("jam") broker: an
// in-memory process-wide roomId->participant-set, backed by the §6
// persistent store, that relays session-registry lifecycle events to
// authenticated participants as JSON state deltas. Grounded on the
// teacher's internal/realtime.Hub, generalized from stream subscriptions
// to room membership and enriched with per-room event serialization.
package room

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/termrelay/internal/registry"
	"github.com/charlesng35/termrelay/internal/room/store"
	"github.com/charlesng35/termrelay/internal/session"
	"github.com/charlesng35/termrelay/internal/wsconn"
	"github.com/charlesng35/termrelay/pkg/logger"
)

// Sender is the minimal socket-write surface the broker needs from a
// participant connection, matching *wsconn.Writer's Send method so
// production callers pass a real writer while tests pass a fake.
type Sender interface {
	Send(messageType int, payload []byte) bool
}

// participant is one connected, authenticated room member.
type participant struct {
	subject string
	login   string
	writer  Sender
}

// roomHub holds the live participant set for one room and serializes every
// broadcast to it through a single sender goroutine, so that concurrent
// registry events and participant actions are observed in the same order
// by every client (spec §4.5's "serialize through the broker's per-room
// writer" requirement).
type roomHub struct {
	jobs chan func(map[string]*participant)

	// participants is only ever touched from the single goroutine draining
	// jobs; the channel itself is the serialization point.
	participants map[string]*participant // subject -> participant
}

func newRoomHub() *roomHub {
	h := &roomHub{
		jobs:         make(chan func(map[string]*participant), 64),
		participants: make(map[string]*participant),
	}
	go h.run()
	return h
}

func (h *roomHub) run() {
	for job := range h.jobs {
		job(h.participants)
	}
}

func (h *roomHub) submit(job func(map[string]*participant)) {
	h.jobs <- job
}

func (h *roomHub) close() {
	close(h.jobs)
}

// Broker coordinates every live room and subscribes to the session
// registry so that sessionOnline/sessionOffline/sessionClosed/
// terminalClosed events become session_status_update/terminal_closed_update
// broadcasts (spec §4.5).
type Broker struct {
	store    store.Store
	registry *registry.Registry
	log      *zap.Logger

	hubsMu sync.Mutex
	hubs   map[string]*roomHub

	// connMu guards connectedRooms, the subject->connected-room-ids index
	// used to find rooms a given subject is currently connected to without
	// reaching into any roomHub's participant map from outside its own
	// goroutine.
	connMu         sync.Mutex
	connectedRooms map[string]map[string]struct{}
}

// NewBroker constructs a Broker and subscribes it to registry events.
func NewBroker(st store.Store, reg *registry.Registry) *Broker {
	b := &Broker{
		store:          st,
		registry:       reg,
		log:            logger.WithModule("room"),
		hubs:           make(map[string]*roomHub),
		connectedRooms: make(map[string]map[string]struct{}),
	}
	reg.Subscribe(b.onRegistryEvent)
	return b
}

// trackConnection records that subject is connected to roomID.
func (b *Broker) trackConnection(subject, roomID string) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	rooms, ok := b.connectedRooms[subject]
	if !ok {
		rooms = make(map[string]struct{})
		b.connectedRooms[subject] = rooms
	}
	rooms[roomID] = struct{}{}
}

// untrackConnection removes the record that subject is connected to roomID.
func (b *Broker) untrackConnection(subject, roomID string) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	rooms, ok := b.connectedRooms[subject]
	if !ok {
		return
	}
	delete(rooms, roomID)
	if len(rooms) == 0 {
		delete(b.connectedRooms, subject)
	}
}

// roomsForSubject returns every room a subject currently has a live
// connection to.
func (b *Broker) roomsForSubject(subject string) []string {
	if subject == "" {
		return nil
	}
	b.connMu.Lock()
	defer b.connMu.Unlock()
	rooms := b.connectedRooms[subject]
	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	return out
}

func (b *Broker) hubFor(roomID string, create bool) *roomHub {
	b.hubsMu.Lock()
	defer b.hubsMu.Unlock()

	h, ok := b.hubs[roomID]
	if !ok && create {
		h = newRoomHub()
		b.hubs[roomID] = h
	}
	return h
}

// Join registers a participant connection with roomID and sends it the
// initial jam_state snapshot enriched with live session status.
func (b *Broker) Join(ctx context.Context, roomID, subject, login string, writer Sender) {
	hub := b.hubFor(roomID, true)
	b.trackConnection(subject, roomID)

	hub.submit(func(participants map[string]*participant) {
		_, alreadyIn := participants[subject]
		participants[subject] = &participant{subject: subject, login: login, writer: writer}

		state, err := b.buildJamState(ctx, roomID)
		if err != nil {
			b.log.Warn("failed to build jam state", zap.String("room_id", roomID), zap.Error(err))
		} else {
			send(writer, msgJamState, state)
		}

		if !alreadyIn {
			broadcastExcept(participants, subject, msgParticipantUpdate, participantUpdatePayload{
				Action: "joined", Subject: subject, Login: login,
			})
		}
	})
}

// Leave removes a participant connection and notifies the rest of the room.
func (b *Broker) Leave(roomID, subject string) {
	b.untrackConnection(subject, roomID)

	hub := b.hubFor(roomID, false)
	if hub == nil {
		return
	}

	hub.submit(func(participants map[string]*participant) {
		p, ok := participants[subject]
		if !ok {
			return
		}
		delete(participants, subject)
		broadcastExcept(participants, subject, msgParticipantUpdate, participantUpdatePayload{
			Action: "left", Subject: subject, Login: p.login,
		})
		if len(participants) == 0 {
			b.retireHub(roomID, hub)
		}
	})
}

// retireHub drops an empty room's hub from the registry and stops its
// sender goroutine. Called from within the hub's own job, so the channel
// close takes effect once this job returns.
func (b *Broker) retireHub(roomID string, hub *roomHub) {
	b.hubsMu.Lock()
	if current, ok := b.hubs[roomID]; ok && current == hub {
		delete(b.hubs, roomID)
	}
	b.hubsMu.Unlock()
	hub.close()
}

// PanelSelect applies spec §4.5's panel access control and persists +
// broadcasts the resulting shared panel state.
func (b *Broker) PanelSelect(ctx context.Context, roomID, subject, panel, sessionID, terminalName string) {
	hub := b.hubFor(roomID, true)

	hub.submit(func(participants map[string]*participant) {
		room, err := b.store.GetRoom(ctx, roomID)
		if err != nil {
			b.log.Warn("panel_select: room lookup failed", zap.Error(err))
			return
		}

		if !panelWritable(panel, subject, room.OwnerSubject, len(participants)) {
			if p, ok := participants[subject]; ok {
				send(p.writer, msgError, errorPayload{Code: "forbidden"})
			}
			return
		}

		if err := b.store.SetSharedPanelState(ctx, roomID, panel, sessionID, terminalName); err != nil {
			b.log.Warn("panel_select: persist failed", zap.Error(err))
			return
		}

		state, err := b.store.GetSharedPanelState(ctx, roomID)
		if err != nil {
			b.log.Warn("panel_select: reload failed", zap.Error(err))
			return
		}
		broadcastAll(participants, msgPanelStateUpdate, toPanelStatePayload(state))
	})
}

// panelWritable implements spec §4.5's ownership rule: with a single
// connected participant both panels are writable; with two or more, only
// the owner may set left and only non-owners may set right.
func panelWritable(panel, subject, ownerSubject string, connectedCount int) bool {
	if connectedCount < 2 {
		return true
	}
	isOwner := subject == ownerSubject
	switch panel {
	case "left":
		return isOwner
	case "right":
		return !isOwner
	default:
		return false
	}
}

// AddSession adds a session to the room's pool and broadcasts the addition.
func (b *Broker) AddSession(ctx context.Context, roomID, subject, sessionID, hostname, workingDir string) {
	hub := b.hubFor(roomID, true)

	hub.submit(func(participants map[string]*participant) {
		if err := b.store.AddToPool(ctx, roomID, sessionID, subject, hostname, workingDir); err != nil {
			b.log.Warn("add_session failed", zap.Error(err))
			return
		}

		status := "offline"
		if sess, err := b.registry.Get(sessionID); err == nil {
			status = statusForState(sess.State())
		}

		broadcastAll(participants, msgSessionPoolUpdate, sessionPoolUpdatePayload{
			Action: "added",
			Session: PoolSession{SessionID: sessionID, AddedBy: subject, Hostname: hostname, WorkingDir: workingDir, Status: status},
		})
	})
}

// RemoveSession removes a session from the room's pool and broadcasts the
// change. It performs no permission check: neither the session's adder nor
// the room owner is checked here, and the room socket handler passes every
// remove_session request from any participant straight through.
func (b *Broker) RemoveSession(ctx context.Context, roomID, sessionID string) {
	hub := b.hubFor(roomID, true)

	hub.submit(func(participants map[string]*participant) {
		if err := b.store.RemoveFromPool(ctx, roomID, sessionID); err != nil {
			b.log.Warn("remove_session failed", zap.Error(err))
			return
		}
		broadcastAll(participants, msgSessionPoolUpdate, sessionPoolUpdatePayload{
			Action:  "removed",
			Session: PoolSession{SessionID: sessionID},
		})
	})
}

// onRegistryEvent translates a session registry lifecycle event into
// session_status_update/terminal_closed_update broadcasts for every room
// that needs to hear about it: rooms with the session in their pool, plus
// rooms where the session's owner is currently connected (spec §4.5).
func (b *Broker) onRegistryEvent(ev registry.Event) {
	ctx := context.Background()

	poolRooms, err := b.store.RoomsForSession(ctx, ev.SessionID)
	if err != nil {
		b.log.Warn("registry event: room lookup failed", zap.Error(err))
		return
	}

	// Spec §4.5: notify rooms with the session in their pool, plus rooms
	// where the session's owner is currently connected, even if the
	// session was never added to that room's pool.
	seen := make(map[string]struct{}, len(poolRooms))
	roomIDs := make([]string, 0, len(poolRooms))
	for _, roomID := range poolRooms {
		if _, ok := seen[roomID]; ok {
			continue
		}
		seen[roomID] = struct{}{}
		roomIDs = append(roomIDs, roomID)
	}
	for _, roomID := range b.roomsForSubject(ev.OwnerSubject) {
		if _, ok := seen[roomID]; ok {
			continue
		}
		seen[roomID] = struct{}{}
		roomIDs = append(roomIDs, roomID)
	}

	for _, roomID := range roomIDs {
		b.handleRegistryEventForRoom(ctx, roomID, ev)
	}
}

func (b *Broker) handleRegistryEventForRoom(ctx context.Context, roomID string, ev registry.Event) {
	hub := b.hubFor(roomID, false)
	if hub == nil {
		return
	}

	switch ev.Kind {
	case registry.EventSessionOnline:
		_ = b.store.MarkPoolSessionOnline(ctx, roomID, ev.SessionID)
		hub.submit(func(participants map[string]*participant) {
			broadcastAll(participants, msgSessionStatusUpdate, sessionStatusUpdatePayload{SessionID: ev.SessionID, Status: "online"})
		})

	case registry.EventSessionOffline:
		_ = b.store.MarkPoolSessionClosed(ctx, roomID, ev.SessionID, false, "")
		hub.submit(func(participants map[string]*participant) {
			broadcastAll(participants, msgSessionStatusUpdate, sessionStatusUpdatePayload{SessionID: ev.SessionID, Status: "offline"})
		})

	case registry.EventSessionClosed:
		graceful := ev.Reason == "graceful"
		_ = b.store.MarkPoolSessionClosed(ctx, roomID, ev.SessionID, graceful, ev.Reason)
		status := "offline"
		if graceful {
			status = "closed"
		}
		hub.submit(func(participants map[string]*participant) {
			broadcastAll(participants, msgSessionStatusUpdate, sessionStatusUpdatePayload{SessionID: ev.SessionID, Status: status, Reason: ev.Reason})
		})

	case registry.EventTerminalClosed:
		hub.submit(func(participants map[string]*participant) {
			broadcastAll(participants, msgTerminalClosedUpdate, terminalClosedUpdatePayload{SessionID: ev.SessionID, ExitCode: ev.ExitCode})
		})
	}
}

// poolEntryStatus prefers the live registry state when the session is still
// tracked, falling back to the store's last-known online/closed state for
// sessions the registry has already forgotten.
func poolEntryStatus(reg *registry.Registry, e store.PoolEntryRecord) string {
	if sess, err := reg.Get(e.SessionID); err == nil {
		return statusForState(sess.State())
	}
	if e.CloseReason == "closed" {
		return "closed"
	}
	return "offline"
}

func statusForState(s session.State) string {
	switch s {
	case session.StateClosing, session.StateClosed:
		return "closed"
	case session.StatePending:
		return "offline"
	default:
		return "online"
	}
}

func (b *Broker) buildJamState(ctx context.Context, roomID string) (JamState, error) {
	room, err := b.store.GetRoom(ctx, roomID)
	if err != nil {
		return JamState{}, err
	}

	participantRows, err := b.store.ListParticipants(ctx, roomID)
	if err != nil {
		return JamState{}, err
	}
	participants := make([]Participant, len(participantRows))
	for i, p := range participantRows {
		participants[i] = Participant{Subject: p.Subject, Login: p.Login}
	}

	poolRows, err := b.store.GetPool(ctx, roomID)
	if err != nil {
		return JamState{}, err
	}
	pool := make([]PoolSession, len(poolRows))
	for i, e := range poolRows {
		pool[i] = PoolSession{SessionID: e.SessionID, AddedBy: e.AddedBy, Hostname: e.Hostname, WorkingDir: e.WorkingDir, Status: poolEntryStatus(b.registry, e)}
	}

	panel, err := b.store.GetSharedPanelState(ctx, roomID)
	if err != nil {
		return JamState{}, err
	}

	return JamState{
		RoomID: roomID, OwnerSubject: room.OwnerSubject,
		Participants: participants, Pool: pool, PanelState: toPanelStatePayload(panel),
	}, nil
}

func toPanelStatePayload(p store.PanelStateRecord) PanelStatePayload {
	out := PanelStatePayload{}
	if p.LeftSessionID != "" {
		out.Left = &PanelSelection{SessionID: p.LeftSessionID, TerminalName: p.LeftTerminalName}
	}
	if p.RightSessionID != "" {
		out.Right = &PanelSelection{SessionID: p.RightSessionID, TerminalName: p.RightTerminalName}
	}
	return out
}

func send(w Sender, msgType string, data any) {
	payload, err := encodeMessage(msgType, data)
	if err != nil {
		return
	}
	w.Send(wsconn.TextMessage, payload)
}

func broadcastAll(participants map[string]*participant, msgType string, data any) {
	payload, err := encodeMessage(msgType, data)
	if err != nil {
		return
	}
	for _, p := range participants {
		p.writer.Send(wsconn.TextMessage, payload)
	}
}

func broadcastExcept(participants map[string]*participant, exceptSubject, msgType string, data any) {
	payload, err := encodeMessage(msgType, data)
	if err != nil {
		return
	}
	for subject, p := range participants {
		if subject == exceptSubject {
			continue
		}
		p.writer.Send(wsconn.TextMessage, payload)
	}
}
