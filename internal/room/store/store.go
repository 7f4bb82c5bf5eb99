package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a room, participant, or invitation lookup
// has no match.
var ErrNotFound = errors.New("room store: not found")

// RoomRecord is the store's view of a Room, independent of the GORM model
// so callers outside this package never depend on gorm tags.
type RoomRecord struct {
	ID           string
	OwnerSubject string
	OwnerLogin   string
	CreatedAt    time.Time
	ArchivedAt   *time.Time
}

// ParticipantRecord is one authenticated member of a room.
type ParticipantRecord struct {
	Subject string
	Login   string
}

// PoolEntryRecord is one session surfaced inside a room's shared pool.
type PoolEntryRecord struct {
	SessionID   string
	AddedBy     string
	Hostname    string
	WorkingDir  string
	Online      bool
	ClosedAt    *time.Time
	CloseReason string
}

// PanelStateRecord is the shared two-panel view's current selection.
type PanelStateRecord struct {
	LeftSessionID     string
	LeftTerminalName  string
	RightSessionID    string
	RightTerminalName string
}

// InvitationRecord is a pending or resolved room invitation.
type InvitationRecord struct {
	ID         string
	RoomID     string
	InvitedBy  string
	InviteeSub string
	Status     string
}

// Store is the room broker's external persistent-store contract (spec §6):
// rooms, participants, the session pool, shared panel state, and
// invitations. The broker never embeds SQL or a specific driver; it depends
// only on this interface, which Gorm implements by default below.
type Store interface {
	GetRoom(ctx context.Context, roomID string) (RoomRecord, error)
	CreateRoom(ctx context.Context, ownerSubject, ownerLogin string) (RoomRecord, error)
	ArchiveRoom(ctx context.Context, roomID string) error

	IsRoomMember(ctx context.Context, roomID, subject string) (bool, error)
	ListParticipants(ctx context.Context, roomID string) ([]ParticipantRecord, error)
	AddParticipant(ctx context.Context, roomID, subject, login string) error

	GetPool(ctx context.Context, roomID string) ([]PoolEntryRecord, error)
	AddToPool(ctx context.Context, roomID, sessionID, addedBy, hostname, workingDir string) error
	RemoveFromPool(ctx context.Context, roomID, sessionID string) error
	MarkPoolSessionClosed(ctx context.Context, roomID, sessionID string, graceful bool, reason string) error
	MarkPoolSessionOnline(ctx context.Context, roomID, sessionID string) error

	GetSharedPanelState(ctx context.Context, roomID string) (PanelStateRecord, error)
	SetSharedPanelState(ctx context.Context, roomID, panel, sessionID, terminalName string) error

	ListPendingInvitations(ctx context.Context, roomID string) ([]InvitationRecord, error)
	CreateInvitation(ctx context.Context, roomID, invitedBy, inviteeSubject string) (InvitationRecord, error)
	ResolveInvitation(ctx context.Context, invitationID, status string) error

	// RoomsForSession returns every room whose pool currently contains
	// sessionID, used by the broker to route registry events.
	RoomsForSession(ctx context.Context, sessionID string) ([]string, error)
}
