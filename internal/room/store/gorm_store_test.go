package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", t.Name())
	db, err := OpenSQLite("", dsn)
	require.NoError(t, err)
	return NewGormStore(db)
}

func TestCreateRoomAndGetRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, room.ID)

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, "owner-1", got.OwnerSubject)
}

func TestGetRoomUnknownReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRoom(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIsRoomMemberTrueForOwnerAndParticipant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)

	isMember, err := s.IsRoomMember(ctx, room.ID, "owner-1")
	require.NoError(t, err)
	require.True(t, isMember)

	isMember, err = s.IsRoomMember(ctx, room.ID, "bob")
	require.NoError(t, err)
	require.False(t, isMember)

	require.NoError(t, s.AddParticipant(ctx, room.ID, "bob", "bob"))

	isMember, err = s.IsRoomMember(ctx, room.ID, "bob")
	require.NoError(t, err)
	require.True(t, isMember)
}

func TestAddParticipantIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)

	require.NoError(t, s.AddParticipant(ctx, room.ID, "bob", "bob"))
	require.NoError(t, s.AddParticipant(ctx, room.ID, "bob", "bob"))

	participants, err := s.ListParticipants(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, participants, 1)
}

func TestPoolLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)

	require.NoError(t, s.AddToPool(ctx, room.ID, "sess-1", "owner-1", "host-a", "/home/alice"))

	pool, err := s.GetPool(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, pool, 1)
	require.True(t, pool[0].Online)

	rooms, err := s.RoomsForSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, []string{room.ID}, rooms)

	require.NoError(t, s.MarkPoolSessionClosed(ctx, room.ID, "sess-1", true, ""))
	pool, err = s.GetPool(ctx, room.ID)
	require.NoError(t, err)
	require.False(t, pool[0].Online)
	require.Equal(t, "closed", pool[0].CloseReason)

	require.NoError(t, s.RemoveFromPool(ctx, room.ID, "sess-1"))
	pool, err = s.GetPool(ctx, room.ID)
	require.NoError(t, err)
	require.Empty(t, pool)
}

func TestSharedPanelStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)

	require.NoError(t, s.SetSharedPanelState(ctx, room.ID, "left", "sess-1", "term-a"))
	require.NoError(t, s.SetSharedPanelState(ctx, room.ID, "right", "sess-2", "term-b"))

	panel, err := s.GetSharedPanelState(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, "sess-1", panel.LeftSessionID)
	require.Equal(t, "term-a", panel.LeftTerminalName)
	require.Equal(t, "sess-2", panel.RightSessionID)
	require.Equal(t, "term-b", panel.RightTerminalName)
}

func TestInvitationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "owner-1", "alice")
	require.NoError(t, err)

	inv, err := s.CreateInvitation(ctx, room.ID, "owner-1", "bob")
	require.NoError(t, err)
	require.Equal(t, "pending", inv.Status)

	pending, err := s.ListPendingInvitations(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.ResolveInvitation(ctx, inv.ID, "accepted"))

	pending, err = s.ListPendingInvitations(ctx, room.ID)
	require.NoError(t, err)
	require.Empty(t, pending)
}
