package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/termrelay/internal/session"
)

func TestCreateSessionGeneratesIDWhenEmpty(t *testing.T) {
	r := New(session.Config{}, 0)

	sess := r.CreateSession("")
	require.NotEmpty(t, sess.ID())

	got, err := r.Get(sess.ID())
	require.NoError(t, err)
	require.Same(t, sess, got)
}

func TestCreateSessionHonorsSuppliedID(t *testing.T) {
	r := New(session.Config{}, 0)

	sess := r.CreateSession("my-session")
	require.Equal(t, "my-session", sess.ID())
}

func TestGetUnknownSessionFails(t *testing.T) {
	r := New(session.Config{}, 0)
	_, err := r.Get("nope")
	require.Error(t, err)
}

func TestSessionClosedRemovesFromActiveSetAndRecordsRing(t *testing.T) {
	r := New(session.Config{}, 0)
	sess := r.CreateSession("s1")

	require.Len(t, r.Snapshot(), 1)

	sess.Close("graceful")

	require.Empty(t, r.Snapshot())
	_, err := r.Get("s1")
	require.Error(t, err)

	recent := r.Recent()
	require.Len(t, recent, 1)
	require.Equal(t, "s1", recent[0].SessionID)
	require.Equal(t, "graceful", recent[0].Reason)
}

func TestClosedRingIsBoundedAndOverwritesOldest(t *testing.T) {
	r := New(session.Config{}, 2)

	for _, id := range []string{"a", "b", "c"} {
		sess := r.CreateSession(id)
		sess.Close("graceful")
	}

	recent := r.Recent()
	require.Len(t, recent, 2)

	ids := map[string]bool{}
	for _, rec := range recent {
		ids[rec.SessionID] = true
	}
	require.False(t, ids["a"], "oldest entry should have been overwritten")
	require.True(t, ids["b"])
	require.True(t, ids["c"])
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	r := New(session.Config{}, 0)

	var events []Event
	r.Subscribe(func(ev Event) {
		events = append(events, ev)
	})

	sess := r.CreateSession("s1")
	sess.Close("graceful")

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventSessionClosed, last.Kind)
	require.Equal(t, "s1", last.SessionID)
}
