package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mxarchive/internal/model"
)

func TestReadEvents_Paging(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	commitPage(t, s, testEvents(room, 1, 10), "t1", model.CursorCaughtUp)

	first, err := s.ReadEvents(ctx, room, 0, 4)
	require.NoError(t, err)
	require.Len(t, first, 4)

	rest, err := s.ReadEvents(ctx, room, first[3].Position, 100)
	require.NoError(t, err)
	require.Len(t, rest, 6)
	assert.Equal(t, int64(5), rest[0].Position)
}

func TestReadEvents_EmptyRoomReturnsEmptySlice(t *testing.T) {
	s := createTestStore(t)

	events, err := s.ReadEvents(context.Background(), "!none:example.org", 0, 10)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestReadEvents_PreservesStateKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sk := "@alice:example.org"
	ev := testEvent(room, "$member", 1)
	ev.Type = "m.room.member"
	ev.StateKey = &sk
	commitPage(t, s, []model.Event{ev, testEvent(room, "$msg", 2)}, "t1", model.CursorCaughtUp)

	events, err := s.ReadEvents(ctx, room, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, events[0].StateKey)
	assert.Equal(t, sk, *events[0].StateKey)
	assert.Nil(t, events[1].StateKey)
}

func TestHasEvent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	commitPage(t, s, testEvents(room, 1, 1), "t1", model.CursorCaughtUp)

	ok, err := s.HasEvent(ctx, room, "$e001")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasEvent(ctx, room, "$nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMembersAsOf(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	commitPage(t, s, testEvents(room, 1, 5), "t1", model.CursorCaughtUp)
	_, err := s.CommitRoster(ctx, model.RosterCommit{RoomID: room, Changes: []model.MemberState{
		member("@alice:example.org", model.MembershipJoin),
	}})
	require.NoError(t, err)

	commitPage(t, s, testEvents(room, 6, 5), "t2", model.CursorCaughtUp)
	_, err = s.CommitRoster(ctx, model.RosterCommit{RoomID: room, Changes: []model.MemberState{
		member("@alice:example.org", model.MembershipLeave),
		member("@bob:example.org", model.MembershipJoin),
	}})
	require.NoError(t, err)

	asOf5, err := s.MembersAsOf(ctx, room, 5)
	require.NoError(t, err)
	require.Len(t, asOf5, 1)
	assert.Equal(t, model.MembershipJoin, asOf5[0].State.Membership)

	latest, err := s.LatestMembership(ctx, room)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "@alice:example.org", latest[0].State.UserID)
	assert.Equal(t, model.MembershipLeave, latest[0].State.Membership)
	assert.Equal(t, "@bob:example.org", latest[1].State.UserID)

	joined, err := s.JoinedMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"@bob:example.org"}, joined)
}

func TestLatestDevices_FiltersByOwner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.CommitDevices(ctx, model.DeviceCommit{Account: "@me:example.org", Changes: []model.DeviceState{
		{UserID: "@me:example.org", DeviceID: "A", Present: true},
		{UserID: "@bob:example.org", DeviceID: "B", Present: true},
	}})
	require.NoError(t, err)

	all, err := s.LatestDevices(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bob, err := s.LatestDevices(ctx, []string{"@bob:example.org"})
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, "B", bob[0].State.DeviceID)
}

func TestCountMedia(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"example.org/a", "example.org/b"} {
		require.NoError(t, s.UpsertMediaMetadata(ctx, model.MediaRef{ContentID: id, RoomID: room, EventID: "$x"}))
	}
	require.NoError(t, s.MarkMaterialized(ctx, model.Materialized{
		ContentID: "example.org/a", Size: 10, SHA256: "d", BlobKey: "k",
	}))

	counts, err := s.CountMedia(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, MediaCounts{Referenced: 1, Materialized: 1, Bytes: 10}, counts)

	other, err := s.CountMedia(ctx, "!other:example.org")
	require.NoError(t, err)
	assert.Equal(t, MediaCounts{}, other)
}

func TestListCursors_Ordered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	commitPage(t, s, testEvents(room, 1, 1), "t1", model.CursorCaughtUp)
	_, err := s.CommitRoster(ctx, model.RosterCommit{RoomID: room})
	require.NoError(t, err)

	cursors, err := s.ListCursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, model.ScopeEvents, cursors[0].Scope)
	assert.Equal(t, model.ScopeMembers, cursors[1].Scope)
}

func TestReadCursor_NeverSynced(t *testing.T) {
	s := createTestStore(t)

	cur, err := s.ReadCursor(context.Background(), model.ScopeEvents, room)
	require.NoError(t, err)
	assert.Equal(t, model.CursorNeverSynced, cur.State)
	assert.False(t, cur.Synced())
}

func TestVerify_HealthyArchive(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRoom(ctx, model.RoomRef{ID: room}))
	commitPage(t, s, testEvents(room, 1, 3), "t1", model.CursorCaughtUp)
	_, err := s.CommitRoster(ctx, model.RosterCommit{RoomID: room, Changes: []model.MemberState{
		member("@alice:example.org", model.MembershipJoin),
	}})
	require.NoError(t, err)

	report, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "issues: %v", report.Issues)
	assert.Equal(t, 1, report.Rooms)
	assert.Equal(t, int64(3), report.Events)
}

func TestVerify_DetectsCorruption(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	commitPage(t, s, testEvents(room, 1, 3), "t1", model.CursorCaughtUp)

	_, err := s.db.Exec(`UPDATE cursors SET position = 9 WHERE scope = 'events'`)
	require.NoError(t, err)
	_, err = s.db.Exec(`DELETE FROM events WHERE position = 2`)
	require.NoError(t, err)
	_, err = s.db.Exec(`
		INSERT INTO media (content_id, room_id, event_id, status, referenced_at)
		VALUES ('example.org/x', ?, '$e', 'materialized', 'now')
	`, room)
	require.NoError(t, err)

	report, err := s.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues, 3)
	assert.Contains(t, report.Issues[0], "cursor ahead of data")
	assert.Contains(t, report.Issues[1], "position gap")
	assert.Contains(t, report.Issues[2], "materialized media without blob")
}
