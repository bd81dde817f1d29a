package archiver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mxarchive/internal/model"
	"github.com/roach88/mxarchive/internal/store"
)

const roomA = "!a:example.org"

func newHistory(t *testing.T, opts ...HistoryOption) (*HistorySynchronizer, *fakeProtocol, *store.Store) {
	t.Helper()
	p := newFakeProtocol()
	s := openStore(t)
	opts = append(opts, WithHistoryLogger(quietLog))
	return NewHistorySynchronizer(p, s, opts...), p, s
}

func syncRoom(t *testing.T, h *HistorySynchronizer, s *store.Store, roomID string) (HistoryOutcome, error) {
	t.Helper()
	cur, err := s.ReadCursor(context.Background(), model.ScopeEvents, roomID)
	require.NoError(t, err)
	return h.Synchronize(context.Background(), roomID, cur)
}

// assertArchive checks that the room holds exactly the first n timeline
// events, in order, at positions 1..n.
func assertArchive(t *testing.T, s *store.Store, p *fakeProtocol, roomID string, n int) {
	t.Helper()
	events, err := s.ReadEvents(context.Background(), roomID, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, ev := range events {
		assert.Equal(t, p.timeline[roomID][i].ID, ev.ID, "event %d", i)
		assert.Equal(t, int64(i+1), ev.Position, "event %d", i)
	}
}

func TestSynchronize_FreshRoom(t *testing.T) {
	h, p, s := newHistory(t)
	p.appendEvents(roomA, 3)

	out, err := syncRoom(t, h, s, roomA)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Inserted)
	assert.Equal(t, model.CursorCaughtUp, out.Cursor.State)
	assert.Equal(t, int64(3), out.Cursor.Position)
	assertArchive(t, s, p, roomA, 3)
}

func TestSynchronize_NewEventsAppended(t *testing.T) {
	h, p, s := newHistory(t)
	p.appendEvents(roomA, 3)
	_, err := syncRoom(t, h, s, roomA)
	require.NoError(t, err)

	before, err := s.ReadEvents(context.Background(), roomA, 0, 10)
	require.NoError(t, err)

	p.appendEvents(roomA, 2)
	out, err := syncRoom(t, h, s, roomA)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Inserted)
	assert.Equal(t, int64(5), out.Cursor.Position)
	assert.Equal(t, model.CursorCaughtUp, out.Cursor.State)

	after, err := s.ReadEvents(context.Background(), roomA, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, before, after[:3], "prior events must be untouched")
	assertArchive(t, s, p, roomA, 5)
}

func TestSynchronize_EmptyRoomCaughtUp(t *testing.T) {
	h, _, s := newHistory(t)

	out, err := syncRoom(t, h, s, roomA)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Inserted)
	assert.Equal(t, model.CursorCaughtUp, out.Cursor.State)

	cur, err := s.ReadCursor(context.Background(), model.ScopeEvents, roomA)
	require.NoError(t, err)
	assert.Equal(t, model.CursorCaughtUp, cur.State)
}

func TestSynchronize_Idempotent(t *testing.T) {
	h, p, s := newHistory(t, WithPageSize(4))
	p.appendEvents(roomA, 10)

	_, err := syncRoom(t, h, s, roomA)
	require.NoError(t, err)
	cur1, err := s.ReadCursor(context.Background(), model.ScopeEvents, roomA)
	require.NoError(t, err)

	out, err := syncRoom(t, h, s, roomA)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Inserted)

	cur2, err := s.ReadCursor(context.Background(), model.ScopeEvents, roomA)
	require.NoError(t, err)
	assert.Equal(t, cur1.Token, cur2.Token)
	assert.Equal(t, cur1.Position, cur2.Position)
	assert.Equal(t, cur1.State, cur2.State)
	assertArchive(t, s, p, roomA, 10)
}

func TestSynchronize_NoSkipAfterInterruption(t *testing.T) {
	const total, pageSize = 23, 5
	pages := total/pageSize + 2

	for failAt := 1; failAt <= pages; failAt++ {
		t.Run(fmt.Sprintf("fail_page_%d", failAt), func(t *testing.T) {
			h, p, s := newHistory(t, WithPageSize(pageSize))
			p.appendEvents(roomA, total)
			p.pageErrAt[roomA] = failAt

			_, err := syncRoom(t, h, s, roomA)
			require.Error(t, err)
			assert.True(t, IsTransient(err))

			_, err = syncRoom(t, h, s, roomA)
			require.NoError(t, err)
			assertArchive(t, s, p, roomA, total)
		})
	}
}

func TestSynchronize_PageBudget(t *testing.T) {
	h, p, s := newHistory(t, WithPageSize(2), WithMaxPagesPerRun(2))
	p.appendEvents(roomA, 7)

	out, err := syncRoom(t, h, s, roomA)
	require.NoError(t, err)
	assert.True(t, out.BudgetExhausted)
	assert.Equal(t, 4, out.Inserted)
	assert.Equal(t, model.CursorPaginating, out.Cursor.State)

	for i := 0; i < 3; i++ {
		_, err = syncRoom(t, h, s, roomA)
		require.NoError(t, err)
	}
	cur, err := s.ReadCursor(context.Background(), model.ScopeEvents, roomA)
	require.NoError(t, err)
	assert.Equal(t, model.CursorCaughtUp, cur.State)
	assertArchive(t, s, p, roomA, 7)
}

// Scenario: a page of 50 fails to persist after 30 rows. With whole-page
// commits the page leaves nothing behind and the cursor stays put; the next
// run refetches the full page without duplicating anything.
func TestSynchronize_PartialWriteFailure(t *testing.T) {
	h, p, s := newHistory(t, WithPageSize(50))
	p.appendEvents(roomA, 50)

	_, err := s.DB().Exec(`
		CREATE TRIGGER fail_after_30 BEFORE INSERT ON events
		WHEN NEW.position > 30
		BEGIN
			SELECT RAISE(ABORT, 'simulated partial write');
		END
	`)
	require.NoError(t, err)

	_, err = syncRoom(t, h, s, roomA)
	require.Error(t, err)
	assert.True(t, IsStorage(err))

	cur, err := s.ReadCursor(context.Background(), model.ScopeEvents, roomA)
	require.NoError(t, err)
	assert.False(t, cur.Synced(), "cursor must not move past an uncommitted page")
	n, err := s.CountEvents(context.Background(), roomA)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.DB().Exec(`DROP TRIGGER fail_after_30`)
	require.NoError(t, err)

	out, err := syncRoom(t, h, s, roomA)
	require.NoError(t, err)
	assert.Equal(t, 50, out.Inserted)
	assert.Zero(t, out.Duplicates)
	assertArchive(t, s, p, roomA, 50)
}

// Same failure, but the first 30 events of the page were already archived by
// an earlier page boundary. Resuming must not duplicate them.
func TestSynchronize_PartialWriteFailureAfterCommittedPrefix(t *testing.T) {
	h, p, s := newHistory(t, WithPageSize(30))
	p.appendEvents(roomA, 30)
	_, err := syncRoom(t, h, s, roomA)
	require.NoError(t, err)

	// The server now returns 50 events from the start of the room.
	p.appendEvents(roomA, 20)
	h50 := NewHistorySynchronizer(p, s, WithPageSize(50), WithHistoryLogger(quietLog))
	cur := model.NewCursor(model.ScopeEvents, roomA)

	_, err = s.DB().Exec(`
		CREATE TRIGGER fail_after_40 BEFORE INSERT ON events
		WHEN NEW.position > 40
		BEGIN
			SELECT RAISE(ABORT, 'simulated partial write');
		END
	`)
	require.NoError(t, err)
	_, err = h50.Synchronize(context.Background(), roomA, cur)
	require.Error(t, err)

	_, err = s.DB().Exec(`DROP TRIGGER fail_after_40`)
	require.NoError(t, err)

	out, err := h50.Synchronize(context.Background(), roomA, cur)
	require.NoError(t, err)
	assert.Equal(t, 20, out.Inserted)
	assert.Equal(t, 30, out.Duplicates)
	assertArchive(t, s, p, roomA, 50)
}

func TestSynchronize_ProtocolErrorNoCursorAdvance(t *testing.T) {
	h, p, s := newHistory(t)
	p.appendEvent(model.Event{RoomID: roomA, Type: "m.room.message"})

	_, err := syncRoom(t, h, s, roomA)
	require.Error(t, err)
	assert.True(t, IsProtocol(err))

	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, roomA, se.Room)
	assert.Equal(t, model.ScopeEvents, se.Scope)

	cur, err := s.ReadCursor(context.Background(), model.ScopeEvents, roomA)
	require.NoError(t, err)
	assert.False(t, cur.Synced())
}

func TestSynchronize_RecordsMediaReferences(t *testing.T) {
	h, p, s := newHistory(t)
	p.appendEvent(imageEvent(roomA, "$img", "mxc://example.org/cat", 3))

	out, err := syncRoom(t, h, s, roomA)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Media)

	obj, err := s.ReadMedia(context.Background(), "mxc://example.org/cat")
	require.NoError(t, err)
	assert.Equal(t, model.MediaReferenced, obj.Status)
	assert.Equal(t, int64(3), obj.DeclaredSize)
}

func TestPrepare_DropsRepeatedEventInPage(t *testing.T) {
	h, _, _ := newHistory(t)
	ev := message(roomA, "$dup", 1)

	commit, err := h.prepare(roomA, "", EventPage{Events: []model.Event{ev, ev}, Next: "2"})
	require.NoError(t, err)
	assert.Len(t, commit.Events, 1)
	assert.Equal(t, model.CursorPaginating, commit.State)
	assert.Equal(t, "2", commit.Token)
}

func TestPrepare_RepeatedTokenIsCaughtUp(t *testing.T) {
	h, _, _ := newHistory(t)

	commit, err := h.prepare(roomA, "t5", EventPage{Next: "t5"})
	require.NoError(t, err)
	assert.Equal(t, model.CursorCaughtUp, commit.State)
	assert.Equal(t, "t5", commit.Token)
}

func TestWithPageSize_Clamps(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultPageSize},
		{-1, DefaultPageSize},
		{250, 250},
		{5000, MaxPageSize},
	}
	for _, tt := range tests {
		h := NewHistorySynchronizer(nil, nil, WithPageSize(tt.in))
		assert.Equal(t, tt.want, h.pageSize, "WithPageSize(%d)", tt.in)
	}
}
