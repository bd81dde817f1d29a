package archiver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mxarchive/internal/model"
)

func snapshot(m model.MemberState) model.MembershipSnapshot {
	return model.MembershipSnapshot{State: m, StateHash: model.MustMemberStateHash(m)}
}

func leftAs(user, displayName string) model.MemberState {
	m := left(user)
	m.DisplayName = displayName
	return m
}

func deviceSnapshot(d model.DeviceState) model.DeviceSnapshot {
	return model.DeviceSnapshot{State: d, StateHash: model.MustDeviceStateHash(d)}
}

func TestDiffMembership(t *testing.T) {
	alice := joined("@alice:example.org")
	bob := joined("@bob:example.org")
	carol := joined("@carol:example.org")
	renamed := bob
	renamed.DisplayName = "Bobby"

	tests := []struct {
		name    string
		prev    []model.MembershipSnapshot
		current []model.MemberState
		want    []model.MemberState
	}{
		{
			name:    "first observation",
			current: []model.MemberState{bob, alice},
			want:    []model.MemberState{alice, bob},
		},
		{
			name:    "unchanged",
			prev:    []model.MembershipSnapshot{snapshot(alice), snapshot(bob)},
			current: []model.MemberState{alice, bob},
			want:    nil,
		},
		{
			name:    "state change and addition",
			prev:    []model.MembershipSnapshot{snapshot(alice), snapshot(bob)},
			current: []model.MemberState{alice, renamed, carol},
			want:    []model.MemberState{renamed, carol},
		},
		{
			name:    "missing member recorded as leave",
			prev:    []model.MembershipSnapshot{snapshot(alice), snapshot(bob)},
			current: []model.MemberState{alice},
			want:    []model.MemberState{left("@bob:example.org")},
		},
		{
			name:    "missing member already left",
			prev:    []model.MembershipSnapshot{snapshot(alice), snapshot(left("@bob:example.org"))},
			current: []model.MemberState{alice},
			want:    nil,
		},
		{
			name:    "reported leave after recorded leave",
			prev:    []model.MembershipSnapshot{snapshot(alice), snapshot(left("@bob:example.org"))},
			current: []model.MemberState{alice, leftAs("@bob:example.org", "Bob")},
			want:    nil,
		},
		{
			name:    "ban after leave",
			prev:    []model.MembershipSnapshot{snapshot(left("@bob:example.org"))},
			current: []model.MemberState{{UserID: "@bob:example.org", Membership: model.MembershipBan}},
			want:    []model.MemberState{{UserID: "@bob:example.org", Membership: model.MembershipBan}},
		},
		{
			name:    "duplicate entries keep last",
			current: []model.MemberState{joined("@alice:example.org"), left("@alice:example.org")},
			want:    []model.MemberState{left("@alice:example.org")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiffMembership(tt.prev, tt.current)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiffMembership_Pure(t *testing.T) {
	prev := []model.MembershipSnapshot{snapshot(joined("@a:x")), snapshot(joined("@b:x"))}
	current := []model.MemberState{left("@a:x"), joined("@c:x")}

	first, err := DiffMembership(prev, current)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := DiffMembership(prev, current)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDiffDevices(t *testing.T) {
	phone := model.DeviceState{UserID: "@me:x", DeviceID: "PHONE", DisplayName: "phone", Present: true}
	laptop := model.DeviceState{UserID: "@me:x", DeviceID: "LAPTOP", Present: true}
	bobs := model.DeviceState{UserID: "@bob:x", DeviceID: "B1", Present: true}

	seenLater := phone
	seenLater.LastSeenTS = 99
	gone := laptop
	gone.Present = false

	tests := []struct {
		name    string
		prev    []model.DeviceSnapshot
		current []model.DeviceState
		owners  []string
		want    []model.DeviceState
	}{
		{
			name:    "new devices",
			current: []model.DeviceState{phone, laptop},
			owners:  []string{"@me:x"},
			want:    []model.DeviceState{laptop, phone},
		},
		{
			name:    "last seen is not a change",
			prev:    []model.DeviceSnapshot{deviceSnapshot(phone)},
			current: []model.DeviceState{seenLater},
			owners:  []string{"@me:x"},
			want:    nil,
		},
		{
			name:    "removed device",
			prev:    []model.DeviceSnapshot{deviceSnapshot(phone), deviceSnapshot(laptop)},
			current: []model.DeviceState{phone},
			owners:  []string{"@me:x"},
			want:    []model.DeviceState{gone},
		},
		{
			name:    "owner not queried keeps devices",
			prev:    []model.DeviceSnapshot{deviceSnapshot(phone), deviceSnapshot(bobs)},
			current: []model.DeviceState{phone},
			owners:  []string{"@me:x"},
			want:    nil,
		},
		{
			name:    "already removed stays removed",
			prev:    []model.DeviceSnapshot{deviceSnapshot(gone)},
			owners:  []string{"@me:x"},
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiffDevices(tt.prev, tt.current, tt.owners)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Scenario: a member goes joined, left, joined across three runs.
func TestReconcile_MembershipHistory(t *testing.T) {
	p := newFakeProtocol()
	s := openStore(t)
	r := NewRosterSynchronizer(p, s, quietLog)
	ctx := context.Background()
	m := "@m:example.org"

	for _, state := range []model.MemberState{joined(m), left(m), joined(m)} {
		p.setMembers(roomA, joined("@owner:example.org"), state)
		_, err := r.Reconcile(ctx, roomA)
		require.NoError(t, err)
	}

	history, err := s.MembershipHistory(ctx, roomA, m)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.MembershipJoin, history[0].State.Membership)
	assert.Equal(t, model.MembershipLeave, history[1].State.Membership)
	assert.Equal(t, model.MembershipJoin, history[2].State.Membership)
	assert.Less(t, history[0].Revision, history[1].Revision)
	assert.Less(t, history[1].Revision, history[2].Revision)
}

// Scenario: a member vanishes from the list and is recorded as leave; a later
// list reports them as leave with a display name. No second leave is stored.
func TestReconcile_MissingThenReportedLeave(t *testing.T) {
	p := newFakeProtocol()
	s := openStore(t)
	r := NewRosterSynchronizer(p, s, quietLog)
	ctx := context.Background()
	owner := joined("@owner:example.org")
	m := "@m:example.org"

	p.setMembers(roomA, owner, joined(m))
	_, err := r.Reconcile(ctx, roomA)
	require.NoError(t, err)

	p.setMembers(roomA, owner)
	_, err = r.Reconcile(ctx, roomA)
	require.NoError(t, err)

	p.setMembers(roomA, owner, leftAs(m, "M"))
	diff, err := r.Reconcile(ctx, roomA)
	require.NoError(t, err)
	assert.Zero(t, diff.Recorded)

	history, err := s.MembershipHistory(ctx, roomA, m)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.MembershipJoin, history[0].State.Membership)
	assert.Equal(t, model.MembershipLeave, history[1].State.Membership)
}

func TestReconcile_NoOpAdvancesCursor(t *testing.T) {
	p := newFakeProtocol()
	s := openStore(t)
	r := NewRosterSynchronizer(p, s, quietLog)
	ctx := context.Background()
	p.setMembers(roomA, joined("@a:example.org"))

	first, err := r.Reconcile(ctx, roomA)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Recorded)
	assert.Equal(t, []string{"@a:example.org"}, first.Joined)

	second, err := r.Reconcile(ctx, roomA)
	require.NoError(t, err)
	assert.Zero(t, second.Recorded)
	assert.Equal(t, first.Revision+1, second.Revision)

	cur, err := s.ReadCursor(ctx, model.ScopeMembers, roomA)
	require.NoError(t, err)
	assert.Equal(t, second.Revision, cur.Position)
}

func TestReconcile_FetchFailureLeavesCursor(t *testing.T) {
	p := newFakeProtocol()
	s := openStore(t)
	r := NewRosterSynchronizer(p, s, quietLog)
	p.memberErr[roomA] = errNetwork

	_, err := r.Reconcile(context.Background(), roomA)
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	cur, err := s.ReadCursor(context.Background(), model.ScopeMembers, roomA)
	require.NoError(t, err)
	assert.False(t, cur.Synced())
}

func TestReconcile_InvalidMembershipIsProtocolError(t *testing.T) {
	p := newFakeProtocol()
	s := openStore(t)
	r := NewRosterSynchronizer(p, s, quietLog)
	p.setMembers(roomA, model.MemberState{UserID: "@a:x", Membership: "visiting"})

	_, err := r.Reconcile(context.Background(), roomA)
	assert.True(t, IsProtocol(err))
}

func TestReconcileDevices_FailedOwnerNotRemoved(t *testing.T) {
	p := newFakeProtocol()
	s := openStore(t)
	r := NewRosterSynchronizer(p, s, quietLog)
	ctx := context.Background()

	p.devices["@me:x"] = []model.DeviceState{{UserID: "@me:x", DeviceID: "A"}}
	p.devices["@bob:x"] = []model.DeviceState{{UserID: "@bob:x", DeviceID: "B"}}
	diff, err := r.ReconcileDevices(ctx, "@me:x", []string{"@me:x", "@bob:x", "@me:x"})
	require.NoError(t, err)
	assert.Equal(t, 2, diff.Recorded)
	assert.Equal(t, []string{"@bob:x", "@me:x"}, diff.Owners)

	// Bob's server is unreachable this run.
	p.deviceFail = []string{"@bob:x"}
	diff, err = r.ReconcileDevices(ctx, "@me:x", []string{"@me:x", "@bob:x"})
	require.NoError(t, err)
	assert.Zero(t, diff.Recorded)
	assert.Equal(t, []string{"@me:x"}, diff.Owners)

	latest, err := s.LatestDevices(ctx, []string{"@bob:x"})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.True(t, latest[0].State.Present)
}

func TestReconcileDevices_RemovalRecorded(t *testing.T) {
	p := newFakeProtocol()
	s := openStore(t)
	r := NewRosterSynchronizer(p, s, quietLog)
	ctx := context.Background()

	p.devices["@me:x"] = []model.DeviceState{{UserID: "@me:x", DeviceID: "A"}, {UserID: "@me:x", DeviceID: "B"}}
	_, err := r.ReconcileDevices(ctx, "@me:x", []string{"@me:x"})
	require.NoError(t, err)

	p.devices["@me:x"] = []model.DeviceState{{UserID: "@me:x", DeviceID: "A"}}
	diff, err := r.ReconcileDevices(ctx, "@me:x", []string{"@me:x"})
	require.NoError(t, err)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, "B", diff.Changes[0].DeviceID)
	assert.False(t, diff.Changes[0].Present)
}
