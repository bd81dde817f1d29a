package archiver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/mxarchive/internal/metrics"
	"github.com/roach88/mxarchive/internal/model"
)

// RosterDiff reports one room's membership reconciliation.
type RosterDiff struct {
	Changes  []model.MemberState
	Recorded int
	Revision int64
	// Joined lists members whose current state is join.
	Joined []string
}

// DeviceDiff reports one device list reconciliation.
type DeviceDiff struct {
	Changes  []model.DeviceState
	Recorded int
	Revision int64
	Owners   []string
}

// RosterSynchronizer reconciles current membership and devices against the
// latest recorded snapshots and appends one snapshot per change.
type RosterSynchronizer struct {
	proto Protocol
	store Storage
	log   *slog.Logger
}

// NewRosterSynchronizer creates a RosterSynchronizer.
func NewRosterSynchronizer(p Protocol, s Storage, log *slog.Logger) *RosterSynchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &RosterSynchronizer{proto: p, store: s, log: log}
}

// Reconcile fetches a room's full membership and records what changed.
//
// The members cursor advances even when nothing changed. If the commit
// fails the cursor stays put and the next run recomputes the same diff.
func (r *RosterSynchronizer) Reconcile(ctx context.Context, roomID string) (RosterDiff, error) {
	current, err := r.proto.FetchMembership(ctx, roomID)
	if err != nil {
		return RosterDiff{}, protocolFailure(roomID, model.ScopeMembers, "fetch membership", err)
	}
	for _, m := range current {
		if m.UserID == "" || !m.Membership.Valid() {
			return RosterDiff{}, &SyncError{
				Code:  CodeProtocol,
				Room:  roomID,
				Scope: model.ScopeMembers,
				Op:    "decode membership",
				Err:   errInvalidMember(m),
			}
		}
	}

	prev, err := r.store.LatestMembership(ctx, roomID)
	if err != nil {
		return RosterDiff{}, storageFailure(roomID, model.ScopeMembers, "read membership", err)
	}

	changes, err := DiffMembership(prev, current)
	if err != nil {
		return RosterDiff{}, storageFailure(roomID, model.ScopeMembers, "diff membership", err)
	}

	res, err := r.store.CommitRoster(context.WithoutCancel(ctx), model.RosterCommit{
		RoomID:  roomID,
		Changes: changes,
	})
	if err != nil {
		return RosterDiff{}, storageFailure(roomID, model.ScopeMembers, "commit roster", err)
	}

	metrics.SnapshotsRecorded.WithLabelValues("membership").Add(float64(res.Recorded))
	r.log.Debug("roster reconciled",
		"room_id", roomID,
		"members", len(current),
		"changes", len(changes),
		"revision", res.Revision,
	)

	diff := RosterDiff{
		Changes:  changes,
		Recorded: res.Recorded,
		Revision: res.Revision,
	}
	for _, m := range current {
		if m.Membership == model.MembershipJoin {
			diff.Joined = append(diff.Joined, m.UserID)
		}
	}
	sort.Strings(diff.Joined)
	return diff, nil
}

// ReconcileDevices fetches the devices of the given owners and records what
// changed under the account's devices cursor.
//
// Removal is scoped to owners the server answered for: a device whose owner
// was not queried, or whose query failed, keeps its last snapshot.
func (r *RosterSynchronizer) ReconcileDevices(ctx context.Context, account string, owners []string) (DeviceDiff, error) {
	owners = uniqueSorted(owners)

	list, err := r.proto.FetchDevices(ctx, owners)
	if err != nil {
		return DeviceDiff{}, protocolFailure("", model.ScopeDevices, "fetch devices", err)
	}

	failed := make(map[string]bool, len(list.Failed))
	for _, o := range list.Failed {
		failed[o] = true
	}
	answered := make([]string, 0, len(owners))
	for _, o := range owners {
		if !failed[o] {
			answered = append(answered, o)
		}
	}
	if len(list.Failed) > 0 {
		r.log.Warn("device query incomplete",
			"failed_owners", len(list.Failed),
			"owners", len(owners),
		)
	}

	var prev []model.DeviceSnapshot
	if len(answered) > 0 {
		prev, err = r.store.LatestDevices(ctx, answered)
		if err != nil {
			return DeviceDiff{}, storageFailure("", model.ScopeDevices, "read devices", err)
		}
	}

	changes, err := DiffDevices(prev, list.Devices, answered)
	if err != nil {
		return DeviceDiff{}, storageFailure("", model.ScopeDevices, "diff devices", err)
	}

	res, err := r.store.CommitDevices(context.WithoutCancel(ctx), model.DeviceCommit{
		Account: account,
		Changes: changes,
	})
	if err != nil {
		return DeviceDiff{}, storageFailure("", model.ScopeDevices, "commit devices", err)
	}

	metrics.SnapshotsRecorded.WithLabelValues("device").Add(float64(res.Recorded))
	r.log.Debug("devices reconciled",
		"owners", len(answered),
		"devices", len(list.Devices),
		"changes", len(changes),
		"revision", res.Revision,
	)

	return DeviceDiff{
		Changes:  changes,
		Recorded: res.Recorded,
		Revision: res.Revision,
		Owners:   answered,
	}, nil
}

// DiffMembership returns the members whose current state differs from their
// latest snapshot, ordered by user ID.
//
// Members with a snapshot who are missing from current are reported as leave
// unless their latest snapshot is already leave. A member whose latest
// snapshot and current state are both leave is unchanged whatever their
// display fields say. Duplicate entries in current keep the last one. The
// result depends only on its inputs.
func DiffMembership(prev []model.MembershipSnapshot, current []model.MemberState) ([]model.MemberState, error) {
	latest := make(map[string]string, len(prev))
	latestState := make(map[string]model.Membership, len(prev))
	for _, snap := range prev {
		latest[snap.State.UserID] = snap.StateHash
		latestState[snap.State.UserID] = snap.State.Membership
	}

	now := make(map[string]model.MemberState, len(current))
	for _, m := range current {
		now[m.UserID] = m
	}

	var changes []model.MemberState
	for _, m := range now {
		hash, err := model.MemberStateHash(m)
		if err != nil {
			return nil, err
		}
		if prevHash, ok := latest[m.UserID]; ok {
			if prevHash == hash {
				continue
			}
			if latestState[m.UserID] == model.MembershipLeave && m.Membership == model.MembershipLeave {
				continue
			}
		}
		changes = append(changes, m)
	}
	for user, state := range latestState {
		if _, ok := now[user]; ok || state == model.MembershipLeave {
			continue
		}
		changes = append(changes, model.MemberState{UserID: user, Membership: model.MembershipLeave})
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].UserID < changes[j].UserID
	})
	return changes, nil
}

// DiffDevices returns the devices whose current state differs from their
// latest snapshot, ordered by owner then device ID.
//
// Only devices of the given owners are considered. A device present in prev
// but missing from current is reported with Present=false. Last-seen fields
// do not count as a change.
func DiffDevices(prev []model.DeviceSnapshot, current []model.DeviceState, owners []string) ([]model.DeviceState, error) {
	inScope := make(map[string]bool, len(owners))
	for _, o := range owners {
		inScope[o] = true
	}

	latest := make(map[string]model.DeviceSnapshot, len(prev))
	for _, snap := range prev {
		if inScope[snap.State.UserID] {
			latest[snap.State.Key()] = snap
		}
	}

	now := make(map[string]model.DeviceState, len(current))
	for _, d := range current {
		if !inScope[d.UserID] {
			continue
		}
		d.Present = true
		now[d.Key()] = d
	}

	var changes []model.DeviceState
	for key, d := range now {
		hash, err := model.DeviceStateHash(d)
		if err != nil {
			return nil, err
		}
		if snap, ok := latest[key]; ok && snap.StateHash == hash {
			continue
		}
		changes = append(changes, d)
	}
	for key, snap := range latest {
		if _, ok := now[key]; ok || !snap.State.Present {
			continue
		}
		gone := snap.State
		gone.Present = false
		changes = append(changes, gone)
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].UserID != changes[j].UserID {
			return changes[i].UserID < changes[j].UserID
		}
		return changes[i].DeviceID < changes[j].DeviceID
	})
	return changes, nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func errInvalidMember(m model.MemberState) error {
	return fmt.Errorf("member %q has invalid membership %q", m.UserID, m.Membership)
}
