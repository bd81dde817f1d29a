package harness

import (
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/mxarchive/internal/archiver"
	"github.com/roach88/mxarchive/internal/model"
	"github.com/roach88/mxarchive/internal/store"
)

// dumpPageSize is the events read per query while dumping a room.
const dumpPageSize = 500

// Dump is the archive contents after a scenario.
type Dump struct {
	Rooms         []RoomDump             `json:"rooms"`
	DevicesCursor model.Cursor           `json:"devices_cursor"`
	Devices       []model.DeviceSnapshot `json:"devices"`
	Runs          []model.Run            `json:"runs"`
	Issues        []string               `json:"issues"`
}

// RoomDump is one room's archived contents.
type RoomDump struct {
	Room          model.RoomRef              `json:"room"`
	Events        []model.Event              `json:"events"`
	EventsCursor  model.Cursor               `json:"events_cursor"`
	MembersCursor model.Cursor               `json:"members_cursor"`
	Members       []model.MembershipSnapshot `json:"members"`
	Media         []model.MediaObject        `json:"media"`
}

// Snapshot reads the whole archive. Runs are returned oldest first.
func Snapshot(ctx context.Context, st *store.Store, account string) (*Dump, error) {
	rooms, err := st.ListRooms(ctx)
	if err != nil {
		return nil, err
	}

	d := &Dump{Rooms: make([]RoomDump, 0, len(rooms))}
	for _, r := range rooms {
		rd, err := snapshotRoom(ctx, st, r)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", r.ID, err)
		}
		d.Rooms = append(d.Rooms, rd)
	}

	if d.DevicesCursor, err = st.ReadCursor(ctx, model.ScopeDevices, account); err != nil {
		return nil, err
	}
	if d.Devices, err = st.DeviceHistory(ctx, ""); err != nil {
		return nil, err
	}

	runs, err := st.ListRuns(ctx, 1000)
	if err != nil {
		return nil, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		d.Runs = append(d.Runs, runs[i])
	}

	report, err := st.Verify(ctx)
	if err != nil {
		return nil, err
	}
	d.Issues = report.Issues
	return d, nil
}

func snapshotRoom(ctx context.Context, st *store.Store, room model.RoomRef) (RoomDump, error) {
	rd := RoomDump{Room: room, Events: []model.Event{}}

	var after int64
	for {
		page, err := st.ReadEvents(ctx, room.ID, after, dumpPageSize)
		if err != nil {
			return RoomDump{}, err
		}
		rd.Events = append(rd.Events, page...)
		if len(page) < dumpPageSize {
			break
		}
		after = page[len(page)-1].Position
	}

	var err error
	if rd.EventsCursor, err = st.ReadCursor(ctx, model.ScopeEvents, room.ID); err != nil {
		return RoomDump{}, err
	}
	if rd.MembersCursor, err = st.ReadCursor(ctx, model.ScopeMembers, room.ID); err != nil {
		return RoomDump{}, err
	}
	if rd.Members, err = st.MembershipHistory(ctx, room.ID, ""); err != nil {
		return RoomDump{}, err
	}
	if rd.Media, err = st.ListMedia(ctx, room.ID); err != nil {
		return RoomDump{}, err
	}
	return rd, nil
}

// toCanonicalMap converts a dump to a map[string]any for canonical JSON
// serialization. Wall-clock fields, state hashes and error messages are left
// out so golden files stay stable.
func (d *Dump) toCanonicalMap() map[string]any {
	rooms := make([]any, len(d.Rooms))
	for i, r := range d.Rooms {
		rooms[i] = r.toCanonicalMap()
	}

	devices := make([]any, len(d.Devices))
	for i, s := range d.Devices {
		devices[i] = map[string]any{
			"user_id":      s.State.UserID,
			"device_id":    s.State.DeviceID,
			"display_name": s.State.DisplayName,
			"key_ref":      s.State.KeyRef,
			"present":      s.State.Present,
			"revision":     s.Revision,
		}
	}

	runs := make([]any, len(d.Runs))
	for i, r := range d.Runs {
		runs[i] = map[string]any{
			"id":           r.ID,
			"rooms_ok":     r.RoomsOK,
			"rooms_failed": r.RoomsFailed,
			"errors":       len(r.Errors),
		}
	}

	issues := make([]any, len(d.Issues))
	for i, s := range d.Issues {
		issues[i] = s
	}

	return map[string]any{
		"rooms":          rooms,
		"devices_cursor": cursorMap(d.DevicesCursor),
		"devices":        devices,
		"runs":           runs,
		"issues":         issues,
	}
}

func (r RoomDump) toCanonicalMap() map[string]any {
	events := make([]any, len(r.Events))
	for i, ev := range r.Events {
		events[i] = map[string]any{
			"position": ev.Position,
			"event_id": ev.ID,
			"type":     ev.Type,
			"sender":   ev.Sender,
		}
	}

	members := make([]any, len(r.Members))
	for i, s := range r.Members {
		members[i] = map[string]any{
			"user_id":        s.State.UserID,
			"membership":     s.State.Membership,
			"display_name":   s.State.DisplayName,
			"revision":       s.Revision,
			"event_position": s.EventPosition,
		}
	}

	media := make([]any, len(r.Media))
	for i, m := range r.Media {
		media[i] = map[string]any{
			"content_id": m.ContentID,
			"event_id":   m.EventID,
			"status":     string(m.Status),
			"size":       m.Size,
			"sha256":     m.SHA256,
			"blob_key":   m.BlobKey,
			"attempts":   m.Attempts,
		}
	}

	return map[string]any{
		"id":             r.Room.ID,
		"name":           r.Room.Name,
		"events":         events,
		"events_cursor":  cursorMap(r.EventsCursor),
		"members_cursor": cursorMap(r.MembersCursor),
		"members":        members,
		"media":          media,
	}
}

func cursorMap(c model.Cursor) map[string]any {
	return map[string]any{
		"token":    c.Token,
		"position": c.Position,
		"state":    string(c.State),
	}
}

// summaryMap keeps the counters of a pass and the room and code of each
// failure.
func summaryMap(s archiver.Summary) map[string]any {
	failures := make([]any, len(s.Errors))
	for i, e := range s.Errors {
		failures[i] = map[string]any{
			"room_id": e.RoomID,
			"code":    string(e.Code),
		}
	}
	return map[string]any{
		"run_id":             s.RunID,
		"rooms_ok":           s.RoomsOK,
		"rooms_failed":       s.RoomsFailed,
		"rooms_skipped":      s.RoomsSkipped,
		"events_archived":    s.EventsArchived,
		"duplicates":         s.Duplicates,
		"snapshots_recorded": s.SnapshotsRecorded,
		"media_materialized": s.MediaMaterialized,
		"media_failed":       s.MediaFailed,
		"devices_changed":    s.DevicesChanged,
		"failures":           failures,
	}
}

// GoldenJSON renders a result as canonical JSON for golden comparison.
func GoldenJSON(name string, result *Result) ([]byte, error) {
	if result.Archive == nil {
		return nil, fmt.Errorf("result for %s has no archive", name)
	}
	passes := make([]any, len(result.Passes))
	for i, s := range result.Passes {
		passes[i] = summaryMap(s)
	}
	return model.MarshalCanonical(map[string]any{
		"scenario": name,
		"passes":   passes,
		"archive":  result.Archive.toCanonicalMap(),
	})
}

// RunWithGolden executes a scenario and compares the archive against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can make further checks. Test failure (via
// goldie) occurs if the archive doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t, scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already computed result against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := GoldenJSON(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
