package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/roach88/mxarchive/internal/archiver"
	"github.com/roach88/mxarchive/internal/blob/badger"
	"github.com/roach88/mxarchive/internal/matrix"
	"github.com/roach88/mxarchive/internal/store"
	"github.com/roach88/mxarchive/internal/testutil"
)

const accessToken = "harness-token"

// env is one scenario's homeserver, archive and client.
type env struct {
	hs     *testutil.Homeserver
	store  *store.Store
	blobs  *badger.Store
	client *matrix.Client
	ids    *testutil.SequentialIDs
	clock  *testutil.Clock
	log    *slog.Logger
}

// Run executes a scenario against an in-process homeserver and a fresh
// archive in t.TempDir().
//
// Execution order:
//  1. Seed rooms, members, devices and media
//  2. For each pass: apply homeserver changes, run one archival pass,
//     check the pass expectation
//  3. Dump the archive and evaluate assertions
//
// Returns a Result with pass/fail status, pass summaries and the archive
// dump. An error is returned only when the scenario could not be executed.
func Run(t testing.TB, s *Scenario) (*Result, error) {
	t.Helper()
	ctx := context.Background()

	e, err := newEnv(ctx, t, s)
	if err != nil {
		return nil, err
	}
	defer e.close(ctx)

	result := NewResult()
	for i, p := range s.Passes {
		e.apply(p)

		sum, err := e.orchestrator(s, p).Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("pass %d: %w", i+1, err)
		}
		result.Passes = append(result.Passes, sum)

		for _, msg := range checkExpect(p.Expect, sum) {
			result.AddError(fmt.Sprintf("pass %d: %s", i+1, msg))
		}
	}

	dump, err := Snapshot(ctx, e.store, e.client.UserID())
	if err != nil {
		return nil, fmt.Errorf("dump archive: %w", err)
	}
	result.Archive = dump

	actx := &AssertionContext{DB: e.store.DB(), Ctx: ctx}
	for _, msg := range EvaluateAssertions(dump, s.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newEnv(ctx context.Context, t testing.TB, s *Scenario) (*env, error) {
	account := s.Account
	if account == "" {
		account = DefaultAccount
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	hs := testutil.NewHomeserver(t, account, "", accessToken)
	for _, r := range s.Rooms {
		hs.AddRoom(r.ID, r.Name)
		if r.Topic != "" {
			hs.SetTopic(r.ID, r.Topic)
		}
		hs.SetMembers(r.ID, members(r.Members)...)
	}
	for user, devices := range groupDevices(s.Devices) {
		hs.SetDevices(user, devices...)
	}
	for _, m := range s.Media {
		hs.AddMedia(m.URI, m.ContentType, []byte(m.Data))
	}

	dir := t.TempDir()
	clock := testutil.NewClock(testutil.Epoch, time.Second)
	st, err := store.Open(filepath.Join(dir, "archive.db"), store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	blobs, err := badger.Open(filepath.Join(dir, "media"), log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	client, err := matrix.Connect(ctx, matrix.Options{
		Homeserver: hs.URL(),
		User:       account,
		Token:      accessToken,
		Timeout:    5 * time.Second,
	}, log)
	if err != nil {
		blobs.Close()
		st.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	return &env{
		hs:     hs,
		store:  st,
		blobs:  blobs,
		client: client,
		ids:    testutil.NewSequentialIDs("run"),
		clock:  clock,
		log:    log,
	}, nil
}

func (e *env) close(ctx context.Context) {
	e.client.Close(ctx)
	e.blobs.Close()
	e.store.Close()
}

// apply changes homeserver state ahead of a pass. Heal runs before faults so
// a pass can replace a fault on the same route.
func (e *env) apply(p Pass) {
	for _, ev := range p.Send {
		typ := ev.Type
		if typ == "" {
			typ = "m.room.message"
		}
		content := ev.Content
		if len(content) == 0 {
			content = map[string]any{"msgtype": "m.text", "body": ev.Body}
		}
		if ev.StateKey != nil {
			e.hs.SendState(ev.Room, ev.Sender, typ, *ev.StateKey, content)
			continue
		}
		e.hs.Send(ev.Room, ev.Sender, typ, content)
	}

	rooms := make([]string, 0, len(p.Members))
	for room := range p.Members {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	for _, room := range rooms {
		e.hs.SetMembers(room, members(p.Members[room])...)
	}

	for user, devices := range p.Devices {
		e.hs.SetDevices(user, toDevices(devices)...)
	}

	for _, route := range p.Heal {
		e.hs.Heal(route)
	}
	for _, f := range p.Faults {
		if f.Drop {
			e.hs.Drop(f.Route, f.Times)
			continue
		}
		e.hs.Fail(f.Route, f.Status, f.Errcode, f.Times)
	}
}

func (e *env) orchestrator(s *Scenario, p Pass) *archiver.Orchestrator {
	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	history := archiver.NewHistorySynchronizer(e.client, e.store,
		archiver.WithPageSize(s.PageSize),
		archiver.WithMaxPagesPerRun(p.MaxPages),
		archiver.WithHistoryLogger(e.log),
	)
	roster := archiver.NewRosterSynchronizer(e.client, e.store, e.log)
	media := archiver.NewMediaMaterializer(e.client, e.store, e.blobs,
		archiver.WithMediaLogger(e.log),
	)

	return archiver.NewOrchestrator(e.client, e.store, history, roster, media, archiver.Options{
		Account:              e.client.UserID(),
		Concurrency:          concurrency,
		CorrespondentDevices: s.CorrespondentDevices,
		SkipMedia:            p.SkipMedia,
	},
		archiver.WithIDGenerator(e.ids),
		archiver.WithClock(e.clock.Now),
		archiver.WithLogger(e.log),
	)
}

// checkExpect compares a pass summary against its expectation.
func checkExpect(exp *PassExpect, sum archiver.Summary) []string {
	if exp == nil {
		return nil
	}

	var errs []string
	check := func(field string, want *int, got int) {
		if want != nil && *want != got {
			errs = append(errs, fmt.Sprintf("%s: expected %d, got %d", field, *want, got))
		}
	}
	check("rooms_ok", exp.RoomsOK, sum.RoomsOK)
	check("rooms_failed", exp.RoomsFailed, sum.RoomsFailed)
	check("events_archived", exp.EventsArchived, sum.EventsArchived)
	check("snapshots_recorded", exp.SnapshotsRecorded, sum.SnapshotsRecorded)
	check("media_materialized", exp.MediaMaterialized, sum.MediaMaterialized)
	check("media_failed", exp.MediaFailed, sum.MediaFailed)
	check("devices_changed", exp.DevicesChanged, sum.DevicesChanged)

	if exp.Failures != nil {
		got := make(map[string]string, len(sum.Errors))
		for _, f := range sum.Errors {
			got[f.RoomID] = string(f.Code)
		}
		rooms := make([]string, 0, len(exp.Failures))
		for room := range exp.Failures {
			rooms = append(rooms, room)
		}
		sort.Strings(rooms)
		for _, room := range rooms {
			if got[room] != exp.Failures[room] {
				errs = append(errs, fmt.Sprintf("failure of %s: expected %q, got %q", room, exp.Failures[room], got[room]))
			}
			delete(got, room)
		}
		for room, code := range got {
			errs = append(errs, fmt.Sprintf("unexpected failure of %q: %s", room, code))
		}
	}
	return errs
}

func members(in []MemberSetup) []testutil.Member {
	out := make([]testutil.Member, 0, len(in))
	for _, m := range in {
		out = append(out, testutil.Member{
			UserID:      m.User,
			Membership:  m.Membership,
			DisplayName: m.DisplayName,
		})
	}
	return out
}

func groupDevices(in []DeviceSetup) map[string][]testutil.Device {
	out := make(map[string][]testutil.Device)
	for _, d := range in {
		out[d.User] = append(out[d.User], toDevices([]DeviceSetup{d})...)
	}
	return out
}

func toDevices(in []DeviceSetup) []testutil.Device {
	out := make([]testutil.Device, 0, len(in))
	for _, d := range in {
		out = append(out, testutil.Device{
			DeviceID:    d.Device,
			DisplayName: d.DisplayName,
			Ed25519:     d.Ed25519,
		})
	}
	return out
}
