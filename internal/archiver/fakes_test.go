package archiver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/roach88/mxarchive/internal/lease"
	"github.com/roach88/mxarchive/internal/model"
	"github.com/roach88/mxarchive/internal/store"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

var errNetwork = errors.New("connection reset by peer")

// fakeProtocol serves scripted room timelines. Pagination tokens are the
// index of the next event, as decimal strings. Like a real homeserver, a
// non-empty page always carries a next token and an empty page carries none.
type fakeProtocol struct {
	mu sync.Mutex

	rooms    []model.RoomRef
	timeline map[string][]model.Event
	members  map[string][]model.MemberState
	devices  map[string][]model.DeviceState
	media    map[string][]byte

	listErr    error
	pageErr    map[string]error // fails every page fetch for a room
	pageErrAt  map[string]int   // fails the fetch of the n-th page (1-based) for a room
	memberErr  map[string]error
	mediaErr   map[string]error
	deviceFail []string

	pageCalls  map[string]int
	onPage     func(roomID string, call int) // runs before each page is served
	mediaCalls map[string]int
	mediaGate  chan struct{}
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{
		timeline:   make(map[string][]model.Event),
		members:    make(map[string][]model.MemberState),
		devices:    make(map[string][]model.DeviceState),
		media:      make(map[string][]byte),
		pageErr:    make(map[string]error),
		pageErrAt:  make(map[string]int),
		memberErr:  make(map[string]error),
		mediaErr:   make(map[string]error),
		pageCalls:  make(map[string]int),
		mediaCalls: make(map[string]int),
	}
}

func (f *fakeProtocol) addRoom(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, model.RoomRef{ID: id, Name: "room " + id})
}

// appendEvents adds n message events to a room's timeline.
func (f *fakeProtocol) appendEvents(roomID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := len(f.timeline[roomID])
	for i := start; i < start+n; i++ {
		f.timeline[roomID] = append(f.timeline[roomID], message(roomID, fmt.Sprintf("$%s-%d", roomID[1:2], i), int64(i)))
	}
}

func (f *fakeProtocol) appendEvent(ev model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeline[ev.RoomID] = append(f.timeline[ev.RoomID], ev)
}

func (f *fakeProtocol) setMembers(roomID string, members ...model.MemberState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[roomID] = members
}

func (f *fakeProtocol) ListRooms(ctx context.Context) ([]model.RoomRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.RoomRef(nil), f.rooms...), nil
}

func (f *fakeProtocol) FetchEventPage(ctx context.Context, roomID, token string, limit int) (EventPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls[roomID]++
	if f.onPage != nil {
		f.onPage(roomID, f.pageCalls[roomID])
	}
	if err := f.pageErr[roomID]; err != nil {
		return EventPage{}, err
	}
	if n := f.pageErrAt[roomID]; n > 0 && f.pageCalls[roomID] == n {
		return EventPage{}, errNetwork
	}

	start := 0
	if token != "" {
		var err error
		if start, err = strconv.Atoi(token); err != nil {
			return EventPage{}, NewSyncError(CodeProtocol, "fetch page", fmt.Errorf("bad token %q", token))
		}
	}
	all := f.timeline[roomID]
	if start >= len(all) {
		return EventPage{}, nil
	}
	end := min(start+limit, len(all))
	page := EventPage{
		Events: append([]model.Event(nil), all[start:end]...),
		Next:   strconv.Itoa(end),
	}
	return page, nil
}

func (f *fakeProtocol) FetchMembership(ctx context.Context, roomID string) ([]model.MemberState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.memberErr[roomID]; err != nil {
		return nil, err
	}
	return append([]model.MemberState(nil), f.members[roomID]...), nil
}

func (f *fakeProtocol) FetchDevices(ctx context.Context, owners []string) (DeviceList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list DeviceList
	failed := make(map[string]bool)
	for _, o := range f.deviceFail {
		failed[o] = true
	}
	for _, o := range owners {
		if failed[o] {
			list.Failed = append(list.Failed, o)
			continue
		}
		list.Devices = append(list.Devices, f.devices[o]...)
	}
	return list, nil
}

func (f *fakeProtocol) FetchMedia(ctx context.Context, contentID string) (Media, error) {
	f.mu.Lock()
	f.mediaCalls[contentID]++
	gate := f.mediaGate
	err := f.mediaErr[contentID]
	data, ok := f.media[contentID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Media{}, ctx.Err()
		}
	}
	if err != nil {
		return Media{}, err
	}
	if !ok {
		return Media{}, NewSyncError(CodeProtocol, "download", errors.New("M_NOT_FOUND"))
	}
	return Media{Body: io.NopCloser(bytes.NewReader(data)), ContentType: "image/png"}, nil
}

func (f *fakeProtocol) mediaFetches(contentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mediaCalls[contentID]
}

// memBlobs is an in-memory BlobStore.
type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
	err  error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: make(map[string][]byte)}
}

func (b *memBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.puts++
	b.data[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBlobs) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[key]
	return ok, nil
}

// fixedIDs returns run-1, run-2, ...
type fixedIDs struct {
	mu sync.Mutex
	n  int
}

func (g *fixedIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run-%d", g.n)
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "archive.db"),
		store.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// revocableLocker grants every lease and lets a test revoke one mid-room,
// the way an expired Redis lease is lost.
type revocableLocker struct {
	mu     sync.Mutex
	revoke map[string]context.CancelCauseFunc
}

func newRevocableLocker() *revocableLocker {
	return &revocableLocker{revoke: make(map[string]context.CancelCauseFunc)}
}

func (l *revocableLocker) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	leased, cancel := context.WithCancelCause(ctx)
	l.mu.Lock()
	l.revoke[key] = cancel
	l.mu.Unlock()
	return leased, func() { cancel(context.Canceled) }, nil
}

func (l *revocableLocker) lose(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel := l.revoke[key]; cancel != nil {
		cancel(lease.ErrLost)
	}
}

// harness wires a full engine over a fake protocol and a real store.
type harness struct {
	proto *fakeProtocol
	store *store.Store
	blobs *memBlobs
	orch  *Orchestrator
}

func newHarness(t *testing.T, opts Options, historyOpts ...HistoryOption) *harness {
	t.Helper()
	h := &harness{
		proto: newFakeProtocol(),
		store: openStore(t),
		blobs: newMemBlobs(),
	}
	historyOpts = append(historyOpts, WithHistoryLogger(quietLog))
	history := NewHistorySynchronizer(h.proto, h.store, historyOpts...)
	roster := NewRosterSynchronizer(h.proto, h.store, quietLog)
	media := NewMediaMaterializer(h.proto, h.store, h.blobs, WithMediaLogger(quietLog))
	h.orch = NewOrchestrator(h.proto, h.store, history, roster, media, opts,
		WithIDGenerator(&fixedIDs{}),
		WithClock(func() time.Time { return testNow }),
		WithLogger(quietLog),
	)
	return h
}

func (h *harness) run(t *testing.T) Summary {
	t.Helper()
	sum, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	return sum
}

func message(roomID, eventID string, ts int64) model.Event {
	payload, _ := json.Marshal(map[string]any{
		"type":     "m.room.message",
		"event_id": eventID,
		"content":  map[string]any{"msgtype": "m.text", "body": "msg " + eventID},
	})
	return model.Event{
		RoomID:   roomID,
		ID:       eventID,
		Type:     "m.room.message",
		Sender:   "@alice:example.org",
		OriginTS: ts,
		Payload:  payload,
	}
}

func imageEvent(roomID, eventID, mxc string, size int) model.Event {
	payload, _ := json.Marshal(map[string]any{
		"type":     "m.room.message",
		"event_id": eventID,
		"content": map[string]any{
			"msgtype": "m.image",
			"body":    "cat.png",
			"url":     mxc,
			"info":    map[string]any{"mimetype": "image/png", "size": size},
		},
	})
	return model.Event{
		RoomID:  roomID,
		ID:      eventID,
		Type:    "m.room.message",
		Sender:  "@alice:example.org",
		Payload: payload,
	}
}

func joined(user string) model.MemberState {
	return model.MemberState{UserID: user, Membership: model.MembershipJoin}
}

func left(user string) model.MemberState {
	return model.MemberState{UserID: user, Membership: model.MembershipLeave}
}
