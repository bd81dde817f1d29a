package archiver

import (
	"context"
	"io"

	"github.com/roach88/mxarchive/internal/model"
	"github.com/roach88/mxarchive/internal/store"
)

// EventPage is one page of room history in protocol-delivered order.
//
// Next is the token for the following page. An empty Next means the server
// reported no further pages.
type EventPage struct {
	Events []model.Event
	Next   string
}

// DeviceList is the result of a device query.
//
// Failed lists owners the server could not answer for. Their devices are not
// diffed this run, so they are never marked removed by a partial answer.
type DeviceList struct {
	Devices []model.DeviceState
	Failed  []string
}

// Media is a fetched attachment body. The caller closes Body.
type Media struct {
	Body        io.ReadCloser
	ContentType string
}

// Protocol is the chat protocol client consumed by the synchronizers.
//
// Implementations classify failures with NewSyncError; unclassified errors
// are treated as transient.
type Protocol interface {
	ListRooms(ctx context.Context) ([]model.RoomRef, error)
	FetchEventPage(ctx context.Context, roomID, token string, limit int) (EventPage, error)
	FetchMembership(ctx context.Context, roomID string) ([]model.MemberState, error)
	FetchDevices(ctx context.Context, owners []string) (DeviceList, error)
	FetchMedia(ctx context.Context, contentID string) (Media, error)
}

// Storage is the archive the synchronizers write to.
//
// Every method that moves a cursor does so in the same transaction as the
// rows it gates.
type Storage interface {
	ReadCursor(ctx context.Context, scope model.Scope, entity string) (model.Cursor, error)
	CommitPage(ctx context.Context, page model.PageCommit) (model.PageResult, error)

	LatestMembership(ctx context.Context, roomID string) ([]model.MembershipSnapshot, error)
	CommitRoster(ctx context.Context, commit model.RosterCommit) (model.RosterResult, error)
	JoinedMembers(ctx context.Context) ([]string, error)

	LatestDevices(ctx context.Context, owners []string) ([]model.DeviceSnapshot, error)
	CommitDevices(ctx context.Context, commit model.DeviceCommit) (model.RosterResult, error)

	UpsertMediaMetadata(ctx context.Context, ref model.MediaRef) error
	ReadMedia(ctx context.Context, contentID string) (model.MediaObject, error)
	PendingMedia(ctx context.Context, roomID string, limit int) ([]model.MediaObject, error)
	MarkMaterialized(ctx context.Context, m model.Materialized) error
	RecordMediaFailure(ctx context.Context, contentID, reason string) error

	UpsertRoom(ctx context.Context, room model.RoomRef) error
	BeginRun(ctx context.Context, run model.Run) error
	FinishRun(ctx context.Context, run model.Run) error
}

// BlobStore holds materialized media bytes keyed by blob key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Locker grants exclusive per-room leases.
//
// The returned context is cancelled when the lease is released or lost; work
// done under the lease uses it.
type Locker interface {
	Acquire(ctx context.Context, key string) (leased context.Context, release func(), err error)
}

var _ Storage = (*store.Store)(nil)
