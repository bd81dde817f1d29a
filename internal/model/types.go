package model

import (
	"encoding/json"
	"time"
)

// RoomRef identifies a room reachable by the archived account.
type RoomRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Topic string `json:"topic"`
	Alias string `json:"alias,omitempty"`

	// Incomplete is set when the metadata could not be read this pass.
	// Stored metadata is then left unchanged.
	Incomplete bool `json:"-"`
}

// DisplayName returns the best human label for the room.
func (r RoomRef) DisplayName() string {
	switch {
	case r.Name != "":
		return r.Name
	case r.Alias != "":
		return r.Alias
	default:
		return r.ID
	}
}

// Event is one archived room event.
//
// Position is assigned by the store when the event is first archived and is
// strictly increasing within a room. It is zero on events freshly fetched
// from the homeserver.
type Event struct {
	RoomID   string          `json:"room_id"`
	ID       string          `json:"event_id"`
	Type     string          `json:"type"`
	Sender   string          `json:"sender"`
	StateKey *string         `json:"state_key,omitempty"`
	OriginTS int64           `json:"origin_server_ts"`
	Payload  json.RawMessage `json:"payload"`
	Position int64           `json:"position"`
}

// Membership is a member's state in a room.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

// Valid reports whether m is a known membership state.
func (m Membership) Valid() bool {
	switch m {
	case MembershipJoin, MembershipInvite, MembershipLeave, MembershipBan, MembershipKnock:
		return true
	}
	return false
}

// MemberState is a member's current state as reported by the homeserver.
type MemberState struct {
	UserID      string     `json:"user_id"`
	Membership  Membership `json:"membership"`
	DisplayName string     `json:"display_name,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
}

// MembershipSnapshot is an append-only record of a member's state.
//
// Revision is the roster revision that observed the change; EventPosition is
// the room's highest archived event position at that moment, so history can
// be read as "who was a member as of position P".
type MembershipSnapshot struct {
	ID            int64       `json:"id"`
	RoomID        string      `json:"room_id"`
	State         MemberState `json:"state"`
	StateHash     string      `json:"state_hash"`
	Revision      int64       `json:"revision"`
	EventPosition int64       `json:"event_position"`
	ObservedAt    time.Time   `json:"observed_at"`
}

// DeviceState is a device as reported by the homeserver.
//
// KeyRef references the device's ed25519 identity key when known.
type DeviceState struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name,omitempty"`
	KeyRef      string `json:"key_ref,omitempty"`
	LastSeenIP  string `json:"last_seen_ip,omitempty"`
	LastSeenTS  int64  `json:"last_seen_ts,omitempty"`
	Present     bool   `json:"present"`
}

// Key returns the device's identity within the account-wide device list.
func (d DeviceState) Key() string {
	return d.UserID + "|" + d.DeviceID
}

// DeviceSnapshot is an append-only record of a device's state.
type DeviceSnapshot struct {
	ID         int64       `json:"id"`
	State      DeviceState `json:"state"`
	StateHash  string      `json:"state_hash"`
	Revision   int64       `json:"revision"`
	ObservedAt time.Time   `json:"observed_at"`
}

// MediaStatus is the materialization state of a media object.
type MediaStatus string

const (
	// MediaReferenced means metadata is recorded but bytes are not stored.
	MediaReferenced MediaStatus = "referenced"
	// MediaMaterialized means bytes are stored and verified.
	MediaMaterialized MediaStatus = "materialized"
)

// MediaRef is an attachment reference found in an event payload.
type MediaRef struct {
	ContentID    string `json:"content_id"`
	RoomID       string `json:"room_id"`
	EventID      string `json:"event_id"`
	DeclaredType string `json:"declared_type,omitempty"`
	DeclaredSize int64  `json:"declared_size,omitempty"`
	Thumbnail    bool   `json:"thumbnail,omitempty"`
	Encrypted    bool   `json:"encrypted,omitempty"`
}

// MediaObject is the archived record for one content ID.
type MediaObject struct {
	ContentID    string      `json:"content_id"`
	RoomID       string      `json:"room_id"`
	EventID      string      `json:"event_id"`
	Status       MediaStatus `json:"status"`
	DeclaredType string      `json:"declared_type,omitempty"`
	DeclaredSize int64       `json:"declared_size,omitempty"`
	ContentType  string      `json:"content_type,omitempty"`
	Size         int64       `json:"size,omitempty"`
	SHA256       string      `json:"sha256,omitempty"`
	BlobKey      string      `json:"blob_key,omitempty"`
	Attempts     int         `json:"attempts"`
	LastError    string      `json:"last_error,omitempty"`
}

// Scope names a synchronization unit owning a cursor.
type Scope string

const (
	ScopeEvents  Scope = "events"
	ScopeMembers Scope = "members"
	ScopeDevices Scope = "devices"
)

// CursorState is the state machine position of a cursor.
type CursorState string

const (
	CursorNeverSynced CursorState = "never_synced"
	CursorPaginating  CursorState = "paginating"
	CursorCaughtUp    CursorState = "caught_up"
)

// Cursor is a resumption marker for one (scope, entity) pair.
//
// Token is the opaque homeserver pagination token to resume from. Position is
// the last confirmed position: the highest archived event position for the
// events scope, the roster revision for members and devices.
type Cursor struct {
	Scope     Scope       `json:"scope"`
	Entity    string      `json:"entity"`
	Token     string      `json:"token,omitempty"`
	Position  int64       `json:"position"`
	State     CursorState `json:"state"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
}

// NewCursor returns the zero cursor for a scope and entity.
func NewCursor(scope Scope, entity string) Cursor {
	return Cursor{Scope: scope, Entity: entity, State: CursorNeverSynced}
}

// Synced reports whether the cursor has ever been committed.
func (c Cursor) Synced() bool {
	return c.State != CursorNeverSynced && c.State != ""
}

// Run is the audit record of one archival pass.
type Run struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	RoomsOK     int       `json:"rooms_ok"`
	RoomsFailed int       `json:"rooms_failed"`
	Errors      []string  `json:"errors,omitempty"`
}
