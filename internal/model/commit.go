package model

// PageCommit is one page of room history together with the cursor proposal
// that the page gates. The store writes both in a single transaction.
type PageCommit struct {
	RoomID string
	Events []Event
	Media  []MediaRef
	// Token is the pagination token the next request should start from.
	Token string
	// State is the cursor state after this page.
	State CursorState
}

// PageResult reports what a committed page changed.
type PageResult struct {
	Inserted   int
	Duplicates int
	// Archived are the newly inserted events with their assigned positions.
	Archived []Event
	Cursor   Cursor
}

// RosterCommit is a membership diff for one room.
type RosterCommit struct {
	RoomID  string
	Changes []MemberState
}

// DeviceCommit is a device diff for the account-wide device list.
type DeviceCommit struct {
	Account string
	Changes []DeviceState
}

// RosterResult reports what a committed roster or device diff recorded.
type RosterResult struct {
	Recorded int
	Revision int64
	Cursor   Cursor
}

// Materialized describes bytes stored for a content ID.
type Materialized struct {
	ContentID   string
	ContentType string
	Size        int64
	SHA256      string
	BlobKey     string
}
