package archiver

import (
	"sort"
	"time"
)

// RoomFailure is one room's failure as reported to the caller.
type RoomFailure struct {
	RoomID  string    `json:"room_id"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// RoomOutcome is the result of processing one room.
type RoomOutcome struct {
	RoomID            string
	EventsArchived    int
	Duplicates        int
	SnapshotsRecorded int
	MediaMaterialized int
	MediaFailed       int
	CaughtUp          bool
	Err               error
}

// Summary aggregates one archival pass.
type Summary struct {
	RunID             string        `json:"run_id"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at"`
	RoomsOK           int           `json:"rooms_ok"`
	RoomsFailed       int           `json:"rooms_failed"`
	RoomsSkipped      int           `json:"rooms_skipped"`
	Errors            []RoomFailure `json:"errors"`
	EventsArchived    int           `json:"events_archived"`
	Duplicates        int           `json:"duplicates"`
	SnapshotsRecorded int           `json:"snapshots_recorded"`
	MediaMaterialized int           `json:"media_materialized"`
	MediaFailed       int           `json:"media_failed"`
	DevicesChanged    int           `json:"devices_changed"`
	Cancelled         bool          `json:"cancelled,omitempty"`
}

// OK reports whether every processed unit succeeded. Rooms skipped because
// another worker holds their lease do not count against the pass.
func (s Summary) OK() bool {
	return s.RoomsFailed == 0 && len(s.Failures()) == 0
}

// Failures returns the reported errors other than held leases.
func (s Summary) Failures() []RoomFailure {
	out := make([]RoomFailure, 0, len(s.Errors))
	for _, e := range s.Errors {
		if e.Code != CodeLeaseHeld {
			out = append(out, e)
		}
	}
	return out
}

// LeaseHeld returns the rooms skipped because their lease was held elsewhere.
func (s Summary) LeaseHeld() []string {
	var rooms []string
	for _, e := range s.Errors {
		if e.Code == CodeLeaseHeld {
			rooms = append(rooms, e.RoomID)
		}
	}
	return rooms
}

// Duration returns the wall time of the pass.
func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// add folds a room outcome into the summary.
func (s *Summary) add(o RoomOutcome) {
	s.EventsArchived += o.EventsArchived
	s.Duplicates += o.Duplicates
	s.SnapshotsRecorded += o.SnapshotsRecorded
	s.MediaMaterialized += o.MediaMaterialized
	s.MediaFailed += o.MediaFailed
	switch {
	case IsLeaseHeld(o.Err):
		s.RoomsSkipped++
		s.fail(o.RoomID, o.Err)
		return
	case o.Err != nil:
		s.RoomsFailed++
		s.fail(o.RoomID, o.Err)
		return
	}
	s.RoomsOK++
}

func (s *Summary) fail(roomID string, err error) {
	s.Errors = append(s.Errors, RoomFailure{
		RoomID:  roomID,
		Code:    CodeOf(err),
		Message: err.Error(),
	})
}

// sortErrors orders failures by room so output is stable across worker
// interleavings.
func (s *Summary) sortErrors() {
	sort.SliceStable(s.Errors, func(i, j int) bool {
		return s.Errors[i].RoomID < s.Errors[j].RoomID
	})
}

// errorStrings flattens failures for the runs audit table.
func (s Summary) errorStrings() []string {
	out := make([]string, 0, len(s.Errors))
	for _, e := range s.Errors {
		if e.RoomID == "" {
			out = append(out, e.Message)
			continue
		}
		out = append(out, e.RoomID+": "+e.Message)
	}
	return out
}
