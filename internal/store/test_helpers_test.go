package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/mxarchive/internal/model"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testEvent creates a message event with a deterministic payload.
func testEvent(roomID, eventID string, ts int64) model.Event {
	payload, _ := json.Marshal(map[string]any{
		"type":    "m.room.message",
		"content": map[string]any{"msgtype": "m.text", "body": "hello " + eventID},
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

// testEvents creates n events numbered from start.
func testEvents(roomID string, start, n int) []model.Event {
	events := make([]model.Event, 0, n)
	for i := start; i < start+n; i++ {
		events = append(events, testEvent(roomID, fmt.Sprintf("$e%03d", i), int64(1000+i)))
	}
	return events
}

func member(user string, m model.Membership) model.MemberState {
	return model.MemberState{UserID: user, Membership: m}
}
