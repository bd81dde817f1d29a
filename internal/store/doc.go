// Package store provides SQLite-backed durable storage for the Matrix archive.
//
// The archive holds:
//   - Rooms: display metadata, refreshed each pass, never deleted
//   - Events: immutable rows, unique per (room_id, event_id)
//   - Membership and device snapshots: append-only, one row per change
//   - Media: one row per content ID, referenced then materialized
//   - Cursors: resumption markers per (scope, entity)
//   - Runs: audit record of each archival pass
//
// # Commit Units
//
// Every cursor advancement happens inside the transaction that writes the
// rows it gates (CommitPage, CommitRoster, CommitDevices). A failed commit
// leaves the cursor where it was, so the next pass re-requests the same data
// and idempotent inserts absorb anything already stored.
//
// Cursor positions never decrease; an attempt to move one backwards fails the
// whole unit with ErrCursorRegression.
//
// # Ordering
//
//   - Event order uses position INTEGER (assigned here), NEVER timestamps
//   - Snapshot order uses revision INTEGER per roster scope
//   - All list queries ORDER BY the logical column, then id
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
