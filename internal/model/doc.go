// Package model provides the archive's domain types.
//
// This package contains type definitions plus the pure functions that derive
// identity from them (canonical JSON, state hashes, media content IDs). All
// other internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Positions are logical, assigned by the store, never wall-clock
//   - Events are immutable once archived
//   - Membership and device history is append-only snapshots
//   - All JSON tags use snake_case
package model
