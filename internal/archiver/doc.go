// Package archiver implements the incremental archival synchronization
// engine.
//
// One pass is driven by the Orchestrator:
//
//	Orchestrator.Run
//	  for each room (bounded worker pool, one lease per room):
//	    RosterSynchronizer.Reconcile      membership diff, members cursor
//	    HistorySynchronizer.Synchronize   forward pages, events cursor
//	    MediaMaterializer.RetryPending    bytes for referenced media
//	  RosterSynchronizer.ReconcileDevices account-wide devices cursor
//
// # Commit Discipline
//
// Synchronizers never write cursors. They hand the store a commit unit (a
// page of events, a membership diff, a device diff) that carries the cursor
// it would produce, and the store writes both in one transaction. A unit that
// fails leaves its cursor where it was; the next run repeats it and the
// store's idempotent inserts absorb anything already archived.
//
// # Failure Isolation
//
// Errors are SyncError values with a code (TRANSIENT_NETWORK, PROTOCOL,
// STORAGE, MEDIA_UNAVAILABLE, LEASE_HELD). A failing unit stops only its own
// scope in its own room. Media failures never fail a room.
package archiver
