package model

// Version constants for the archive schema and the archiver.
const (
	// SchemaVersion is the archive schema version (PRAGMA user_version).
	SchemaVersion = 2

	// ArchiverVersion is the mxarchive version.
	ArchiverVersion = "0.3.0"
)
