package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{
		"rooms", "room_snapshots", "events", "membership_snapshots",
		"device_snapshots", "media", "media_refs", "cursors", "runs",
	}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

// Pragma tests

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name string
		want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.verifyPragma(tt.name, tt.want); err != nil {
				t.Error(err)
			}
		})
	}
}

// Schema tests

func TestSchema_EventsTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "events")
	expected := []string{
		"room_id", "event_id", "position", "type", "sender",
		"state_key", "origin_ts", "data", "retrieval_ts",
	}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("events table missing column %q", col)
		}
	}
}

func TestSchema_CursorsTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "cursors")
	for _, col := range []string{"scope", "entity", "token", "position", "state", "updated_at"} {
		if !contains(columns, col) {
			t.Errorf("cursors table missing column %q", col)
		}
	}
}

func TestSchema_Indexes(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		table string
		index string
	}{
		{"events", "idx_events_room_type"},
		{"media", "idx_media_status"},
		{"membership_snapshots", "idx_membership_member"},
		{"device_snapshots", "idx_device_owner"},
		{"media_refs", "idx_media_refs_room"},
	}
	for _, tt := range tests {
		if !contains(getTableIndexes(t, s.db, tt.table), tt.index) {
			t.Errorf("%s table missing index %q", tt.table, tt.index)
		}
	}
}

// Constraint tests

func TestConstraint_EventUniquePosition(t *testing.T) {
	s := createTestStore(t)

	insert := `
		INSERT INTO events (room_id, event_id, position, type, sender, origin_ts, data, retrieval_ts)
		VALUES ('!r:x', ?, 1, 'm.room.message', '@a:x', 0, '{}', 'now')
	`
	if _, err := s.db.Exec(insert, "$e1"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := s.db.Exec(insert, "$e2"); err == nil {
		t.Error("expected UNIQUE(room_id, position) violation")
	}
}

func TestConstraint_MediaStatusCheck(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO media (content_id, room_id, event_id, status, referenced_at)
		VALUES ('mxc://x/y', '!r:x', '$e', 'downloading', 'now')
	`)
	if err == nil {
		t.Error("expected CHECK violation for unknown media status")
	}
}

func TestConstraint_MediaRefForeignKey(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO media_refs (content_id, room_id, event_id)
		VALUES ('mxc://x/missing', '!r:x', '$e')
	`)
	if err == nil {
		t.Error("expected foreign key violation for unreferenced content id")
	}
}

// Migration tests

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestStore(t)

	version, err := s.schemaVersion(t.Context())
	if err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 0"); err != nil {
		t.Fatalf("failed to set user_version: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	version, err := s.schemaVersion(t.Context())
	if err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
	if !contains(getTableIndexes(t, s.db, "media"), "idx_media_status") {
		t.Error("v2 migration did not create idx_media_status")
	}
}

// Helpers

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
