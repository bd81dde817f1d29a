package store

import (
	"context"
	"fmt"
)

// IntegrityReport is the result of an archive consistency check.
//
// A healthy archive has no issues. Issues never indicate data loss by
// themselves; they point at rows a reader should look at.
type IntegrityReport struct {
	Rooms  int      `json:"rooms"`
	Events int64    `json:"events"`
	Issues []string `json:"issues"`
}

// OK reports whether no issues were found.
func (r IntegrityReport) OK() bool {
	return len(r.Issues) == 0
}

// Verify checks that the archive satisfies its invariants:
//   - no events cursor is ahead of the room's highest archived position
//   - event positions in each room are gapless from 1
//   - no member or device has two identical consecutive snapshots
//   - every materialized media row has a blob key and digest
func (s *Store) Verify(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{Issues: []string{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&report.Rooms); err != nil {
		return report, fmt.Errorf("verify: count rooms: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&report.Events); err != nil {
		return report, fmt.Errorf("verify: count events: %w", err)
	}

	checks := []struct {
		name  string
		query string
	}{
		{
			"cursor ahead of data",
			`SELECT c.entity || ' cursor=' || c.position || ' max=' || COALESCE(MAX(e.position), 0)
			FROM cursors c
			LEFT JOIN events e ON e.room_id = c.entity
			WHERE c.scope = 'events'
			GROUP BY c.entity, c.position
			HAVING c.position > COALESCE(MAX(e.position), 0)
			ORDER BY c.entity`,
		},
		{
			"position gap",
			`SELECT room_id || ' count=' || COUNT(*) || ' max=' || MAX(position)
			FROM events
			GROUP BY room_id
			HAVING COUNT(*) != MAX(position) OR MIN(position) != 1
			ORDER BY room_id`,
		},
		{
			"redundant membership snapshot",
			`SELECT a.room_id || ' ' || a.user_id || ' revision=' || b.revision
			FROM membership_snapshots a
			JOIN membership_snapshots b
				ON b.room_id = a.room_id AND b.user_id = a.user_id AND b.id = (
					SELECT MIN(id) FROM membership_snapshots
					WHERE room_id = a.room_id AND user_id = a.user_id AND id > a.id
				)
			WHERE a.state_hash = b.state_hash
			ORDER BY a.room_id, a.user_id, b.revision`,
		},
		{
			"redundant device snapshot",
			`SELECT a.user_id || ' ' || a.device_id || ' revision=' || b.revision
			FROM device_snapshots a
			JOIN device_snapshots b
				ON b.user_id = a.user_id AND b.device_id = a.device_id AND b.id = (
					SELECT MIN(id) FROM device_snapshots
					WHERE user_id = a.user_id AND device_id = a.device_id AND id > a.id
				)
			WHERE a.state_hash = b.state_hash
			ORDER BY a.user_id, a.device_id, b.revision`,
		},
		{
			"materialized media without blob",
			`SELECT content_id FROM media
			WHERE status = 'materialized' AND (blob_key = '' OR sha256 = '')
			ORDER BY content_id`,
		},
	}

	for _, check := range checks {
		issues, err := s.collectStrings(ctx, check.query)
		if err != nil {
			return report, fmt.Errorf("verify: %s: %w", check.name, err)
		}
		for _, issue := range issues {
			report.Issues = append(report.Issues, check.name+": "+issue)
		}
	}

	return report, nil
}

func (s *Store) collectStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
