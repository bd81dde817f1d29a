package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/mxarchive/internal/model"
)

// ReadEvents returns up to limit events of a room with position > after,
// ordered by position.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadEvents(ctx context.Context, roomID string, after int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, event_id, position, type, sender, state_key, origin_ts, data
		FROM events
		WHERE room_id = ? AND position > ?
		ORDER BY position ASC
		LIMIT ?
	`, roomID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		var stateKey sql.NullString
		var data string
		if err := rows.Scan(&ev.RoomID, &ev.ID, &ev.Position, &ev.Type, &ev.Sender, &stateKey, &ev.OriginTS, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if stateKey.Valid {
			sk := stateKey.String
			ev.StateKey = &sk
		}
		ev.Payload = []byte(data)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CountEvents returns the number of archived events in a room.
func (s *Store) CountEvents(ctx context.Context, roomID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE room_id = ?
	`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// HasEvent reports whether an event is archived.
func (s *Store) HasEvent(ctx context.Context, roomID, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM events WHERE room_id = ? AND event_id = ?
	`, roomID, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has event: %w", err)
	}
	return true, nil
}

// LatestMembership returns the latest snapshot of every member ever seen in a
// room, ordered by user ID.
func (s *Store) LatestMembership(ctx context.Context, roomID string) ([]model.MembershipSnapshot, error) {
	return s.queryMembership(ctx, `
		SELECT m.id, m.room_id, m.user_id, m.membership, m.display_name, m.avatar_url,
			m.state_hash, m.revision, m.event_position, m.observed_at
		FROM membership_snapshots m
		WHERE m.room_id = ? AND m.id = (
			SELECT id FROM membership_snapshots
			WHERE room_id = m.room_id AND user_id = m.user_id
			ORDER BY revision DESC, id DESC
			LIMIT 1
		)
		ORDER BY m.user_id COLLATE BINARY ASC
	`, roomID)
}

// MembersAsOf returns each member's latest snapshot with
// event_position <= position, ordered by user ID.
func (s *Store) MembersAsOf(ctx context.Context, roomID string, position int64) ([]model.MembershipSnapshot, error) {
	return s.queryMembership(ctx, `
		SELECT m.id, m.room_id, m.user_id, m.membership, m.display_name, m.avatar_url,
			m.state_hash, m.revision, m.event_position, m.observed_at
		FROM membership_snapshots m
		WHERE m.room_id = ? AND m.id = (
			SELECT id FROM membership_snapshots
			WHERE room_id = m.room_id AND user_id = m.user_id AND event_position <= ?
			ORDER BY revision DESC, id DESC
			LIMIT 1
		)
		ORDER BY m.user_id COLLATE BINARY ASC
	`, roomID, position)
}

// MembershipHistory returns every snapshot of a room, optionally narrowed to
// one user, ordered by revision then user ID.
func (s *Store) MembershipHistory(ctx context.Context, roomID, userID string) ([]model.MembershipSnapshot, error) {
	query := `
		SELECT id, room_id, user_id, membership, display_name, avatar_url,
			state_hash, revision, event_position, observed_at
		FROM membership_snapshots
		WHERE room_id = ?`
	args := []any{roomID}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY revision ASC, user_id COLLATE BINARY ASC, id ASC`
	return s.queryMembership(ctx, query, args...)
}

// JoinedMembers returns user IDs whose latest membership in any room is join.
func (s *Store) JoinedMembers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.user_id
		FROM membership_snapshots m
		WHERE m.membership = 'join' AND m.id = (
			SELECT id FROM membership_snapshots
			WHERE room_id = m.room_id AND user_id = m.user_id
			ORDER BY revision DESC, id DESC
			LIMIT 1
		)
		ORDER BY m.user_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query joined members: %w", err)
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return users, nil
}

func (s *Store) queryMembership(ctx context.Context, query string, args ...any) ([]model.MembershipSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query membership: %w", err)
	}
	defer rows.Close()

	snaps := []model.MembershipSnapshot{}
	for rows.Next() {
		var snap model.MembershipSnapshot
		var membership, observedAt string
		if err := rows.Scan(
			&snap.ID,
			&snap.RoomID,
			&snap.State.UserID,
			&membership,
			&snap.State.DisplayName,
			&snap.State.AvatarURL,
			&snap.StateHash,
			&snap.Revision,
			&snap.EventPosition,
			&observedAt,
		); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		snap.State.Membership = model.Membership(membership)
		snap.ObservedAt = parseTimestamp(observedAt)
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate membership: %w", err)
	}
	return snaps, nil
}

// LatestDevices returns the latest snapshot of every device owned by the
// given users (all devices when owners is empty), ordered by user then device.
// Devices whose latest snapshot has present=false are included.
func (s *Store) LatestDevices(ctx context.Context, owners []string) ([]model.DeviceSnapshot, error) {
	query := `
		SELECT d.id, d.user_id, d.device_id, d.display_name, d.key_ref, d.last_seen_ip,
			d.last_seen_ts, d.present, d.state_hash, d.revision, d.observed_at
		FROM device_snapshots d
		WHERE d.id = (
			SELECT id FROM device_snapshots
			WHERE user_id = d.user_id AND device_id = d.device_id
			ORDER BY revision DESC, id DESC
			LIMIT 1
		)`
	args := make([]any, 0, len(owners))
	if len(owners) > 0 {
		query += ` AND d.user_id IN (?` + strings.Repeat(`, ?`, len(owners)-1) + `)`
		for _, o := range owners {
			args = append(args, o)
		}
	}
	query += ` ORDER BY d.user_id COLLATE BINARY ASC, d.device_id COLLATE BINARY ASC`
	return s.queryDevices(ctx, query, args...)
}

// DeviceHistory returns every device snapshot, optionally narrowed to one
// owner, ordered by revision.
func (s *Store) DeviceHistory(ctx context.Context, userID string) ([]model.DeviceSnapshot, error) {
	query := `
		SELECT id, user_id, device_id, display_name, key_ref, last_seen_ip,
			last_seen_ts, present, state_hash, revision, observed_at
		FROM device_snapshots`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY revision ASC, user_id COLLATE BINARY ASC, device_id COLLATE BINARY ASC, id ASC`
	return s.queryDevices(ctx, query, args...)
}

func (s *Store) queryDevices(ctx context.Context, query string, args ...any) ([]model.DeviceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	snaps := []model.DeviceSnapshot{}
	for rows.Next() {
		var snap model.DeviceSnapshot
		var present int
		var observedAt string
		if err := rows.Scan(
			&snap.ID,
			&snap.State.UserID,
			&snap.State.DeviceID,
			&snap.State.DisplayName,
			&snap.State.KeyRef,
			&snap.State.LastSeenIP,
			&snap.State.LastSeenTS,
			&present,
			&snap.StateHash,
			&snap.Revision,
			&observedAt,
		); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		snap.State.Present = present != 0
		snap.ObservedAt = parseTimestamp(observedAt)
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return snaps, nil
}

const mediaColumns = `
	m.content_id, m.room_id, m.event_id, m.status, m.declared_type, m.declared_size,
	m.content_type, m.size, m.sha256, m.blob_key, m.attempts, m.last_error`

// ReadMedia returns the record for a content ID, or ErrNotFound.
func (s *Store) ReadMedia(ctx context.Context, contentID string) (model.MediaObject, error) {
	objs, err := s.queryMedia(ctx, `SELECT `+mediaColumns+` FROM media m WHERE m.content_id = ?`, contentID)
	if err != nil {
		return model.MediaObject{}, err
	}
	if len(objs) == 0 {
		return model.MediaObject{}, fmt.Errorf("media %s: %w", contentID, ErrNotFound)
	}
	return objs[0], nil
}

// PendingMedia returns up to limit referenced (not yet materialized) objects
// linked to a room, fewest attempts first. An empty roomID lists all rooms.
func (s *Store) PendingMedia(ctx context.Context, roomID string, limit int) ([]model.MediaObject, error) {
	if limit <= 0 {
		limit = 100
	}
	if roomID == "" {
		return s.queryMedia(ctx, `
			SELECT `+mediaColumns+`
			FROM media m
			WHERE m.status = 'referenced'
			ORDER BY m.attempts ASC, m.content_id COLLATE BINARY ASC
			LIMIT ?
		`, limit)
	}
	return s.queryMedia(ctx, `
		SELECT `+mediaColumns+`
		FROM media m
		WHERE m.status = 'referenced' AND EXISTS (
			SELECT 1 FROM media_refs r
			WHERE r.content_id = m.content_id AND r.room_id = ?
		)
		ORDER BY m.attempts ASC, m.content_id COLLATE BINARY ASC
		LIMIT ?
	`, roomID, limit)
}

// ListMedia returns all media linked to a room ordered by content ID.
func (s *Store) ListMedia(ctx context.Context, roomID string) ([]model.MediaObject, error) {
	return s.queryMedia(ctx, `
		SELECT `+mediaColumns+`
		FROM media m
		WHERE EXISTS (
			SELECT 1 FROM media_refs r
			WHERE r.content_id = m.content_id AND r.room_id = ?
		)
		ORDER BY m.content_id COLLATE BINARY ASC
	`, roomID)
}

func (s *Store) queryMedia(ctx context.Context, query string, args ...any) ([]model.MediaObject, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query media: %w", err)
	}
	defer rows.Close()

	objs := []model.MediaObject{}
	for rows.Next() {
		var o model.MediaObject
		var status string
		if err := rows.Scan(
			&o.ContentID,
			&o.RoomID,
			&o.EventID,
			&status,
			&o.DeclaredType,
			&o.DeclaredSize,
			&o.ContentType,
			&o.Size,
			&o.SHA256,
			&o.BlobKey,
			&o.Attempts,
			&o.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		o.Status = model.MediaStatus(status)
		objs = append(objs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media: %w", err)
	}
	return objs, nil
}

// MediaCounts summarizes media by status.
type MediaCounts struct {
	Referenced   int64 `json:"referenced"`
	Materialized int64 `json:"materialized"`
	Bytes        int64 `json:"bytes"`
}

// CountMedia returns media counts, optionally narrowed to one room.
func (s *Store) CountMedia(ctx context.Context, roomID string) (MediaCounts, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN m.status = 'referenced' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN m.status = 'materialized' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(m.size), 0)
		FROM media m`
	var args []any
	if roomID != "" {
		query += ` WHERE EXISTS (
			SELECT 1 FROM media_refs r WHERE r.content_id = m.content_id AND r.room_id = ?
		)`
		args = append(args, roomID)
	}
	var c MediaCounts
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&c.Referenced, &c.Materialized, &c.Bytes); err != nil {
		return MediaCounts{}, fmt.Errorf("count media: %w", err)
	}
	return c, nil
}

// ListRooms returns every room ever seen, ordered by room ID.
func (s *Store) ListRooms(ctx context.Context) ([]model.RoomRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, name, topic, alias FROM rooms
		ORDER BY room_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	rooms := []model.RoomRef{}
	for rows.Next() {
		var r model.RoomRef
		if err := rows.Scan(&r.ID, &r.Name, &r.Topic, &r.Alias); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, COALESCE(finished_at, ''), rooms_ok, rooms_failed, errors
		FROM runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		var r model.Run
		var started, finished, errs string
		if err := rows.Scan(&r.ID, &started, &finished, &r.RoomsOK, &r.RoomsFailed, &errs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = parseTimestamp(started)
		if finished != "" {
			r.FinishedAt = parseTimestamp(finished)
		}
		if r.Errors, err = unmarshalErrors(errs); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
