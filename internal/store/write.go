package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/mxarchive/internal/metrics"
	"github.com/roach88/mxarchive/internal/model"
)

// CommitPage writes one page of room events, the media references found in
// it, and the room's events cursor in a single transaction.
//
// Events are inserted in the order given. An event whose (room_id, event_id)
// already exists is skipped without touching the stored row; new events get
// the next position in the room. The cursor is moved to the room's highest
// position with the page's token and state. If anything fails, nothing from
// the page is kept and the cursor stays where it was.
func (s *Store) CommitPage(ctx context.Context, page model.PageCommit) (model.PageResult, error) {
	defer metrics.ObserveStore("commit_page", time.Now())

	if page.RoomID == "" {
		return model.PageResult{}, fmt.Errorf("commit page: room id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.PageResult{}, fmt.Errorf("commit page: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	position, err := maxPosition(ctx, tx, page.RoomID)
	if err != nil {
		return model.PageResult{}, fmt.Errorf("commit page: %w", err)
	}

	now := s.timestamp()
	result := model.PageResult{}
	for _, ev := range page.Events {
		if ev.RoomID != page.RoomID {
			return model.PageResult{}, fmt.Errorf("commit page: event %s belongs to %s, not %s", ev.ID, ev.RoomID, page.RoomID)
		}
		if ev.ID == "" {
			return model.PageResult{}, fmt.Errorf("commit page: event without id in %s", page.RoomID)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events
			(room_id, event_id, position, type, sender, state_key, origin_ts, data, retrieval_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(room_id, event_id) DO NOTHING
		`,
			ev.RoomID,
			ev.ID,
			position+1,
			ev.Type,
			ev.Sender,
			nullableString(ev.StateKey),
			ev.OriginTS,
			payloadText(ev.Payload),
			now,
		)
		if err != nil {
			return model.PageResult{}, fmt.Errorf("commit page: insert event %s: %w", ev.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return model.PageResult{}, fmt.Errorf("commit page: rows affected: %w", err)
		}
		if n == 0 {
			result.Duplicates++
			continue
		}
		position++
		ev.Position = position
		result.Inserted++
		result.Archived = append(result.Archived, ev)
	}

	for _, ref := range page.Media {
		if err := insertMediaRef(ctx, tx, ref, now); err != nil {
			return model.PageResult{}, fmt.Errorf("commit page: %w", err)
		}
	}

	cursor := model.Cursor{
		Scope:    model.ScopeEvents,
		Entity:   page.RoomID,
		Token:    page.Token,
		Position: position,
		State:    page.State,
	}
	if err := s.advanceCursor(ctx, tx, cursor); err != nil {
		return model.PageResult{}, fmt.Errorf("commit page: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.PageResult{}, fmt.Errorf("commit page: commit: %w", err)
	}

	result.Cursor = cursor
	return result, nil
}

// CommitRoster appends one membership snapshot per changed member and
// advances the room's members cursor to the next revision.
//
// An empty change set still advances the cursor ("checked, nothing changed").
// A change whose state hash equals the member's latest snapshot is dropped,
// so a member never has two identical consecutive rows.
func (s *Store) CommitRoster(ctx context.Context, commit model.RosterCommit) (model.RosterResult, error) {
	defer metrics.ObserveStore("commit_roster", time.Now())

	if commit.RoomID == "" {
		return model.RosterResult{}, fmt.Errorf("commit roster: room id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RosterResult{}, fmt.Errorf("commit roster: begin tx: %w", err)
	}
	defer tx.Rollback()

	prev, err := readCursorTx(ctx, tx, model.ScopeMembers, commit.RoomID)
	if err != nil {
		return model.RosterResult{}, fmt.Errorf("commit roster: %w", err)
	}
	revision := prev.Position + 1

	eventPosition, err := maxPosition(ctx, tx, commit.RoomID)
	if err != nil {
		return model.RosterResult{}, fmt.Errorf("commit roster: %w", err)
	}

	now := s.timestamp()
	result := model.RosterResult{Revision: revision}
	for _, m := range commit.Changes {
		if !m.Membership.Valid() {
			return model.RosterResult{}, fmt.Errorf("commit roster: member %s has invalid membership %q", m.UserID, m.Membership)
		}
		hash, err := model.MemberStateHash(m)
		if err != nil {
			return model.RosterResult{}, fmt.Errorf("commit roster: %w", err)
		}

		var latest string
		err = tx.QueryRowContext(ctx, `
			SELECT state_hash FROM membership_snapshots
			WHERE room_id = ? AND user_id = ?
			ORDER BY revision DESC, id DESC
			LIMIT 1
		`, commit.RoomID, m.UserID).Scan(&latest)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return model.RosterResult{}, fmt.Errorf("commit roster: latest snapshot: %w", err)
		}
		if latest == hash {
			continue
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO membership_snapshots
			(room_id, user_id, membership, display_name, avatar_url, state_hash, revision, event_position, observed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			commit.RoomID,
			m.UserID,
			string(m.Membership),
			m.DisplayName,
			m.AvatarURL,
			hash,
			revision,
			eventPosition,
			now,
		)
		if err != nil {
			return model.RosterResult{}, fmt.Errorf("commit roster: insert snapshot for %s: %w", m.UserID, err)
		}
		result.Recorded++
	}

	cursor := model.Cursor{
		Scope:    model.ScopeMembers,
		Entity:   commit.RoomID,
		Position: revision,
		State:    model.CursorCaughtUp,
	}
	if err := s.advanceCursor(ctx, tx, cursor); err != nil {
		return model.RosterResult{}, fmt.Errorf("commit roster: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.RosterResult{}, fmt.Errorf("commit roster: commit: %w", err)
	}

	result.Cursor = cursor
	return result, nil
}

// CommitDevices appends one device snapshot per changed device and advances
// the account's devices cursor to the next revision. Same rules as
// CommitRoster.
func (s *Store) CommitDevices(ctx context.Context, commit model.DeviceCommit) (model.RosterResult, error) {
	defer metrics.ObserveStore("commit_devices", time.Now())

	if commit.Account == "" {
		return model.RosterResult{}, fmt.Errorf("commit devices: account is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RosterResult{}, fmt.Errorf("commit devices: begin tx: %w", err)
	}
	defer tx.Rollback()

	prev, err := readCursorTx(ctx, tx, model.ScopeDevices, commit.Account)
	if err != nil {
		return model.RosterResult{}, fmt.Errorf("commit devices: %w", err)
	}
	revision := prev.Position + 1

	now := s.timestamp()
	result := model.RosterResult{Revision: revision}
	for _, d := range commit.Changes {
		hash, err := model.DeviceStateHash(d)
		if err != nil {
			return model.RosterResult{}, fmt.Errorf("commit devices: %w", err)
		}

		var latest string
		err = tx.QueryRowContext(ctx, `
			SELECT state_hash FROM device_snapshots
			WHERE user_id = ? AND device_id = ?
			ORDER BY revision DESC, id DESC
			LIMIT 1
		`, d.UserID, d.DeviceID).Scan(&latest)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return model.RosterResult{}, fmt.Errorf("commit devices: latest snapshot: %w", err)
		}
		if latest == hash {
			continue
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO device_snapshots
			(user_id, device_id, display_name, key_ref, last_seen_ip, last_seen_ts, present, state_hash, revision, observed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			d.UserID,
			d.DeviceID,
			d.DisplayName,
			d.KeyRef,
			d.LastSeenIP,
			d.LastSeenTS,
			boolToInt(d.Present),
			hash,
			revision,
			now,
		)
		if err != nil {
			return model.RosterResult{}, fmt.Errorf("commit devices: insert snapshot for %s: %w", d.Key(), err)
		}
		result.Recorded++
	}

	cursor := model.Cursor{
		Scope:    model.ScopeDevices,
		Entity:   commit.Account,
		Position: revision,
		State:    model.CursorCaughtUp,
	}
	if err := s.advanceCursor(ctx, tx, cursor); err != nil {
		return model.RosterResult{}, fmt.Errorf("commit devices: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.RosterResult{}, fmt.Errorf("commit devices: commit: %w", err)
	}

	result.Cursor = cursor
	return result, nil
}

// UpsertRoom records a room's display metadata. A room_snapshots row is
// appended the first time the room is seen and whenever name, topic or alias
// change. Rooms are never deleted. An Incomplete room only refreshes
// last_seen_at.
func (s *Store) UpsertRoom(ctx context.Context, room model.RoomRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert room: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	var name, topic, alias string
	err = tx.QueryRowContext(ctx, `
		SELECT name, topic, alias FROM rooms WHERE room_id = ?
	`, room.ID).Scan(&name, &topic, &alias)

	changed := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rooms (room_id, name, topic, alias, first_seen_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, room.ID, room.Name, room.Topic, room.Alias, now, now)
		changed = !room.Incomplete
	case err != nil:
		return fmt.Errorf("upsert room: %w", err)
	case room.Incomplete:
		_, err = tx.ExecContext(ctx, `
			UPDATE rooms SET last_seen_at = ? WHERE room_id = ?
		`, now, room.ID)
	default:
		changed = name != room.Name || topic != room.Topic || alias != room.Alias
		_, err = tx.ExecContext(ctx, `
			UPDATE rooms SET name = ?, topic = ?, alias = ?, last_seen_at = ?
			WHERE room_id = ?
		`, room.Name, room.Topic, room.Alias, now, room.ID)
	}
	if err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}

	if changed {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO room_snapshots (room_id, name, topic, alias, observed_at)
			VALUES (?, ?, ?, ?, ?)
		`, room.ID, room.Name, room.Topic, room.Alias, now)
		if err != nil {
			return fmt.Errorf("upsert room: snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert room: commit: %w", err)
	}
	return nil
}

// UpsertMediaMetadata records a media reference (phase 1) outside a page
// commit. An existing media row is left untouched.
func (s *Store) UpsertMediaMetadata(ctx context.Context, ref model.MediaRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert media: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertMediaRef(ctx, tx, ref, s.timestamp()); err != nil {
		return fmt.Errorf("upsert media: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert media: commit: %w", err)
	}
	return nil
}

// MarkMaterialized records that a content ID's bytes are stored.
// Returns ErrNotFound if the content ID was never referenced.
func (s *Store) MarkMaterialized(ctx context.Context, m model.Materialized) error {
	defer metrics.ObserveStore("mark_materialized", time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE media SET
			status = 'materialized',
			content_type = ?,
			size = ?,
			sha256 = ?,
			blob_key = ?,
			last_error = '',
			materialized_at = ?
		WHERE content_id = ?
	`, m.ContentType, m.Size, m.SHA256, m.BlobKey, s.timestamp(), m.ContentID)
	if err != nil {
		return fmt.Errorf("mark materialized: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark materialized: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark materialized %s: %w", m.ContentID, ErrNotFound)
	}
	return nil
}

// RecordMediaFailure counts a failed fetch for a referenced content ID.
// Materialized rows are never downgraded.
func (s *Store) RecordMediaFailure(ctx context.Context, contentID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media SET attempts = attempts + 1, last_error = ?
		WHERE content_id = ? AND status = 'referenced'
	`, reason, contentID)
	if err != nil {
		return fmt.Errorf("record media failure: %w", err)
	}
	return nil
}

// BeginRun inserts the audit row for a pass.
func (s *Store) BeginRun(ctx context.Context, run model.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at) VALUES (?, ?)
	`, run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun completes the audit row for a pass.
func (s *Store) FinishRun(ctx context.Context, run model.Run) error {
	errsJSON, err := marshalErrors(run.Errors)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, rooms_ok = ?, rooms_failed = ?, errors = ?
		WHERE run_id = ?
	`, run.FinishedAt.UTC().Format(time.RFC3339Nano), run.RoomsOK, run.RoomsFailed, errsJSON, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// insertMediaRef records the media row (if new) and the event link.
func insertMediaRef(ctx context.Context, tx *sql.Tx, ref model.MediaRef, now string) error {
	if ref.ContentID == "" {
		return fmt.Errorf("media ref without content id in event %s", ref.EventID)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO media
		(content_id, room_id, event_id, status, declared_type, declared_size, referenced_at)
		VALUES (?, ?, ?, 'referenced', ?, ?, ?)
		ON CONFLICT(content_id) DO NOTHING
	`, ref.ContentID, ref.RoomID, ref.EventID, ref.DeclaredType, ref.DeclaredSize, now)
	if err != nil {
		return fmt.Errorf("insert media %s: %w", ref.ContentID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO media_refs (content_id, room_id, event_id, thumbnail, encrypted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, ref.ContentID, ref.RoomID, ref.EventID, boolToInt(ref.Thumbnail), boolToInt(ref.Encrypted))
	if err != nil {
		return fmt.Errorf("insert media ref %s: %w", ref.ContentID, err)
	}
	return nil
}

// maxPosition returns the highest archived event position in a room.
func maxPosition(ctx context.Context, tx *sql.Tx, roomID string) (int64, error) {
	var pos int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0) FROM events WHERE room_id = ?
	`, roomID).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("max position: %w", err)
	}
	return pos, nil
}

// readCursorTx reads a cursor inside a transaction.
func readCursorTx(ctx context.Context, tx *sql.Tx, scope model.Scope, entity string) (model.Cursor, error) {
	c := model.NewCursor(scope, entity)
	var state string
	err := tx.QueryRowContext(ctx, `
		SELECT token, position, state FROM cursors WHERE scope = ? AND entity = ?
	`, string(scope), entity).Scan(&c.Token, &c.Position, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return model.Cursor{}, fmt.Errorf("read cursor: %w", err)
	}
	c.State = model.CursorState(state)
	return c, nil
}
