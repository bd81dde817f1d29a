package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/mxarchive/internal/model"
)

// ReadCursor returns the cursor for a scope and entity.
// A cursor that was never committed is returned as model.NewCursor (state
// never_synced), not as an error.
func (s *Store) ReadCursor(ctx context.Context, scope model.Scope, entity string) (model.Cursor, error) {
	c := model.Cursor{Scope: scope, Entity: entity}
	var state, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT token, position, state, updated_at
		FROM cursors
		WHERE scope = ? AND entity = ?
	`, string(scope), entity).Scan(&c.Token, &c.Position, &state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewCursor(scope, entity), nil
	}
	if err != nil {
		return model.Cursor{}, fmt.Errorf("read cursor: %w", err)
	}
	c.State = model.CursorState(state)
	c.UpdatedAt = parseTimestamp(updatedAt)
	return c, nil
}

// ListCursors returns all committed cursors ordered by scope then entity.
func (s *Store) ListCursors(ctx context.Context) ([]model.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, entity, token, position, state, updated_at
		FROM cursors
		ORDER BY scope ASC, entity COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	cursors := []model.Cursor{}
	for rows.Next() {
		var c model.Cursor
		var scope, state, updatedAt string
		if err := rows.Scan(&scope, &c.Entity, &c.Token, &c.Position, &state, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c.Scope = model.Scope(scope)
		c.State = model.CursorState(state)
		c.UpdatedAt = parseTimestamp(updatedAt)
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursors: %w", err)
	}
	return cursors, nil
}

// advanceCursor writes c inside tx. It is the only code path that moves a
// cursor and is called exclusively from commit units, after the rows the
// cursor gates have been written in the same transaction.
//
// Returns ErrCursorRegression if c.Position is below the stored position.
func (s *Store) advanceCursor(ctx context.Context, tx *sql.Tx, c model.Cursor) error {
	if c.Scope == "" || c.Entity == "" {
		return fmt.Errorf("advance cursor: scope and entity are required")
	}
	switch c.State {
	case model.CursorPaginating, model.CursorCaughtUp:
	default:
		return fmt.Errorf("advance cursor: invalid state %q", c.State)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO cursors (scope, entity, token, position, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, entity) DO UPDATE SET
			token = excluded.token,
			position = excluded.position,
			state = excluded.state,
			updated_at = excluded.updated_at
		WHERE excluded.position >= cursors.position
	`, string(c.Scope), c.Entity, c.Token, c.Position, string(c.State), s.timestamp())
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance cursor: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("advance cursor %s/%s to %d: %w", c.Scope, c.Entity, c.Position, ErrCursorRegression)
	}
	return nil
}
