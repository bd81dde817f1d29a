package archiver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/mxarchive/internal/metrics"
	"github.com/roach88/mxarchive/internal/model"
)

const (
	// DefaultPageSize is the number of events requested per page.
	DefaultPageSize = 100

	// MaxPageSize is the largest page size servers reliably honour.
	MaxPageSize = 1000
)

// HistoryOutcome reports what one Synchronize call did.
type HistoryOutcome struct {
	Pages      int
	Inserted   int
	Duplicates int
	Media      int
	Cursor     model.Cursor
	// BudgetExhausted is set when the per-run page budget stopped pagination
	// before the room caught up.
	BudgetExhausted bool
}

// HistorySynchronizer pages forward through a room's history and commits
// each page together with its cursor.
type HistorySynchronizer struct {
	proto    Protocol
	store    Storage
	pageSize int
	maxPages int
	log      *slog.Logger
}

// HistoryOption configures a HistorySynchronizer.
type HistoryOption func(*HistorySynchronizer)

// WithPageSize sets the events requested per page, clamped to MaxPageSize.
func WithPageSize(n int) HistoryOption {
	return func(h *HistorySynchronizer) {
		switch {
		case n <= 0:
			h.pageSize = DefaultPageSize
		case n > MaxPageSize:
			h.pageSize = MaxPageSize
		default:
			h.pageSize = n
		}
	}
}

// WithMaxPagesPerRun bounds how many pages one Synchronize call commits.
// Zero means unbounded.
func WithMaxPagesPerRun(n int) HistoryOption {
	return func(h *HistorySynchronizer) {
		h.maxPages = n
	}
}

// WithHistoryLogger sets the logger.
func WithHistoryLogger(l *slog.Logger) HistoryOption {
	return func(h *HistorySynchronizer) {
		h.log = l
	}
}

// NewHistorySynchronizer creates a HistorySynchronizer.
func NewHistorySynchronizer(p Protocol, s Storage, opts ...HistoryOption) *HistorySynchronizer {
	h := &HistorySynchronizer{
		proto:    p,
		store:    s,
		pageSize: DefaultPageSize,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Synchronize archives a room's events starting at cursor.
//
// An unsynced cursor starts from the oldest retrievable point. Each page is
// committed atomically with the cursor it produces; a failed fetch or commit
// returns immediately and leaves the cursor at the last committed page, so
// the next run re-requests the failed page.
//
// When the server reports no further pages the cursor is marked caught_up and
// keeps the token that produced the final page. The next run asks for that
// page again and duplicates are absorbed by the store.
func (h *HistorySynchronizer) Synchronize(ctx context.Context, roomID string, cursor model.Cursor) (HistoryOutcome, error) {
	out := HistoryOutcome{Cursor: cursor}
	token := cursor.Token

	for {
		if h.maxPages > 0 && out.Pages >= h.maxPages {
			out.BudgetExhausted = true
			h.log.Info("page budget exhausted",
				"room_id", roomID,
				"pages", out.Pages,
				"position", out.Cursor.Position,
			)
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return out, protocolFailure(roomID, model.ScopeEvents, "paginate", err)
		}

		page, err := h.proto.FetchEventPage(ctx, roomID, token, h.pageSize)
		if err != nil {
			return out, protocolFailure(roomID, model.ScopeEvents, "fetch page", err)
		}

		commit, err := h.prepare(roomID, token, page)
		if err != nil {
			return out, err
		}

		// An in-flight commit finishes even if the run is cancelled.
		res, err := h.store.CommitPage(context.WithoutCancel(ctx), commit)
		if err != nil {
			return out, storageFailure(roomID, model.ScopeEvents, "commit page", err)
		}

		out.Pages++
		out.Inserted += res.Inserted
		out.Duplicates += res.Duplicates
		out.Media += len(commit.Media)
		out.Cursor = res.Cursor

		metrics.PagesCommitted.Inc()
		metrics.EventsArchived.Add(float64(res.Inserted))
		metrics.EventDuplicates.Add(float64(res.Duplicates))

		h.log.Debug("page committed",
			"room_id", roomID,
			"page", out.Pages,
			"events", len(page.Events),
			"inserted", res.Inserted,
			"duplicates", res.Duplicates,
			"position", res.Cursor.Position,
			"state", res.Cursor.State,
		)

		if commit.State == model.CursorCaughtUp {
			return out, nil
		}
		token = commit.Token
	}
}

// prepare validates a fetched page and builds its commit unit.
func (h *HistorySynchronizer) prepare(roomID, token string, page EventPage) (model.PageCommit, error) {
	commit := model.PageCommit{
		RoomID: roomID,
		Events: make([]model.Event, 0, len(page.Events)),
		Token:  page.Next,
		State:  model.CursorPaginating,
	}

	seen := make(map[string]bool, len(page.Events))
	for i, ev := range page.Events {
		if ev.ID == "" {
			return model.PageCommit{}, &SyncError{
				Code:  CodeProtocol,
				Room:  roomID,
				Scope: model.ScopeEvents,
				Op:    "decode page",
				Err:   fmt.Errorf("event %d has no event_id", i),
			}
		}
		if ev.RoomID == "" {
			ev.RoomID = roomID
		}
		if ev.RoomID != roomID {
			return model.PageCommit{}, &SyncError{
				Code:  CodeProtocol,
				Room:  roomID,
				Scope: model.ScopeEvents,
				Op:    "decode page",
				Err:   fmt.Errorf("event %s belongs to room %s", ev.ID, ev.RoomID),
			}
		}
		// Servers may repeat an event inside one page.
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		commit.Events = append(commit.Events, ev)
		commit.Media = append(commit.Media, model.ExtractMediaRefs(ev)...)
	}

	// A server that hands back the token it was given cannot make progress.
	if page.Next == "" || page.Next == token {
		commit.State = model.CursorCaughtUp
		commit.Token = token
	}
	return commit, nil
}
