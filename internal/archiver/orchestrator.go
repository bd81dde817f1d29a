package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/mxarchive/internal/lease"
	"github.com/roach88/mxarchive/internal/metrics"
	"github.com/roach88/mxarchive/internal/model"
)

// DefaultConcurrency is the number of rooms processed at once.
const DefaultConcurrency = 4

// Options configures an archival pass.
type Options struct {
	// Account is the archived account's user ID. Owns the devices cursor.
	Account string

	// Concurrency bounds how many rooms are processed at once.
	Concurrency int

	// Include restricts the pass to these room IDs when non-empty.
	Include []string

	// Exclude skips these room IDs.
	Exclude []string

	// CorrespondentDevices also reconciles the devices of joined members.
	CorrespondentDevices bool

	// SkipMedia leaves media referenced without fetching bytes.
	SkipMedia bool
}

// IDGenerator generates run IDs.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 run IDs.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Orchestrator drives one archival pass over every reachable room.
//
// Rooms run on a bounded worker pool. Each room is leased before any work,
// then sequenced roster, history, media. A room's failure is recorded in the
// summary and never stops other rooms. Devices are reconciled after the room
// pass so correspondents can be taken from fresh membership.
type Orchestrator struct {
	proto   Protocol
	store   Storage
	locker  Locker
	history *HistorySynchronizer
	roster  *RosterSynchronizer
	media   *MediaMaterializer
	opts    Options
	ids     IDGenerator
	now     func() time.Time
	log     *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(g IDGenerator) OrchestratorOption {
	return func(o *Orchestrator) {
		o.ids = g
	}
}

// WithClock overrides the clock used for run timestamps.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithLocker sets the room lease implementation.
func WithLocker(l Locker) OrchestratorOption {
	return func(o *Orchestrator) {
		o.locker = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// NewOrchestrator creates an Orchestrator from its synchronizers.
func NewOrchestrator(
	p Protocol,
	s Storage,
	history *HistorySynchronizer,
	roster *RosterSynchronizer,
	media *MediaMaterializer,
	opts Options,
	options ...OrchestratorOption,
) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	o := &Orchestrator{
		proto:   p,
		store:   s,
		locker:  lease.NewLocal(),
		history: history,
		roster:  roster,
		media:   media,
		opts:    opts,
		ids:     UUIDv7Generator{},
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Run performs one best-effort pass and returns its summary.
//
// The returned error is non-nil only when the pass could not start: the run
// record could not be written or rooms could not be enumerated. Per-room
// failures are reported in the summary. Cancelling ctx stops new rooms from
// starting; rooms already started stop after their current commit unit.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	sum := Summary{
		RunID:     o.ids.Generate(),
		StartedAt: o.now(),
		Errors:    []RoomFailure{},
	}
	log := o.log.With("run_id", sum.RunID)

	if err := o.store.BeginRun(context.WithoutCancel(ctx), model.Run{ID: sum.RunID, StartedAt: sum.StartedAt}); err != nil {
		return sum, fmt.Errorf("begin run: %w", err)
	}

	rooms, err := o.proto.ListRooms(ctx)
	if err != nil {
		err = protocolFailure("", "", "list rooms", err)
		sum.fail("", err)
		o.finish(log, &sum)
		return sum, err
	}
	rooms, skipped := o.filter(rooms)
	sum.RoomsSkipped = skipped

	log.Info("archival pass starting",
		"rooms", len(rooms),
		"skipped", skipped,
		"concurrency", o.opts.Concurrency,
	)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(o.opts.Concurrency)
	for _, room := range rooms {
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				sum.Cancelled = true
				sum.RoomsSkipped++
				mu.Unlock()
				return nil
			}
			outcome := o.syncRoom(ctx, log, room)
			mu.Lock()
			sum.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() == nil {
		changed, err := o.syncDevices(ctx, log)
		sum.DevicesChanged = changed
		if err != nil {
			sum.fail("", err)
		}
	} else {
		sum.Cancelled = true
	}

	o.finish(log, &sum)
	return sum, nil
}

// syncRoom processes one room. The returned outcome carries the first
// roster or history error; media failures are only counted. Work runs under
// the room lease's context, so a lost lease stops the room after its current
// commit unit.
func (o *Orchestrator) syncRoom(ctx context.Context, log *slog.Logger, room model.RoomRef) RoomOutcome {
	out := RoomOutcome{RoomID: room.ID}
	log = log.With("room_id", room.ID)

	leased, release, err := o.locker.Acquire(ctx, "room:"+room.ID)
	if err != nil {
		code := CodeTransientNetwork
		if errors.Is(err, lease.ErrHeld) {
			code = CodeLeaseHeld
		}
		out.Err = &SyncError{Code: code, Room: room.ID, Op: "acquire lease", Err: err}
		o.recordRoom(log, out)
		return out
	}
	defer release()
	ctx = leased

	if err := o.store.UpsertRoom(ctx, room); err != nil {
		out.Err = storageFailure(room.ID, "", "upsert room", err)
		o.recordRoom(log, out)
		return out
	}

	diff, rosterErr := o.roster.Reconcile(ctx, room.ID)
	if rosterErr == nil {
		out.SnapshotsRecorded = diff.Recorded
	}

	var historyErr error
	cursor, err := o.store.ReadCursor(ctx, model.ScopeEvents, room.ID)
	if err != nil {
		historyErr = storageFailure(room.ID, model.ScopeEvents, "read cursor", err)
	} else {
		hist, err := o.history.Synchronize(ctx, room.ID, cursor)
		out.EventsArchived = hist.Inserted
		out.Duplicates = hist.Duplicates
		out.CaughtUp = hist.Cursor.State == model.CursorCaughtUp
		historyErr = err
	}

	if !o.opts.SkipMedia && o.media != nil && ctx.Err() == nil {
		media, err := o.media.RetryPending(ctx, room.ID)
		out.MediaMaterialized = media.Materialized
		out.MediaFailed = media.Failed
		if err != nil {
			log.Warn("media pass failed", "error", err)
		}
	}

	switch {
	case errors.Is(context.Cause(ctx), lease.ErrLost):
		out.Err = &SyncError{Code: CodeLeaseHeld, Room: room.ID, Op: "hold lease", Err: lease.ErrLost}
	case rosterErr != nil && historyErr != nil:
		out.Err = errors.Join(rosterErr, historyErr)
	case rosterErr != nil:
		out.Err = rosterErr
	default:
		out.Err = historyErr
	}
	o.recordRoom(log, out)
	return out
}

func (o *Orchestrator) recordRoom(log *slog.Logger, out RoomOutcome) {
	if IsLeaseHeld(out.Err) {
		metrics.RoomsProcessed.WithLabelValues("skipped").Inc()
		log.Warn("room leased elsewhere, skipped", "error", out.Err)
		return
	}
	if out.Err != nil {
		metrics.RoomsProcessed.WithLabelValues("failed").Inc()
		log.Error("room failed",
			"code", CodeOf(out.Err),
			"events", out.EventsArchived,
			"error", out.Err,
		)
		return
	}
	metrics.RoomsProcessed.WithLabelValues("ok").Inc()
	log.Info("room archived",
		"events", out.EventsArchived,
		"duplicates", out.Duplicates,
		"snapshots", out.SnapshotsRecorded,
		"media", out.MediaMaterialized,
		"media_failed", out.MediaFailed,
		"caught_up", out.CaughtUp,
	)
}

// syncDevices reconciles the account's device list and, when enabled, the
// devices of every currently joined member.
func (o *Orchestrator) syncDevices(ctx context.Context, log *slog.Logger) (int, error) {
	if o.opts.Account == "" {
		return 0, nil
	}
	owners := []string{o.opts.Account}
	if o.opts.CorrespondentDevices {
		joined, err := o.store.JoinedMembers(ctx)
		if err != nil {
			return 0, storageFailure("", model.ScopeDevices, "read joined members", err)
		}
		owners = append(owners, joined...)
	}

	diff, err := o.roster.ReconcileDevices(ctx, o.opts.Account, owners)
	if err != nil {
		log.Error("device reconciliation failed", "code", CodeOf(err), "error", err)
		return 0, err
	}
	log.Info("devices reconciled",
		"owners", len(diff.Owners),
		"changes", diff.Recorded,
		"revision", diff.Revision,
	)
	return diff.Recorded, nil
}

// filter applies include and exclude lists.
func (o *Orchestrator) filter(rooms []model.RoomRef) ([]model.RoomRef, int) {
	include := make(map[string]bool, len(o.opts.Include))
	for _, id := range o.opts.Include {
		include[id] = true
	}
	exclude := make(map[string]bool, len(o.opts.Exclude))
	for _, id := range o.opts.Exclude {
		exclude[id] = true
	}

	kept := make([]model.RoomRef, 0, len(rooms))
	skipped := 0
	for _, r := range rooms {
		if exclude[r.ID] || (len(include) > 0 && !include[r.ID]) {
			o.log.Info("room skipped", "room_id", r.ID, "name", r.DisplayName())
			skipped++
			continue
		}
		kept = append(kept, r)
	}
	return kept, skipped
}

// finish writes the run record and run metrics.
func (o *Orchestrator) finish(log *slog.Logger, sum *Summary) {
	sum.FinishedAt = o.now()
	sum.sortErrors()

	err := o.store.FinishRun(context.Background(), model.Run{
		ID:          sum.RunID,
		StartedAt:   sum.StartedAt,
		FinishedAt:  sum.FinishedAt,
		RoomsOK:     sum.RoomsOK,
		RoomsFailed: sum.RoomsFailed,
		Errors:      sum.errorStrings(),
	})
	if err != nil {
		log.Error("failed to record run", "error", err)
	}

	outcome := "ok"
	switch {
	case sum.RoomsOK == 0 && sum.RoomsFailed > 0:
		outcome = "failed"
	case !sum.OK():
		outcome = "partial"
	}
	metrics.RunsTotal.WithLabelValues(outcome).Inc()
	metrics.RunDuration.Observe(sum.Duration().Seconds())
	metrics.LastRunTimestamp.Set(float64(sum.FinishedAt.Unix()))

	log.Info("archival pass finished",
		"rooms_ok", sum.RoomsOK,
		"rooms_failed", sum.RoomsFailed,
		"rooms_skipped", sum.RoomsSkipped,
		"events", sum.EventsArchived,
		"snapshots", sum.SnapshotsRecorded,
		"media", sum.MediaMaterialized,
		"devices", sum.DevicesChanged,
		"duration", sum.Duration(),
	)
}
