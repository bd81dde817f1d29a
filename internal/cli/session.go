package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/mxarchive/internal/archiver"
	"github.com/roach88/mxarchive/internal/blob"
	_ "github.com/roach88/mxarchive/internal/blob/badger"
	_ "github.com/roach88/mxarchive/internal/blob/s3store"
	"github.com/roach88/mxarchive/internal/config"
	"github.com/roach88/mxarchive/internal/lease"
	"github.com/roach88/mxarchive/internal/lease/redis"
	"github.com/roach88/mxarchive/internal/matrix"
	"github.com/roach88/mxarchive/internal/store"
)

// session holds the resources of one command invocation. Fields are nil
// until the matching open call succeeds.
type session struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *store.Store
	blobs  blob.Store
	client *matrix.Client
	locker archiver.Locker

	closers []func(context.Context) error
}

// openArchive opens the SQLite archive named by cfg.
func openArchive(opts *RootOptions) (*session, error) {
	s := &session{cfg: opts.Config, log: opts.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}

	st, err := store.Open(s.cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open archive", err)
	}
	s.store = st
	s.closers = append(s.closers, func(context.Context) error { return st.Close() })
	s.log.Debug("archive open", "path", s.cfg.Database)
	return s, nil
}

// openBlobs opens the configured media blob store.
func (s *session) openBlobs(ctx context.Context) error {
	blobs, err := blob.Open(ctx, s.cfg.Blob, s.log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open blob store", err)
	}
	s.blobs = blobs
	s.closers = append(s.closers, func(context.Context) error { return blobs.Close() })
	return nil
}

// connect establishes the homeserver session and the room lease backend.
func (s *session) connect(ctx context.Context) error {
	if err := s.cfg.RequireCredentials(); err != nil {
		return WrapExitError(ExitCommandError, "missing credentials", err)
	}

	client, err := matrix.Connect(ctx, matrix.Options{
		Homeserver: s.cfg.Homeserver,
		User:       s.cfg.User,
		Password:   s.cfg.Password,
		Token:      s.cfg.Token,
		DeviceName: s.cfg.DeviceName,
	}, s.log)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to connect to homeserver", err)
	}
	s.client = client
	s.closers = append(s.closers, client.Close)

	switch s.cfg.Lease.Backend {
	case "redis":
		locker, err := redis.Open(ctx, s.cfg.Lease.RedisURL,
			redis.WithTTL(s.cfg.Lease.TTL),
			redis.WithLogger(s.log),
		)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open lease backend", err)
		}
		s.locker = locker
		s.closers = append(s.closers, func(context.Context) error { return locker.Close() })
	default:
		s.locker = lease.NewLocal()
	}
	return nil
}

// passOptions adjusts an archival pass from command flags.
type passOptions struct {
	SkipMedia bool
	MaxPages  int
	Rooms     []string
}

// orchestrator wires the synchronizers for one or more archival passes.
func (s *session) orchestrator(p passOptions, options ...archiver.OrchestratorOption) *archiver.Orchestrator {
	maxPages := s.cfg.MaxPagesPerRun
	if p.MaxPages > 0 {
		maxPages = p.MaxPages
	}
	include := s.cfg.Rooms.Include
	if len(p.Rooms) > 0 {
		include = p.Rooms
	}

	history := archiver.NewHistorySynchronizer(s.client, s.store,
		archiver.WithPageSize(s.cfg.PageSize),
		archiver.WithMaxPagesPerRun(maxPages),
		archiver.WithHistoryLogger(s.log),
	)
	roster := archiver.NewRosterSynchronizer(s.client, s.store, s.log)
	media := s.materializer()

	options = append([]archiver.OrchestratorOption{
		archiver.WithLocker(s.locker),
		archiver.WithLogger(s.log),
	}, options...)

	return archiver.NewOrchestrator(s.client, s.store, history, roster, media, archiver.Options{
		Account:              s.client.UserID(),
		Concurrency:          s.cfg.Concurrency,
		Include:              include,
		Exclude:              s.cfg.Rooms.Exclude,
		CorrespondentDevices: s.cfg.CorrespondentDevices,
		SkipMedia:            s.cfg.Media.Skip || p.SkipMedia,
	}, options...)
}

func (s *session) materializer() *archiver.MediaMaterializer {
	return archiver.NewMediaMaterializer(s.client, s.store, s.blobs,
		archiver.WithMaxMediaSize(s.cfg.Media.MaxSize),
		archiver.WithMediaLogger(s.log),
	)
}

// Close releases resources in reverse order of opening.
func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
