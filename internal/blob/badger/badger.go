// Package badger stores media blobs in an on-disk badger database.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/roach88/mxarchive/internal/blob"
)

const gcInterval = 5 * time.Minute

func init() {
	blob.Register(blob.Plugin{
		Name:   "badger",
		Loader: load,
	})
}

func load(ctx context.Context, cfg blob.Config, log *slog.Logger) (blob.Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("badger: path is required")
	}
	return Open(cfg.Path, log)
}

// Store is a blob.Store backed by badger. Values are the raw media bytes;
// content types live in the archive database.
type Store struct {
	db     *badger.DB
	log    *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// Open opens or creates the store in dir and starts value-log GC.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("badger: create data dir: %w", err)
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(logger{log}).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.Snappy)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", dir, err)
	}

	s := &Store{db: db, log: log, stop: make(chan struct{})}
	s.wg.Add(1)
	go s.gc()
	return s, nil
}

func (s *Store) gc() {
	defer s.wg.Done()
	t := time.NewTicker(gcInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.log.Warn("value log GC failed", "error", err)
				}
				break
			}
		case <-s.stop:
			return
		}
	}
}

// Put writes data under key.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("badger: put %s: %w", key, err)
	}
	return nil
}

// Get returns a copy of the blob, or blob.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger: get %s: %w", key, err)
	}
	return out, nil
}

// Exists reports whether key has a blob.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("badger: exists %s: %w", key, err)
	}
}

// Close stops GC and closes the database. Safe to call twice.
func (s *Store) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// logger adapts badger's printf-style logger to slog.
type logger struct {
	log *slog.Logger
}

func (l logger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l logger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l logger) Infof(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...), "component", "badger")
}

func (l logger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
