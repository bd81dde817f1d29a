// Package lease grants exclusive, named leases so that no two workers
// synchronize the same room at once.
package lease

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrHeld is returned when the lease is held by someone else.
	ErrHeld = errors.New("lease held")

	// ErrLost is the cause of a lease context cancelled because the lease
	// expired or was taken over while held.
	ErrLost = errors.New("lease lost")
)

// Local grants leases within one process.
//
// Thread-safety: Local is safe for concurrent use.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocal creates an in-process lease table.
func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

// Acquire takes the lease for key or returns ErrHeld immediately.
//
// The returned context is derived from ctx and is cancelled on release. The
// release func is idempotent.
func (l *Local) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, nil, ErrHeld
	}
	l.held[key] = true

	leased, cancel := context.WithCancel(ctx)
	var once sync.Once
	return leased, func() {
		once.Do(func() {
			cancel()
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently leased.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}
