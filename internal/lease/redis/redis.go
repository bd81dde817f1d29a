// Package redis grants room leases through a shared Redis server, so several
// archiver processes can share one archive.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/roach88/mxarchive/internal/lease"
)

const (
	defaultTTL    = 5 * time.Minute
	defaultPrefix = "mxarchive:lease:"
)

// Deletes the key only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Extends the key only while it still holds our token.
var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker grants leases with SET NX PX and keeps them alive until released.
type Locker struct {
	client *goredis.Client
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets the lease expiry. Held leases are refreshed every ttl/3.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Locker) {
		l.log = log
	}
}

// Open connects to the Redis server at redisURL.
func Open(ctx context.Context, redisURL string, opts ...Option) (*Locker, error) {
	o, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis lease: invalid URL: %w", err)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis lease: ping failed: %w", err)
	}
	return New(client, opts...), nil
}

// New creates a Locker on an existing client.
func New(client *goredis.Client, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lease for key or returns lease.ErrHeld.
//
// While held, the lease is refreshed in the background. If a refresh finds
// the key no longer holds our token, the returned context is cancelled with
// cause lease.ErrLost. The release func stops the refresh and deletes the key
// if it is still ours; it is idempotent.
func (l *Locker) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	k := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis lease %s: %w", key, err)
	}
	if !ok {
		return nil, nil, lease.ErrHeld
	}

	leased, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(k, token, cancel, stop, done)

	var once sync.Once
	return leased, func() {
		once.Do(func() {
			close(stop)
			<-done
			cancel(context.Canceled)
			ctx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelRelease()
			if err := releaseScript.Run(ctx, l.client, []string{k}, token).Err(); err != nil {
				l.log.Warn("lease release failed", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *Locker) keepAlive(key, token string, lost context.CancelCauseFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.log.Warn("lease refresh failed", "key", key, "error", err)
				continue
			}
			if n == 0 {
				l.log.Warn("lease lost", "key", key)
				lost(lease.ErrLost)
				return
			}
		}
	}
}

// Close closes the Redis client.
func (l *Locker) Close() error {
	return l.client.Close()
}
