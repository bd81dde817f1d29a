package lease

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_AcquireRelease(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	leased, release, err := l.Acquire(ctx, "room:!a")
	require.NoError(t, err)
	assert.True(t, l.Held("room:!a"))
	assert.NoError(t, leased.Err())

	_, _, err = l.Acquire(ctx, "room:!a")
	assert.True(t, errors.Is(err, ErrHeld))

	// Different keys are independent.
	_, other, err := l.Acquire(ctx, "room:!b")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.False(t, l.Held("room:!a"))
	assert.ErrorIs(t, leased.Err(), context.Canceled, "release ends the lease context")

	_, release, err = l.Acquire(ctx, "room:!a")
	require.NoError(t, err)
	release()
}

func TestLocal_CancelledContext(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := l.Acquire(ctx, "room:!a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocal_ExactlyOneWinner(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := l.Acquire(ctx, "room:!hot"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
