package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_Steps(t *testing.T) {
	c := NewClock(Epoch, time.Second)
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch.Add(time.Second), c.Now())

	c.Reset()
	assert.Equal(t, Epoch, c.Now())
}

func TestClock_Concurrent(t *testing.T) {
	c := NewClock(Epoch, time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Now()
		}()
	}
	wg.Wait()
	assert.Equal(t, Epoch.Add(50*time.Millisecond), c.Now())
}

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("")
	assert.Equal(t, "run-0001", g.Generate())
	assert.Equal(t, "run-0002", g.Generate())
	assert.Equal(t, "scn-0001", NewSequentialIDs("scn").Generate())
}
