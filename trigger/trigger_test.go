package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/taskrelay/logging"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	loc, err := time.LoadLocation("UTC")
	require.NoError(t, err)
	return New(loc, logging.NewDefault())
}

func TestAddRejectsInvalidCron(t *testing.T) {
	e := newTestEngine(t)
	err := e.Add("j1", "j1", "not a cron", func(ctx context.Context, id, name string) {})
	assert.Error(t, err)
}

func TestAddAndRemove(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Add("j1", "j1", "* * * * *", func(ctx context.Context, id, name string) {}))
	assert.True(t, e.Has("j1"))
	assert.Equal(t, 1, e.Count())

	e.Remove("j1")
	assert.False(t, e.Has("j1"))
	assert.Equal(t, 0, e.Count())
}

func TestCountExcludesReservedID(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Add(ReservedJobID, "maintenance", "0 9 * * mon", func(ctx context.Context, id, name string) {}))
	require.NoError(t, e.Add("j1", "j1", "* * * * *", func(ctx context.Context, id, name string) {}))
	assert.Equal(t, 1, e.Count())
}

func TestFireRespectsMaxInstances(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Add("j1", "j1", "* * * * *", func(ctx context.Context, id, name string) {}))

	var running int32
	var maxSeen int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	cb := func(ctx context.Context, id, name string) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
	}

	// Fire the job MaxInstances+2 times concurrently; only MaxInstances should run.
	for i := 0; i < MaxInstances+2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.fire("j1", "j1", cb)
		}()
	}

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(MaxInstances))
	close(release)
	wg.Wait()
}
