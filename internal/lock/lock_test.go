package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease_Scenario(t *testing.T) {
	r := New(nil)

	assert.True(t, r.Acquire("proj1", "task-5"))
	assert.False(t, r.Acquire("proj1", "task-9"))
	assert.False(t, r.Release("proj1", "task-9"))
	assert.True(t, r.Release("proj1", "task-5"))
	assert.True(t, r.Acquire("proj1", "task-9"))
}

func TestRelease_WrongHolderKeepsLock(t *testing.T) {
	r := New(nil)
	require.True(t, r.Acquire("K", "A"))

	assert.False(t, r.Release("K", "B"))

	e, ok := r.Holder("K")
	require.True(t, ok)
	assert.Equal(t, "A", e.Holder)
}

func TestRelease_Absent(t *testing.T) {
	r := New(nil)
	assert.False(t, r.Release("nope", "A"))
}

func TestKeysAreIndependent(t *testing.T) {
	r := New(nil)
	assert.True(t, r.Acquire("p1", "a"))
	assert.True(t, r.Acquire("p2", "a"))
	assert.Len(t, r.List(), 2)
	assert.Equal(t, "p1", r.List()[0].Key)
}

func TestAcquire_ConcurrentMutualExclusion(t *testing.T) {
	r := New(nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if r.Acquire("K", string(rune('a'+id%26))+time.Now().String()) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestSweep_RemovesOnlyStale(t *testing.T) {
	r := New(nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	require.True(t, r.Acquire("old", "a"))
	now = now.Add(90 * time.Minute)
	require.True(t, r.Acquire("fresh", "b"))

	removed := r.Sweep(time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := r.Holder("old")
	assert.False(t, ok)
	_, ok = r.Holder("fresh")
	assert.True(t, ok)

	// Reclaimed key is available again.
	assert.True(t, r.Acquire("old", "c"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := New(nil)
	now := time.Now()
	r.now = func() time.Time { return now }
	require.True(t, r.Acquire("K", "A"))
	now = now.Add(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond, time.Hour)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, ok := r.Holder("K")
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
