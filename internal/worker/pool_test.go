package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPool_RunsTasks(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var count atomic.Int32
	for i := 0; i < 50; i++ {
		assert.True(t, p.Submit("count", func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	p.Wait()

	assert.Equal(t, int32(50), count.Load())
	assert.Equal(t, int64(0), p.Failed())
}

// Why: a failing or panicking task must be logged, not crash or block the pool
func TestPool_IsolatesFailures(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	p.Submit("fails", func(ctx context.Context) error { return errors.New("boom") })
	p.Submit("panics", func(ctx context.Context) error { panic("kaboom") })

	var ran atomic.Bool
	p.Submit("after", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	p.Wait()

	assert.True(t, ran.Load())
	assert.Equal(t, int64(2), p.Failed())
}

func TestPool_CloseCancelsAndRejects(t *testing.T) {
	p := NewPool(1)

	started := make(chan struct{})
	p.Submit("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	p.Close()
	assert.False(t, p.Submit("late", func(ctx context.Context) error { return nil }))

	// Close is idempotent
	p.Close()
}

// Why: callers submit while holding their own locks, so a full pool must
// queue the work instead of making them wait for a free worker
func TestPool_SubmitNeverBlocksAtLimit(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit("hold", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var count atomic.Int32
	submitted := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.Submit("queued", func(ctx context.Context) error {
				count.Add(1)
				return nil
			})
		}
		close(submitted)
	}()

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked while the only worker was busy")
	}
	assert.Equal(t, 10, p.Pending())

	close(release)
	p.Wait()
	assert.Equal(t, int32(10), count.Load())
	assert.Equal(t, 0, p.Pending())
}

// Test: A queued task needs a lock that the busy worker is waiting on
// Why: The submitter holds the lock while submitting; nothing may deadlock
func TestPool_SubmitUnderLockDoesNotDeadlock(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	var mu sync.Mutex
	inWorker := make(chan struct{})
	p.Submit("needs-lock", func(ctx context.Context) error {
		close(inWorker)
		mu.Lock()
		defer mu.Unlock()
		return nil
	})

	mu.Lock()
	<-inWorker
	var ran atomic.Bool
	p.Submit("under-lock", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	mu.Unlock()

	p.Wait()
	assert.True(t, ran.Load())
}

// Why: Shutdown lets queued work finish before the database behind it closes
func TestPool_ShutdownDrainsQueue(t *testing.T) {
	p := NewPool(1)

	var count atomic.Int32
	for i := 0; i < 20; i++ {
		p.Submit("drain", func(ctx context.Context) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			count.Add(1)
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, int32(20), count.Load())
	assert.Equal(t, int64(0), p.Failed())

	assert.False(t, p.Submit("late", func(ctx context.Context) error { return nil }))
	assert.NoError(t, p.Shutdown(ctx), "second shutdown is a no-op")
}

func TestPool_ShutdownDeadlineCancelsTasks(t *testing.T) {
	p := NewPool(1)

	p.Submit("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
}

// Why: Submit racing Close must either run the task or refuse it, never
// start a worker after Close has begun waiting
func TestPool_SubmitRacingClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		p := NewPool(2)

		var accepted, ran atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if p.Submit("race", func(ctx context.Context) error {
					ran.Add(1)
					return nil
				}) {
					accepted.Add(1)
				}
			}()
		}
		p.Close()
		wg.Wait()

		assert.Equal(t, accepted.Load(), ran.Load())
	}
}
