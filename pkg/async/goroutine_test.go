package async

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placefolio/placefolio/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, os.Stderr)
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo(context.Background(), testLogger(), time.Second, "panicky", func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	// Reaching here without the test process dying is the assertion.
}

func TestSafeGo_DetachedFromCallerCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	ran := make(chan error, 1)
	SafeGo(parent, testLogger(), time.Second, "detached", func(ctx context.Context) error {
		ran <- ctx.Err()
		return nil
	})

	select {
	case err := <-ran:
		assert.NoError(t, err, "task context must survive the caller's cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), testLogger(), 4, "test", time.Second)

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			defer wg.Done()
			count.Add(1)
			return nil
		}))
	}
	wg.Wait()
	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int64(20), count.Load())
}

func TestWorkerPool_SurvivesPanickingTask(t *testing.T) {
	pool := NewWorkerPool(context.Background(), testLogger(), 1, "test", time.Second)

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		panic("boom")
	}))

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died with the panicking task")
	}
	require.NoError(t, pool.Shutdown(time.Second))
}

func TestWorkerPool_ShutdownDrains(t *testing.T) {
	pool := NewWorkerPool(context.Background(), testLogger(), 2, "test", time.Second)

	var count atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	require.NoError(t, pool.Shutdown(2*time.Second))
	assert.Equal(t, int64(10), count.Load(), "queued tasks run before shutdown completes")

	err := pool.Submit(func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestWorkerPool_SubmitDuringShutdownReportsError(t *testing.T) {
	pool := NewWorkerPool(context.Background(), testLogger(), 1, "test", time.Minute)

	// Pin the only worker so shutdown times out with the queue closed
	// but the workers still running.
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	err := pool.Shutdown(10 * time.Millisecond)
	require.Error(t, err)

	// The closed queue must surface as an error, never as a silently
	// dropped task.
	err = pool.Submit(func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}
