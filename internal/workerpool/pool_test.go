package workerpool_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/pairdb/tablet-node/internal/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RunsTask(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Name: "test", MaxWorkers: 2})
	defer pool.Stop(time.Second)

	var ran atomic.Bool
	require.NoError(t, pool.Submit(workerpool.Task{
		ID: "t1",
		Fn: func(ctx context.Context) error {
			ran.Store(true)
			return nil
		},
	}))

	pool.Wait()
	assert.True(t, ran.Load())
	assert.Equal(t, uint64(1), pool.Stats().CompletedTasks)
}

func TestWait_BlocksUntilIdle(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Name: "test", MaxWorkers: 4})
	defer pool.Stop(time.Second)

	var completed atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(workerpool.Task{
			ID: "t",
			Fn: func(ctx context.Context) error {
				time.Sleep(5 * time.Millisecond)
				completed.Add(1)
				return nil
			},
		}))
	}

	pool.Wait()
	assert.Equal(t, int32(20), completed.Load())
}

func TestSubmit_PanicRecovered(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Name: "test", MaxWorkers: 1})
	defer pool.Stop(time.Second)

	require.NoError(t, pool.Submit(workerpool.Task{
		ID: "boom",
		Fn: func(ctx context.Context) error {
			panic("kaboom")
		},
	}))

	pool.Wait()
	assert.Equal(t, uint64(1), pool.Stats().FailedTasks)
}

func TestSubmit_RejectedAfterStop(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Name: "test", MaxWorkers: 1})
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(workerpool.Task{ID: "late", Fn: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
}
