package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := New(2, 4)
	var count int64
	for i := 0; i < 10; i++ {
		ok := p.Submit(context.Background(), func(context.Context) {
			atomic.AddInt64(&count, 1)
		})
		require.True(t, ok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.EqualValues(t, 10, atomic.LoadInt64(&count))
}

func TestPoolShutdownDrainsQueue(t *testing.T) {
	p := New(1, 8)
	var done int32
	for i := 0; i < 5; i++ {
		p.Submit(context.Background(), func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&done, 1)
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.EqualValues(t, 5, atomic.LoadInt32(&done))
}

func TestPoolSubmitAfterShutdownFails(t *testing.T) {
	p := New(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	ok := p.Submit(context.Background(), func(context.Context) {})
	require.False(t, ok)
}
