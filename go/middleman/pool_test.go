package middleman

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	protocol "github.com/golemfactory/concent/go/protocols/middleman"
)

func errorItem(id uint64) ResponseQueueItem {
	return ResponseQueueItem{
		Frame:      &protocol.ErrorFrame{ID: id, Code: protocol.CodeUnknown, Message: "x"},
		EnqueuedAt: time.Now(),
	}
}

func TestQueuePoolRegisterIsIdempotent(t *testing.T) {
	var pool = NewQueuePool(4)

	var q1 = pool.Register(7)
	var q2 = pool.Register(7)
	require.Same(t, q1, q2)
	require.True(t, pool.Contains(7))
	require.Equal(t, 1, pool.Len())
}

func TestQueuePoolRegisterNewRefusesLiveID(t *testing.T) {
	var pool = NewQueuePool(4)

	var q, created = pool.RegisterNew(7)
	require.True(t, created)
	require.NotNil(t, q)

	dup, created := pool.RegisterNew(7)
	require.False(t, created)
	require.Nil(t, dup)

	pool.Unregister(7)
	fresh, created := pool.RegisterNew(7)
	require.True(t, created)
	require.NotSame(t, q, fresh)
}

func TestQueuePoolUnregisterReleasesBlockedReader(t *testing.T) {
	var pool = NewQueuePool(4)
	var q = pool.Register(3)

	var done = make(chan bool, 1)
	go func() {
		var _, ok = q.Pop(context.Background())
		done <- ok
	}()

	pool.Unregister(3)
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked reader was not released")
	}
	require.False(t, pool.Contains(3))
}

func TestResponseQueueDrainsAfterClose(t *testing.T) {
	var pool = NewQueuePool(4)
	var q = pool.Register(1)

	require.True(t, q.Push(errorItem(10)))
	require.True(t, q.Push(errorItem(11)))
	pool.Unregister(1)

	// Items enqueued before close are still drained.
	var item, ok = q.Pop(context.Background())
	require.True(t, ok)
	require.Equal(t, uint64(10), item.Frame.RequestID())

	item, ok = q.Pop(context.Background())
	require.True(t, ok)
	require.Equal(t, uint64(11), item.Frame.RequestID())

	_, ok = q.Pop(context.Background())
	require.False(t, ok)

	// Pushes after close are refused.
	require.False(t, q.Push(errorItem(12)))
}

func TestResponseQueueCloseReleasesBlockedWriter(t *testing.T) {
	var pool = NewQueuePool(1)
	var q = pool.Register(2)
	require.True(t, q.Push(errorItem(1)))

	var done = make(chan bool, 1)
	go func() {
		// Queue is full: this Push blocks until close.
		done <- q.Push(errorItem(2))
	}()

	pool.Unregister(2)
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked writer was not released")
	}
}

func TestResponseQueuePopHonorsContext(t *testing.T) {
	var pool = NewQueuePool(4)
	var q = pool.Register(9)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	var _, ok = q.Pop(ctx)
	require.False(t, ok)
}
