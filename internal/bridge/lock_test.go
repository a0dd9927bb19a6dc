package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLock(t *testing.T) {
	l := NewSessionLock()
	require.NoError(t, l.Lock(context.Background()))
	assert.False(t, l.tryLock())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Lock(ctx), context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		_ = l.Lock(context.Background())
		close(acquired)
	}()
	l.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not handed the lock")
	}
	l.Unlock()
	assert.True(t, l.tryLock())
	l.Unlock()
}

func TestSessionLock_WaitersServedInOrder(t *testing.T) {
	l := NewSessionLock()
	require.NoError(t, l.Lock(context.Background()))

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		queued := make(chan struct{})
		go func(i int) {
			close(queued)
			_ = l.Lock(context.Background())
			order <- i
			l.Unlock()
		}(i)
		<-queued
		// Give the goroutine time to park inside Lock before queuing the next.
		time.Sleep(10 * time.Millisecond)
	}

	l.Unlock()
	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("waiters stalled")
		}
	}
}

func TestSessionLock_UnlockUnlockedPanics(t *testing.T) {
	assert.Panics(t, func() { NewSessionLock().Unlock() })
}
