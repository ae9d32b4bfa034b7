package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	r := NewRegistry()

	release, err := r.Acquire(context.Background(), 1)
	require.NoError(t, err)
	release()

	release, err = r.Acquire(context.Background(), 1)
	require.NoError(t, err)
	release()
}

func TestSerializesSameKey(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			release, err := r.Acquire(context.Background(), 42)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			release()
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, 10)
}

func TestIndependentKeysDoNotBlock(t *testing.T) {
	r := NewRegistry()

	release1, err := r.Acquire(context.Background(), 1)
	require.NoError(t, err)
	defer release1()

	done := make(chan struct{})
	go func() {
		release2, err := r.Acquire(context.Background(), 2)
		assert.NoError(t, err)
		release2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lease on an unrelated key blocked")
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	r := NewRegistry()

	release, err := r.Acquire(context.Background(), 7)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = r.Acquire(ctx, 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	// The abandoned acquisition must not wedge the key.
	release2, err := r.Acquire(context.Background(), 7)
	require.NoError(t, err)
	release2()
}

func TestEntriesAreDropped(t *testing.T) {
	r := NewRegistry()

	release, err := r.Acquire(context.Background(), 9)
	require.NoError(t, err)
	release()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.entries)
}
