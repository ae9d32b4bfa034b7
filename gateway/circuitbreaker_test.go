package gateway

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_AllowsConcurrentCalls(t *testing.T) {
	b := newBreaker(5, time.Second)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.execute(func() error {
				entered <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	// Both calls must be in flight at once; a breaker that holds its
	// lock across the call would admit only one.
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(time.Second):
			t.Fatal("second call blocked behind the first")
		}
	}
	close(release)
	wg.Wait()
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := newBreaker(3, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.execute(func() error { return boom }), boom)
	}
	assert.ErrorIs(t, b.execute(func() error { return nil }), ErrCircuitOpen)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	b := newBreaker(1, 10*time.Millisecond)

	require.Error(t, b.execute(func() error { return errors.New("boom") }))
	require.ErrorIs(t, b.execute(func() error { return nil }), ErrCircuitOpen)

	time.Sleep(20 * time.Millisecond)

	// One success in half-open closes the breaker again.
	require.NoError(t, b.execute(func() error { return nil }))
	assert.NoError(t, b.execute(func() error { return nil }))
}
