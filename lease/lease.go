// Package lease provides an in-process exclusive lease keyed by
// transaction id. The guard holds the lease for the duration of one
// report's check+write so that concurrent reports for the same
// transaction serialize without blocking unrelated transactions.
package lease

import (
	"context"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Registry hands out one exclusive lease per key. Entries are created on
// demand and dropped once the last holder releases, so the map stays
// proportional to the number of in-flight transactions.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[int]*entry{}}
}

// Acquire blocks until the lease for key is held or ctx is done. The
// returned release func must be called on every exit path; it is safe to
// call exactly once.
func (r *Registry) Acquire(ctx context.Context, key int) (func(), error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() {
			e.mu.Unlock()
			r.release(key, e)
		}, nil
	case <-ctx.Done():
		// The goroutine will still take the mutex; hand it straight back
		// and drop our reference once it does.
		go func() {
			<-acquired
			e.mu.Unlock()
			r.release(key, e)
		}()
		return nil, ctx.Err()
	}
}

func (r *Registry) release(key int, e *entry) {
	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}
