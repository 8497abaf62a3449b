package training

import (
	"context"
	"fmt"
	"sync"
)

type prefetched struct {
	batch *Batch
	err   error
}

// PrefetchLoader reads batches from an inner Loader on a background goroutine so the next
// batches are ready while the current one is trained on. Reset starts a new pass; Close
// stops the producer and must be called when the loader is no longer used.
type PrefetchLoader struct {
	inner         Loader
	prefetchDepth int

	mu      sync.Mutex
	batches chan prefetched
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

var _ Loader = (*PrefetchLoader)(nil)

// NewPrefetchLoader wraps inner, keeping up to depth batches ready (default 2).
func NewPrefetchLoader(inner Loader, depth int) (*PrefetchLoader, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner loader cannot be nil")
	}
	if depth <= 0 {
		depth = 2
	}
	return &PrefetchLoader{inner: inner, prefetchDepth: depth}, nil
}

func (pl *PrefetchLoader) Len() int { return pl.inner.Len() }

// Reset stops any pass in flight, resets the inner loader and starts prefetching.
func (pl *PrefetchLoader) Reset() {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.closed {
		return
	}
	pl.stopLocked()
	pl.inner.Reset()
	pl.startLocked()
}

func (pl *PrefetchLoader) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	batches := make(chan prefetched, pl.prefetchDepth)
	done := make(chan struct{})
	pl.batches, pl.cancel, pl.done = batches, cancel, done

	go func() {
		defer close(done)
		defer close(batches)
		for {
			b, err := pl.inner.Next(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case batches <- prefetched{batch: b, err: err}:
			case <-ctx.Done():
				return
			}
			if b == nil || err != nil {
				return
			}
		}
	}()
}

func (pl *PrefetchLoader) stopLocked() {
	if pl.cancel == nil {
		return
	}
	pl.cancel()
	<-pl.done
	pl.batches, pl.cancel, pl.done = nil, nil, nil
}

// Next returns the next prefetched batch, or nil at the end of the pass.
func (pl *PrefetchLoader) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return nil, fmt.Errorf("prefetch loader is closed")
	}
	if pl.batches == nil {
		pl.startLocked()
	}
	batches := pl.batches
	pl.mu.Unlock()

	select {
	case r, ok := <-batches:
		if !ok {
			return nil, nil
		}
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the background producer. It is safe to call more than once.
func (pl *PrefetchLoader) Close() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.stopLocked()
	pl.closed = true
	return nil
}
