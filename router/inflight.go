package router

import (
	"context"
	"sync"
)

type inflightKey struct {
	conn string
	id   string
}

// inflight tracks tools/call requests so notifications/cancelled can
// cancel their context.
type inflight struct {
	mu       sync.Mutex
	requests map[inflightKey]context.CancelFunc
}

func newInflight() *inflight {
	return &inflight{requests: make(map[inflightKey]context.CancelFunc)}
}

// track returns a cancellable context for the request and a func that
// stops tracking it.
func (f *inflight) track(ctx context.Context, conn, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	key := inflightKey{conn, id}

	f.mu.Lock()
	f.requests[key] = cancel
	f.mu.Unlock()

	return ctx, func() {
		cancel()
		f.mu.Lock()
		delete(f.requests, key)
		f.mu.Unlock()
	}
}

func (f *inflight) cancel(conn, id string) bool {
	f.mu.Lock()
	cancel, ok := f.requests[inflightKey{conn, id}]
	delete(f.requests, inflightKey{conn, id})
	f.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

func (f *inflight) cancelConnection(conn string) int {
	f.mu.Lock()
	var cancels []context.CancelFunc
	for key, cancel := range f.requests {
		if key.conn == conn {
			cancels = append(cancels, cancel)
			delete(f.requests, key)
		}
	}
	f.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}
