package embedding

import (
	"context"
	"sync"
)

// gate caps concurrent provider calls. Part of the capacity is reserved for
// interactive callers, and waiting interactive callers are always admitted
// before waiting bulk callers.
type gate struct {
	mu       sync.Mutex
	capacity int
	reserved int
	inFlight int

	interactive []*waiter
	bulk        []*waiter
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

func newGate(capacity, reserved int) *gate {
	if capacity < 1 {
		capacity = 1
	}
	if reserved < 0 {
		reserved = 0
	}
	if reserved >= capacity {
		reserved = capacity - 1
	}
	return &gate{capacity: capacity, reserved: reserved}
}

func (g *gate) limit(p Priority) int {
	if p == PriorityInteractive {
		return g.capacity
	}
	return g.capacity - g.reserved
}

// acquire blocks until a slot is available for p or ctx is done.
func (g *gate) acquire(ctx context.Context, p Priority) error {
	g.mu.Lock()
	queued := len(g.interactive) > 0
	if p == PriorityBulk {
		queued = queued || len(g.bulk) > 0
	}
	if !queued && g.inFlight < g.limit(p) {
		g.inFlight++
		g.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	if p == PriorityInteractive {
		g.interactive = append(g.interactive, w)
	} else {
		g.bulk = append(g.bulk, w)
	}
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		switch {
		case w.granted:
			// Granted concurrently with cancellation: hand the slot back.
			g.inFlight--
		case p == PriorityInteractive:
			g.interactive = removeWaiter(g.interactive, w)
		default:
			g.bulk = removeWaiter(g.bulk, w)
		}
		g.dispatch()
		g.mu.Unlock()
		return ctx.Err()
	}
}

// release returns a slot obtained by acquire.
func (g *gate) release() {
	g.mu.Lock()
	g.inFlight--
	g.dispatch()
	g.mu.Unlock()
}

// dispatch admits waiters in priority order. Callers hold g.mu.
func (g *gate) dispatch() {
	for len(g.interactive) > 0 && g.inFlight < g.capacity {
		g.grant(g.interactive[0])
		g.interactive = g.interactive[1:]
	}
	if len(g.interactive) > 0 {
		return
	}
	for len(g.bulk) > 0 && g.inFlight < g.capacity-g.reserved {
		g.grant(g.bulk[0])
		g.bulk = g.bulk[1:]
	}
}

func (g *gate) grant(w *waiter) {
	g.inFlight++
	w.granted = true
	close(w.ready)
}

func (g *gate) stats() (inFlight, waiting int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight, len(g.interactive) + len(g.bulk)
}

func removeWaiter(ws []*waiter, w *waiter) []*waiter {
	for i, x := range ws {
		if x == w {
			return append(ws[:i], ws[i+1:]...)
		}
	}
	return ws
}
