package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForWaiters(t *testing.T, g *gate, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, waiting := g.stats()
		return waiting == n
	}, time.Second, time.Millisecond)
}

func TestGate_ReservesSlotsForInteractive(t *testing.T) {
	g := newGate(2, 1)
	ctx := context.Background()

	require.NoError(t, g.acquire(ctx, PriorityBulk))

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.acquire(blocked, PriorityBulk), context.DeadlineExceeded)

	require.NoError(t, g.acquire(ctx, PriorityInteractive))
	inFlight, waiting := g.stats()
	assert.Equal(t, 2, inFlight)
	assert.Zero(t, waiting)
}

func TestGate_InteractiveWaitersServedFirst(t *testing.T) {
	g := newGate(1, 0)
	ctx := context.Background()
	require.NoError(t, g.acquire(ctx, PriorityBulk))

	order := make(chan Priority, 2)
	go func() {
		if g.acquire(ctx, PriorityBulk) == nil {
			order <- PriorityBulk
			g.release()
		}
	}()
	waitForWaiters(t, g, 1)
	go func() {
		if g.acquire(ctx, PriorityInteractive) == nil {
			order <- PriorityInteractive
			g.release()
		}
	}()
	waitForWaiters(t, g, 2)

	g.release()
	assert.Equal(t, PriorityInteractive, <-order)
	assert.Equal(t, PriorityBulk, <-order)
}

func TestGate_CancelledWaiterLeavesNoSlot(t *testing.T) {
	g := newGate(1, 0)
	require.NoError(t, g.acquire(context.Background(), PriorityBulk))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- g.acquire(ctx, PriorityInteractive) }()
	waitForWaiters(t, g, 1)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	g.release()
	inFlight, waiting := g.stats()
	assert.Zero(t, inFlight)
	assert.Zero(t, waiting)
	require.NoError(t, g.acquire(context.Background(), PriorityBulk))
}

func TestNewGate_ClampsReservation(t *testing.T) {
	g := newGate(2, 5)
	assert.Equal(t, 1, g.limit(PriorityBulk))
	assert.Equal(t, 2, g.limit(PriorityInteractive))
}
