package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(size, overflow int, strategy Strategy) (*Pool, *int32) {
	var counter int32
	p := New(Config{
		Size:        size,
		MaxOverflow: overflow,
		Strategy:    strategy,
		CreateFn: func(ctx context.Context) (interface{}, error) {
			n := atomic.AddInt32(&counter, 1)
			return fmt.Sprintf("conn-%d", n), nil
		},
		ValidateFn: func(interface{}) bool { return true },
	})
	return p, &counter
}

func TestCheckoutCreatesUpToSize(t *testing.T) {
	p, _ := newTestPool(2, 0, FIFO)

	c1, err := p.Checkout(context.Background())
	require.NoError(t, err)
	c2, err := p.Checkout(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, c1.Handle, c2.Handle)
	assert.False(t, c1.IsOverflow)
	assert.False(t, c2.IsOverflow)
}

func TestCheckoutBlocksThenTimesOutAtCapacity(t *testing.T) {
	p, _ := newTestPool(1, 0, FIFO)

	_, err := p.Checkout(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(ctx)
	assert.Error(t, err)
}

func TestCheckoutUsesOverflowWithinLimit(t *testing.T) {
	p, _ := newTestPool(1, 1, FIFO)

	_, err := p.Checkout(context.Background())
	require.NoError(t, err)
	overflowConn, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.True(t, overflowConn.IsOverflow)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(ctx)
	assert.Error(t, err)
}

func TestCheckinDestroysOverflowConnections(t *testing.T) {
	p, _ := newTestPool(1, 1, FIFO)
	destroyed := 0
	p.cfg.DestroyFn = func(interface{}) { destroyed++ }

	regular, _ := p.Checkout(context.Background())
	overflow, _ := p.Checkout(context.Background())

	p.Checkin(overflow)
	assert.Equal(t, 1, destroyed)

	p.Checkin(regular)
	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Available)
}

func TestCheckinHandsToWaiterDirectly(t *testing.T) {
	p, _ := newTestPool(1, 0, FIFO)
	conn, _ := p.Checkout(context.Background())

	done := make(chan *Conn, 1)
	go func() {
		c, err := p.Checkout(context.Background())
		require.NoError(t, err)
		done <- c
	}()

	time.Sleep(20 * time.Millisecond)
	p.Checkin(conn)

	select {
	case got := <-done:
		assert.Equal(t, conn.Handle, got.Handle)
	case <-time.After(time.Second):
		t.Fatal("waiter never received connection")
	}
}

func TestInvariantInUsePlusAvailableNeverExceedsCapacity(t *testing.T) {
	p, _ := newTestPool(3, 2, LIFO)
	var conns []*Conn
	for i := 0; i < 5; i++ {
		c, err := p.Checkout(context.Background())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Checkin(c)
	}
	stats := p.Stats()
	assert.LessOrEqual(t, stats.InUse+stats.Available, 3+2)
}

func TestStopDestroysAvailableAndRejectsWaiters(t *testing.T) {
	p, _ := newTestPool(1, 0, FIFO)
	conn, _ := p.Checkout(context.Background())
	p.Checkin(conn)

	p.Stop()

	_, err := p.Checkout(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRandomStrategyReturnsAllConnectionsEventually(t *testing.T) {
	p, _ := newTestPool(3, 0, Random)
	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, _ := p.Checkout(context.Background())
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Checkin(c)
	}

	seen := map[interface{}]bool{}
	for i := 0; i < 100; i++ {
		c, err := p.Checkout(context.Background())
		require.NoError(t, err)
		seen[c.Handle] = true
		p.Checkin(c)
	}
	assert.Len(t, seen, 3)
}
