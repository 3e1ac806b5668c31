package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionReleasesAllWaiters(t *testing.T) {
	c := NewCompletion()
	conn := &Connection{VerkeyB58: "fake"}

	const waiters = 8
	results := make([]*Connection, waiters)
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			got, err := c.Wait(ctx)
			require.NoError(t, err)
			results[i] = got
		}(i)
	}

	assert.False(t, c.IsDone())
	c.Fulfill(conn)
	assert.True(t, c.IsDone())

	wg.Wait()
	for _, r := range results {
		assert.Same(t, conn, r)
	}
}

func TestCompletionWaitTimesOut(t *testing.T) {
	c := NewCompletion()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	assert.Error(t, err)
}

func TestCompletionSecondFulfillPanics(t *testing.T) {
	c := NewCompletion()
	first := &Connection{VerkeyB58: "first"}
	second := &Connection{VerkeyB58: "second"}

	c.Fulfill(first)
	assert.Panics(t, func() { c.Fulfill(second) })

	got, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, got, "the panicking second call must not have clobbered the first result")
}
