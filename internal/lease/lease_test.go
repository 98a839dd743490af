package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	acquired atomic.Int32
	released atomic.Int32
	failNext atomic.Bool
}

func (c *counter) lease(idle time.Duration) *Lease {
	return New(idle,
		func(ctx context.Context) error {
			if c.failNext.Swap(false) {
				return errors.New("busy")
			}
			c.acquired.Add(1)
			return nil
		},
		func() error {
			c.released.Add(1)
			return nil
		})
}

func TestReleasedAfterIdle(t *testing.T) {
	var c counter
	l := c.lease(20 * time.Millisecond)
	defer l.Close()

	require.NoError(t, l.Begin(context.Background()))
	l.End()

	assert.Eventually(t, func() bool { return !l.Held() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), c.released.Load())

	// next use reacquires transparently
	require.NoError(t, l.Begin(context.Background()))
	assert.True(t, l.Held())
	assert.Equal(t, int32(1), c.acquired.Load())
	l.End()

	suspends, resumes := l.Counts()
	assert.Equal(t, 1, suspends)
	assert.Equal(t, 1, resumes)
}

func TestNoReleaseWhileActive(t *testing.T) {
	var c counter
	l := c.lease(10 * time.Millisecond)
	defer l.Close()

	require.NoError(t, l.Begin(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, l.Held(), "released during an in-flight operation")
	assert.Equal(t, int32(0), c.released.Load())
	l.End()
}

func TestActivityPostponesRelease(t *testing.T) {
	var c counter
	l := c.lease(40 * time.Millisecond)
	defer l.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Begin(context.Background()))
		l.End()
		time.Sleep(15 * time.Millisecond)
	}
	assert.True(t, l.Held())
	assert.Equal(t, int32(0), c.released.Load())
}

func TestAcquireFailureSurfaces(t *testing.T) {
	var c counter
	l := c.lease(5 * time.Millisecond)
	defer l.Close()

	l.Arm()
	require.Eventually(t, func() bool { return !l.Held() }, time.Second, time.Millisecond)

	c.failNext.Store(true)
	assert.Error(t, l.Begin(context.Background()))
	assert.False(t, l.Held())

	require.NoError(t, l.Begin(context.Background()))
	l.End()
}

func TestClose(t *testing.T) {
	var c counter
	l := c.lease(time.Hour)
	require.NoError(t, l.Close())
	assert.Equal(t, int32(1), c.released.Load())
	assert.ErrorIs(t, l.Begin(context.Background()), ErrClosed)
	assert.NoError(t, l.Close())
}
