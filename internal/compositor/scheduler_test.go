package compositor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_CoalescesAndThrottles(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var posts atomic.Int32
	s := NewScheduler(clock, 16*time.Millisecond, func() { posts.Add(1) })

	s.Request()
	s.Request()
	require.Equal(t, int32(1), posts.Load())

	s.Begin()
	s.Request()
	s.Request()
	s.Request()
	assert.Equal(t, int32(1), posts.Load())
	assert.True(t, s.Pending())

	clock.Advance(15 * time.Millisecond)
	assert.Never(t, func() bool { return posts.Load() > 1 }, 30*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return posts.Load() == 2 }, time.Second, 5*time.Millisecond)

	s.Begin()
	clock.Advance(time.Second)
	s.Request()
	assert.Equal(t, int32(3), posts.Load())
}

func TestScheduler_StopCancelsDeferredDraw(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var posts atomic.Int32
	s := NewScheduler(clock, 16*time.Millisecond, func() { posts.Add(1) })
	s.Request()
	s.Begin()
	s.Request()

	s.Stop()
	clock.Advance(time.Second)

	assert.Never(t, func() bool { return posts.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}
