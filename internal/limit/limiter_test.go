package limit

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"tunnelgateway/internal/config"
)

func TestLimiterBurstThenDeny(t *testing.T) {
	l := NewLimiter([]config.UserConfig{
		{Name: "alice", RateLimit: 0.001, Burst: 2},
		{Name: "bob"},
	})

	require.True(t, l.Allow("alice"))
	require.True(t, l.Allow("alice"))
	require.False(t, l.Allow("alice"))

	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("bob"))
		require.True(t, l.Allow(""))
		require.True(t, l.Allow("unknown"))
	}
}

func TestLimiterAnonymous(t *testing.T) {
	l := NewLimiter(nil)
	l.LimitAnonymous(0.001, 1)
	require.True(t, l.Allow(""))
	require.False(t, l.Allow(""))
	require.True(t, l.Allow("someone"))

	l.LimitAnonymous(0, 0)
	require.True(t, l.Allow(""))
}

func TestLimiterDefaultBurst(t *testing.T) {
	require.Equal(t, 3, newPolicy(2.5, 0).burst)
	require.Equal(t, 2, newPolicy(2, 0).burst)
	require.Equal(t, 1, newPolicy(0.2, 0).burst)
	require.Equal(t, 7, newPolicy(2, 7).burst)
}

func TestLimiterSharedBucketUnderConcurrency(t *testing.T) {
	l := NewLimiter([]config.UserConfig{{Name: "alice", RateLimit: 0.001, Burst: 5}})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("alice") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 5, allowed.Load())
}
