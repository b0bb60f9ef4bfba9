//go:build unit || !integration

package jobs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDomainLimiterCapsPerDomain(t *testing.T) {
	dl := NewDomainLimiter(DomainLimiterConfig{MaxActive: 3})

	assert.True(t, dl.TryAcquire("a.com"))
	assert.True(t, dl.TryAcquire("a.com"))
	assert.True(t, dl.TryAcquire("a.com"))
	assert.False(t, dl.TryAcquire("a.com"), "fourth acquire for the same domain must be refused")

	// Other domains are unaffected
	assert.True(t, dl.TryAcquire("b.com"))

	dl.Release("a.com")
	assert.True(t, dl.TryAcquire("a.com"), "a released slot becomes available again")
}

func TestDomainLimiterReleaseCleansUp(t *testing.T) {
	dl := NewDomainLimiter(DomainLimiterConfig{MaxActive: 2})

	assert.True(t, dl.TryAcquire("a.com"))
	assert.Equal(t, 1, dl.Active("a.com"))

	dl.Release("a.com")
	assert.Equal(t, 0, dl.Active("a.com"))

	// Releasing an idle domain must not underflow
	dl.Release("a.com")
	assert.Equal(t, 0, dl.Active("a.com"))
	assert.True(t, dl.TryAcquire("a.com"))
}

func TestDomainLimiterDefaults(t *testing.T) {
	dl := NewDomainLimiter(DomainLimiterConfig{})

	for i := 0; i < 3; i++ {
		assert.True(t, dl.TryAcquire("a.com"))
	}
	assert.False(t, dl.TryAcquire("a.com"))
}

func TestDomainLimiterConcurrentAccess(t *testing.T) {
	dl := NewDomainLimiter(DomainLimiterConfig{MaxActive: 3})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if dl.TryAcquire("a.com") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, granted, "exactly the limit may be granted under contention")
	assert.Equal(t, 3, dl.Active("a.com"))
}

func TestThrottleDelayStaysNearBase(t *testing.T) {
	dl := NewDomainLimiter(DomainLimiterConfig{
		ThrottleDelay:  2 * time.Second,
		ThrottleJitter: 500 * time.Millisecond,
	})

	for i := 0; i < 100; i++ {
		d := dl.ThrottleDelay()
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.Less(t, d, 2500*time.Millisecond)
	}
}
