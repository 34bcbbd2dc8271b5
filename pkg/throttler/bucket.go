package throttler

import (
	"sync"
	"time"
)

// leakyBucket is a classic token bucket that leaks at a constant rate:
// capacity in bytes, refilled by capacity*dt every time add() is called,
// clamped at capacity. Callers that exceed the available budget sleep for
// the shortfall instead of being rejected, per specification §4.5.
type leakyBucket struct {
	mu       sync.Mutex
	capacity float64
	current  float64
	last     time.Time
	sleep    func(time.Duration)
}

func newLeakyBucket(capacity float64) *leakyBucket {
	return &leakyBucket{
		capacity: capacity,
		current:  capacity,
		last:     time.Now(),
		sleep:    time.Sleep,
	}
}

// add consumes n bytes from the bucket, blocking until enough have leaked
// in if necessary.
func (b *leakyBucket) add(n float64) {
	b.mu.Lock()
	now := time.Now()
	dt := now.Sub(b.last).Seconds()
	b.last = now

	b.current += b.capacity * dt
	if b.current > b.capacity {
		b.current = b.capacity
	}

	var wait time.Duration
	if n > b.current {
		wait = time.Duration((n - b.current) / b.capacity * float64(time.Second))
		b.current = 0
	} else {
		b.current -= n
	}
	b.mu.Unlock()

	if wait > 0 {
		b.sleep(wait)
	}
}

// reset changes the bucket's capacity, clamping the current level to the
// new capacity. Used to apply a fair-share allocation learned from the
// catalog's throttler tables.
func (b *leakyBucket) reset(capacity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = capacity
	if b.current > capacity {
		b.current = capacity
	}
}
