package throttler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeakyBucketAllowsWithinCapacity(t *testing.T) {
	b := newLeakyBucket(1000)
	var slept time.Duration
	b.sleep = func(d time.Duration) { slept += d }

	b.add(500)
	require.Zero(t, slept)
}

func TestLeakyBucketSleepsWhenExceeded(t *testing.T) {
	b := newLeakyBucket(100)
	var slept time.Duration
	b.sleep = func(d time.Duration) { slept += d }

	b.add(1000)
	require.Positive(t, slept)
}

func TestLeakyBucketResetClampsCurrent(t *testing.T) {
	b := newLeakyBucket(1000)
	b.reset(10)
	require.LessOrEqual(t, b.current, 10.0)
}

func TestBandwidthHistogramMean(t *testing.T) {
	h := newBandwidthHistogram()
	h.observe(120)
	require.Greater(t, h.mean(), 0.0)
}
