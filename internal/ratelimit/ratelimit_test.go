package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	l := New(&Config{RequestsPerSecond: 1, Burst: 3, MaxKeys: 10, CleanupInterval: time.Hour, IdleTimeout: time.Hour}, nil)
	defer l.Stop()

	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"), "fourth request should exceed the burst")
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(&Config{RequestsPerSecond: 1, Burst: 1, MaxKeys: 10, CleanupInterval: time.Hour, IdleTimeout: time.Hour}, nil)
	defer l.Stop()

	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c2"), "a different key must have its own bucket")
}

func TestLimiter_EvictsOldestWhenAtCapacity(t *testing.T) {
	l := New(&Config{RequestsPerSecond: 1, Burst: 1, MaxKeys: 2, CleanupInterval: time.Hour, IdleTimeout: time.Hour}, nil)
	defer l.Stop()

	l.Allow("c1")
	time.Sleep(time.Millisecond)
	l.Allow("c2")
	time.Sleep(time.Millisecond)
	l.Allow("c3") // should evict c1

	l.mu.Lock()
	_, stillPresent := l.entries["c1"]
	l.mu.Unlock()
	assert.False(t, stillPresent)
}
