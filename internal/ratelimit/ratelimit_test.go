package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, time.Minute, 4)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "request %d should pass", i+1)
	}
	assert.False(t, l.Allow("1.2.3.4"), "request over the limit must be rejected")
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute, 4)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestWindowResets(t *testing.T) {
	l := New(1, 50*time.Millisecond, 2)
	defer l.Stop()

	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.Allow("k"), "a new window grants a fresh budget")
}

func TestStoppedLimiterFailsOpen(t *testing.T) {
	l := New(1, time.Minute, 2)
	l.Stop()

	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
}

func TestManyKeysSpreadAcrossShards(t *testing.T) {
	l := New(2, time.Minute, 8)
	defer l.Stop()

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("10.0.0.%d", i)
		assert.True(t, l.Allow(key))
		assert.True(t, l.Allow(key))
		assert.False(t, l.Allow(key))
	}
}
