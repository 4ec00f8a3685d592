package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestStore_PerKeyBucket(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 2, time.Minute)

	assert.True(t, s.Allow("10.0.0.1:/healthz"))
	assert.True(t, s.Allow("10.0.0.1:/healthz"))
	assert.False(t, s.Allow("10.0.0.1:/healthz"))

	// 其它 key 各自计数
	assert.True(t, s.Allow("10.0.0.2:/healthz"))
	assert.Equal(t, 2, s.Len())
}

func TestStore_CleanupIdle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewStore(rate.Limit(10), 10, time.Minute)
	s.now = func() time.Time { return now }

	s.Allow("a")
	now = now.Add(30 * time.Second)
	s.Allow("b")
	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len(), "a idle for 75s, b for 45s")
}
