package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nshruti113/traffic-triage/internal/identity"
)

func newTable() *identity.Table {
	return identity.NewTable(identity.Config{MaxEntries: 1024, TTL: time.Hour, Shards: 4})
}

func TestRateLimiter_ExceedsExactlyOnLimitPlusOne(t *testing.T) {
	rl := NewRateLimiter(newTable(), 60*time.Second, 100)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= 100; i++ {
		now := start.Add(time.Duration(i) * 500 * time.Millisecond)
		assert.False(t, rl.Record("203.0.113.7", now), "request %d", i)
	}
	assert.True(t, rl.Record("203.0.113.7", start.Add(55*time.Second)), "request 101")
}

func TestRateLimiter_ResetsAfterWindow(t *testing.T) {
	rl := NewRateLimiter(newTable(), 60*time.Second, 100)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		rl.Record("203.0.113.7", start)
	}
	assert.True(t, rl.Record("203.0.113.7", start.Add(59*time.Second)))
	assert.False(t, rl.Record("203.0.113.7", start.Add(61*time.Second)))
}

func TestRateLimiter_IdentitiesAreIndependent(t *testing.T) {
	rl := NewRateLimiter(newTable(), time.Minute, 2)
	now := time.Now()

	rl.Record("198.51.100.1", now)
	rl.Record("198.51.100.1", now)
	assert.True(t, rl.Record("198.51.100.1", now))
	assert.False(t, rl.Record("198.51.100.2", now))
}

func TestRateLimiter_CountsRequestsOnProfile(t *testing.T) {
	tbl := newTable()
	rl := NewRateLimiter(tbl, time.Minute, 1)
	now := time.Now()

	rl.Record("198.51.100.1", now)
	rl.Record("198.51.100.1", now)

	p, ok := tbl.Lookup("198.51.100.1")
	assert.True(t, ok)
	assert.Equal(t, uint64(2), p.Requests)
	assert.Equal(t, 1, p.InWindow, "the rejected request is not stored in the window")
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(newTable(), 0, 0)
	assert.Equal(t, 100, rl.Limit())
	assert.Equal(t, 60*time.Second, rl.window)
}
