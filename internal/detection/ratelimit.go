package detection

import (
	"time"

	"github.com/nshruti113/traffic-triage/internal/identity"
	"github.com/nshruti113/traffic-triage/internal/window"
)

// RateLimiter caps the number of requests per identity inside a sliding window
type RateLimiter struct {
	table  *identity.Table
	window time.Duration
	limit  int
}

// NewRateLimiter creates a limiter backed by the shared identity table.
// Defaults: 60s window, 100 requests.
func NewRateLimiter(table *identity.Table, window time.Duration, limit int) *RateLimiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	if limit <= 0 {
		limit = 100
	}
	return &RateLimiter{table: table, window: window, limit: limit}
}

// Record counts a request from id at now. It reports exceeded=true when the
// identity already has limit requests in the window; the rejected request is
// not counted toward future windows.
func (r *RateLimiter) Record(id string, now time.Time) (exceeded bool) {
	r.table.Do(id, func(e *identity.Entry) {
		e.Touch(now)
		e.Requests++
		if e.Window == nil {
			e.Window = window.NewSlidingWindowCounter(r.window)
		}
		exceeded = e.Window.Record(now, r.limit)
	})
	return exceeded
}

// Limit returns the configured request cap
func (r *RateLimiter) Limit() int {
	return r.limit
}
