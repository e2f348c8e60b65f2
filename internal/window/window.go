// Package window implements a time-bounded event log used for per-source
// rate limiting.
package window

import "time"

// SlidingWindowCounter keeps the timestamps of recent events. Every stored
// timestamp t satisfies now-duration < t <= now after a read or write; older
// entries are dropped lazily, never from a background goroutine.
//
// A counter is not safe for concurrent use. Callers serialize access per
// identity (see identity.Table).
type SlidingWindowCounter struct {
	duration time.Duration
	stamps   []time.Time
}

// NewSlidingWindowCounter creates an empty counter over the given window
func NewSlidingWindowCounter(duration time.Duration) *SlidingWindowCounter {
	if duration <= 0 {
		duration = time.Minute
	}
	return &SlidingWindowCounter{duration: duration}
}

// Duration returns the window length
func (c *SlidingWindowCounter) Duration() time.Duration {
	return c.duration
}

// prune drops every timestamp t with now-t >= duration. Timestamps are
// appended in arrival order so expired entries always form a prefix.
func (c *SlidingWindowCounter) prune(now time.Time) {
	i := 0
	for i < len(c.stamps) && now.Sub(c.stamps[i]) >= c.duration {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(c.stamps, c.stamps[i:])
	clear(c.stamps[n:])
	c.stamps = c.stamps[:n]
}

// Record registers an event at now unless the window already holds limit
// events, in which case it reports exceeded=true and the event is not stored.
func (c *SlidingWindowCounter) Record(now time.Time, limit int) (exceeded bool) {
	c.prune(now)
	if len(c.stamps) >= limit {
		return true
	}
	c.stamps = append(c.stamps, now)
	return false
}

// Count returns the number of events inside the window ending at now
func (c *SlidingWindowCounter) Count(now time.Time) int {
	c.prune(now)
	return len(c.stamps)
}

// Rate returns events per second inside the window ending at now. The
// elapsed span is measured from the oldest retained event and never drops
// below one second.
func (c *SlidingWindowCounter) Rate(now time.Time) float64 {
	c.prune(now)
	if len(c.stamps) == 0 {
		return 0
	}
	elapsed := now.Sub(c.stamps[0]).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return float64(len(c.stamps)) / elapsed
}
