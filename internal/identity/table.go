// Package identity holds per-source behavioural state in a bounded table.
//
// The table is split into shards selected by xxhash of the source address.
// Each shard is an expirable LRU, so memory stays bounded however many
// distinct sources an attacker can forge, and idle sources age out after
// the configured TTL. Every entry carries its own mutex: all mutation of one
// identity is serialized on it, while different identities proceed in
// parallel.
package identity

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nshruti113/traffic-triage/internal/models"
	"github.com/nshruti113/traffic-triage/internal/window"
)

// MaxEvidence bounds the evidence strings kept per identity
const MaxEvidence = 5

// Config sizes the table
type Config struct {
	MaxEntries int
	TTL        time.Duration
	Shards     int
}

// Entry is the state owned by one identity. Fields must only be touched
// from inside Table.Do.
type Entry struct {
	mu sync.Mutex

	Key       string
	Requests  uint64
	Packets   uint64
	FirstSeen time.Time
	LastSeen  time.Time
	Evidence  []string

	// Window is created by the rate limiter on first use
	Window *window.SlidingWindowCounter
	Flood  FloodCounters
}

// FloodCounters are cumulative since the first packet from the identity
type FloodCounters struct {
	FirstPacket time.Time
	SYN         uint64
	UDP         uint64
	ICMP        uint64
	Ports       map[uint16]struct{}
}

// AddPort records a destination port; repeats do not grow the set
func (fc *FloodCounters) AddPort(port uint16) {
	if fc.Ports == nil {
		fc.Ports = make(map[uint16]struct{})
	}
	fc.Ports[port] = struct{}{}
}

// Touch updates first/last seen for an event at now
func (e *Entry) Touch(now time.Time) {
	if e.FirstSeen.IsZero() {
		e.FirstSeen = now
	}
	if now.After(e.LastSeen) {
		e.LastSeen = now
	}
}

// AddEvidence appends a reason, keeping only the newest MaxEvidence
func (e *Entry) AddEvidence(reason string) {
	e.Evidence = append(e.Evidence, reason)
	if len(e.Evidence) > MaxEvidence {
		e.Evidence = append(e.Evidence[:0:0], e.Evidence[len(e.Evidence)-MaxEvidence:]...)
	}
}

// Profile copies the entry into its API representation
func (e *Entry) Profile() models.IdentityProfile {
	windowed := 0
	if e.Window != nil {
		windowed = e.Window.Count(time.Now())
	}
	return models.IdentityProfile{
		Identity:      e.Key,
		Requests:      e.Requests,
		InWindow:      windowed,
		Packets:       e.Packets,
		DistinctPorts: len(e.Flood.Ports),
		SYNCount:      e.Flood.SYN,
		UDPCount:      e.Flood.UDP,
		ICMPCount:     e.Flood.ICMP,
		FirstSeen:     e.FirstSeen,
		LastSeen:      e.LastSeen,
		Evidence:      append([]string(nil), e.Evidence...),
	}
}

type shard struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, *Entry]
}

// Table maps identities to their entries
type Table struct {
	shards []*shard
}

// NewTable creates a table. Zero values fall back to 100000 entries, a
// 30 minute idle TTL and 32 shards.
func NewTable(cfg Config) *Table {
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	perShard := cfg.MaxEntries / cfg.Shards
	if perShard < 1 {
		perShard = 1
	}

	t := &Table{shards: make([]*shard, cfg.Shards)}
	for i := range t.shards {
		t.shards[i] = &shard{
			entries: expirable.NewLRU[string, *Entry](perShard, nil, cfg.TTL),
		}
	}
	return t
}

func (t *Table) shardFor(key string) *shard {
	return t.shards[xxhash.Sum64String(key)%uint64(len(t.shards))]
}

// acquire returns the entry for key, creating it if needed. Re-adding the
// entry refreshes its expiry so TTL counts from the last access.
func (t *Table) acquire(key string) *Entry {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries.Get(key)
	if !ok {
		e = &Entry{Key: key}
	}
	s.entries.Add(key, e)
	return e
}

// lockCurrent locks e and returns it if it is still the live entry for
// key. An entry evicted between acquire and Lock is released and the
// current one is taken instead, so one identity never has two entries
// held at once.
func (t *Table) lockCurrent(key string, e *Entry) *Entry {
	for {
		e.mu.Lock()
		s := t.shardFor(key)
		s.mu.Lock()
		cur, ok := s.entries.Peek(key)
		s.mu.Unlock()
		if ok && cur == e {
			return e
		}
		e.mu.Unlock()
		e = t.acquire(key)
	}
}

// Do runs fn with exclusive access to the entry for key
func (t *Table) Do(key string, fn func(e *Entry)) {
	e := t.lockCurrent(key, t.acquire(key))
	defer e.mu.Unlock()
	fn(e)
}

// Lookup returns a snapshot of key's profile without creating an entry
func (t *Table) Lookup(key string) (models.IdentityProfile, bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries.Peek(key)
	s.mu.Unlock()
	if !ok {
		return models.IdentityProfile{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Profile(), true
}

// Len returns the number of live identities
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		n += s.entries.Len()
	}
	return n
}
