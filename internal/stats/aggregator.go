// Package stats keeps rolling triage counts and the top-offender ranking.
package stats

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nshruti113/traffic-triage/internal/models"
)

// Path tags. Matching is a best-effort heuristic, not a security boundary.
const (
	PatternAdminProbing   = "admin_probing"
	PatternEnvFileAccess  = "env_file_access"
	PatternWordPressScan  = "wordpress_scan"
	PatternSQLInjection   = "sql_injection"
	defaultMaxOffenders   = 10000
	defaultRecentCapacity = 100
)

// TagPath returns the attack patterns a path matches
func TagPath(path string) []string {
	var tags []string
	lower := strings.ToLower(path)
	if strings.Contains(lower, "admin") {
		tags = append(tags, PatternAdminProbing)
	}
	if strings.Contains(path, ".env") {
		tags = append(tags, PatternEnvFileAccess)
	}
	if strings.Contains(path, "wp-") {
		tags = append(tags, PatternWordPressScan)
	}
	if strings.Contains(lower, "sql") {
		tags = append(tags, PatternSQLInjection)
	}
	return tags
}

// Config sizes the aggregator
type Config struct {
	MaxOffenders  int
	RecentSignals int
}

// Aggregator consumes resolutions and attack signals
type Aggregator struct {
	mu      sync.Mutex
	started time.Time
	now     func() time.Time

	total            uint64
	allowed          uint64
	blocked          uint64
	challenged       uint64
	rateLimited      uint64
	classifierErrors uint64
	badGateway       uint64
	packets          uint64

	attacks   map[models.AttackCategory]int
	patterns  map[string]int
	offenders *lru.Cache[string, *models.Offender]

	recent     []models.AttackSignal
	recentNext int

	identities func() int
}

// NewAggregator creates an aggregator. Defaults: 10000 tracked offenders,
// 100 recent signals.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.MaxOffenders <= 0 {
		cfg.MaxOffenders = defaultMaxOffenders
	}
	if cfg.RecentSignals <= 0 {
		cfg.RecentSignals = defaultRecentCapacity
	}
	offenders, _ := lru.New[string, *models.Offender](cfg.MaxOffenders)
	return &Aggregator{
		started:   time.Now(),
		now:       time.Now,
		attacks:   make(map[models.AttackCategory]int),
		patterns:  make(map[string]int),
		offenders: offenders,
		recent:    make([]models.AttackSignal, 0, cfg.RecentSignals),
	}
}

// setClock replaces the time source used for snapshots
func (a *Aggregator) setClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
	a.started = now()
}

// SetIdentityCounter installs the source of the active identity count
func (a *Aggregator) SetIdentityCounter(fn func() int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identities = fn
}

// RecordResolution counts one resolved HTTP event
func (a *Aggregator) RecordResolution(res models.Resolution) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	if res.Assessment != nil && res.Assessment.Source == models.SourceDefaultOnError {
		a.classifierErrors++
	}

	switch res.Action {
	case models.ActionBlock:
		a.blocked++
		if res.Reason == models.ReasonRateLimit {
			a.rateLimited++
		}
		a.recordBlock(res)
	case models.ActionChallenge:
		a.challenged++
	default:
		a.allowed++
	}
}

func (a *Aggregator) recordBlock(res models.Resolution) {
	ip := res.Event.SourceIP
	var path string
	if res.Event.HTTP != nil {
		path = res.Event.HTTP.Path
	}
	at := res.ResolvedAt
	if at.IsZero() {
		at = res.Event.Timestamp
	}

	off, ok := a.offenders.Get(ip)
	if !ok {
		off = &models.Offender{IP: ip}
		a.offenders.Add(ip, off)
	}
	off.Blocks++
	off.LastPath = path
	if at.After(off.LastBlock) {
		off.LastBlock = at
	}

	for _, tag := range TagPath(path) {
		a.patterns[tag]++
	}
}

// RecordBadGateway counts a forward that failed at the destination
func (a *Aggregator) RecordBadGateway() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.badGateway++
}

// RecordPacket counts one scored network-layer event
func (a *Aggregator) RecordPacket() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.packets++
}

// RecordSignal tallies an attack signal and keeps it in the recent ring
func (a *Aggregator) RecordSignal(sig models.AttackSignal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.attacks[sig.Category]++
	if len(a.recent) < cap(a.recent) {
		a.recent = append(a.recent, sig)
		return
	}
	a.recent[a.recentNext] = sig
	a.recentNext = (a.recentNext + 1) % len(a.recent)
}

// Recent returns the retained signals, newest first
func (a *Aggregator) Recent() []models.AttackSignal {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.recent)
	out := make([]models.AttackSignal, 0, n)
	// newest is just before recentNext once the ring has wrapped
	for i := 1; i <= n; i++ {
		out = append(out, a.recent[(a.recentNext-i+n)%n])
	}
	return out
}

// TopOffenders ranks identities by block count, most recent block first on
// ties
func (a *Aggregator) TopOffenders(limit int) []models.Offender {
	a.mu.Lock()
	list := make([]models.Offender, 0, a.offenders.Len())
	for _, off := range a.offenders.Values() {
		list = append(list, *off)
	}
	a.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Blocks != list[j].Blocks {
			return list[i].Blocks > list[j].Blocks
		}
		return list[i].LastBlock.After(list[j].LastBlock)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// Snapshot returns the current counts
func (a *Aggregator) Snapshot() models.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	s := models.Summary{
		Timestamp:        now,
		Uptime:           now.Sub(a.started).Truncate(time.Second).String(),
		TotalRequests:    a.total,
		Allowed:          a.allowed,
		Blocked:          a.blocked,
		Challenged:       a.challenged,
		RateLimited:      a.rateLimited,
		ClassifierErrors: a.classifierErrors,
		BadGateway:       a.badGateway,
		BlockRate:        BlockRate(a.blocked, a.total),
		Packets:          a.packets,
		Attacks:          make(map[models.AttackCategory]int, len(models.AttackCategories)),
		AttackPatterns:   make(map[string]int, len(a.patterns)),
	}
	for _, c := range models.AttackCategories {
		s.Attacks[c] = a.attacks[c]
	}
	for k, v := range a.patterns {
		s.AttackPatterns[k] = v
	}
	if a.identities != nil {
		s.ActiveIdentities = a.identities()
	}
	return s
}

// BlockRate is blocked/total as a percentage with two decimals
func BlockRate(blocked, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(blocked)/float64(total)*10000) / 100
}
