package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/nshruti113/traffic-triage/internal/detection"
	"github.com/nshruti113/traffic-triage/internal/metrics"
	"github.com/nshruti113/traffic-triage/internal/models"
)

// MonitorConfig wires a monitor to its consumers
type MonitorConfig struct {
	Name     string
	Source   Source
	Scorer   *detection.FloodScorer
	OnPacket func(models.ObservationEvent)
	OnSignal func(models.AttackSignal)
	// StopAtEOF ends Serve when the source is exhausted (offline replay)
	StopAtEOF bool
}

// RunStats summarises a finished run
type RunStats struct {
	Frames  uint64
	Scored  uint64
	Dropped uint64
	Signals uint64
}

// Monitor is the single sequential capture loop. Events from one source
// are scored in capture order.
type Monitor struct {
	cfg     MonitorConfig
	decoder *Decoder
	logs    *signalLog

	mu    sync.Mutex
	stats RunStats
}

// NewMonitor creates a monitor reading cfg.Source
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Name == "" {
		cfg.Name = "capture"
	}
	return &Monitor{
		cfg:     cfg,
		decoder: NewDecoder(cfg.Source.LinkType()),
		logs:    newSignalLog(rate.Every(time.Second), 5),
	}
}

// String names the service for the supervisor
func (m *Monitor) String() string {
	return m.cfg.Name
}

// Stats returns the counters so far
func (m *Monitor) Stats() RunStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Serve reads until ctx is done or the source fails. With StopAtEOF an
// exhausted source ends the service without a restart.
func (m *Monitor) Serve(ctx context.Context) error {
	log.WithField("source", m.cfg.Name).Info("Capture loop started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, ci, err := m.cfg.Source.ReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, io.EOF):
			if m.cfg.StopAtEOF {
				log.WithField("source", m.cfg.Name).Info("Capture source exhausted")
				return suture.ErrDoNotRestart
			}
			return fmt.Errorf("capture source %s closed: %w", m.cfg.Name, err)
		default:
			return fmt.Errorf("capture read failed: %w", err)
		}

		m.handle(data, ci.Timestamp)
	}
}

// Run processes the whole source and returns the counters. It is the
// offline entry point; live capture goes through Serve under a supervisor.
func (m *Monitor) Run(ctx context.Context) (RunStats, error) {
	m.cfg.StopAtEOF = true
	err := m.Serve(ctx)
	if errors.Is(err, suture.ErrDoNotRestart) {
		err = nil
	}
	return m.Stats(), err
}

// handle scores one frame; a panic is contained to that frame
func (m *Monitor) handle(data []byte, ts time.Time) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PacketsDropped.WithLabelValues("panic").Inc()
			m.count(func(s *RunStats) { s.Dropped++ })
			log.WithField("panic", r).Error("Recovered while scoring frame")
		}
	}()

	m.count(func(s *RunStats) { s.Frames++ })
	if ts.IsZero() {
		ts = time.Now()
	}

	ev, err := m.decoder.Decode(data, ts)
	if err != nil {
		reason := "unsupported"
		if errors.Is(err, ErrMalformed) {
			reason = "malformed"
			log.WithError(err).Debug("Dropping frame")
		}
		metrics.PacketsDropped.WithLabelValues(reason).Inc()
		m.count(func(s *RunStats) { s.Dropped++ })
		return
	}

	metrics.Packets.WithLabelValues(string(ev.Layer)).Inc()
	m.count(func(s *RunStats) { s.Scored++ })
	if m.cfg.OnPacket != nil {
		m.cfg.OnPacket(ev)
	}

	sig := m.cfg.Scorer.Observe(ev)
	if sig == nil {
		return
	}
	metrics.AttackSignals.WithLabelValues(string(sig.Category)).Inc()
	m.count(func(s *RunStats) { s.Signals++ })
	m.logs.log(*sig)
	if m.cfg.OnSignal != nil {
		m.cfg.OnSignal(*sig)
	}
}

func (m *Monitor) count(fn func(*RunStats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}

// signalLog throttles attack signal logging per category. Suppressed
// signals log at debug.
type signalLog struct {
	mu       sync.Mutex
	every    rate.Limit
	burst    int
	limiters map[models.AttackCategory]*rate.Limiter
}

func newSignalLog(every rate.Limit, burst int) *signalLog {
	return &signalLog{every: every, burst: burst, limiters: make(map[models.AttackCategory]*rate.Limiter)}
}

func (l *signalLog) allow(c models.AttackCategory) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[c]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[c] = lim
	}
	return lim.Allow()
}

func (l *signalLog) log(sig models.AttackSignal) {
	entry := log.WithFields(log.Fields{
		"ip":       sig.Identity,
		"category": sig.Category,
		"score":    sig.Score,
		"threat":   sig.ThreatLevel,
		"rate":     fmt.Sprintf("%.1f", sig.Rate),
	})
	if l.allow(sig.Category) {
		entry.Warn("Attack detected")
		return
	}
	entry.Debug("Attack detected (throttled)")
}
