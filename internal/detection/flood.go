package detection

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nshruti113/traffic-triage/internal/identity"
	"github.com/nshruti113/traffic-triage/internal/models"
)

// Thresholds are the per-category rates above which a source is flagged.
// SYN, ICMP and UDP are packets per second; PortScan is distinct ports per
// second.
type Thresholds struct {
	SYN      float64 `json:"syn"`
	PortScan float64 `json:"port_scan"`
	ICMP     float64 `json:"icmp"`
	UDP      float64 `json:"udp"`
}

// DefaultThresholds returns the stock detection thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		SYN:      50,
		PortScan: 10,
		ICMP:     30,
		UDP:      50,
	}
}

// FloodScorer keeps per-source packet counters and scores network-layer
// events against the flood and scan thresholds.
//
// Rates are cumulative: count since the identity's first packet divided by
// the seconds elapsed since then (at least one). Counters only reset when
// the identity ages out of the table.
type FloodScorer struct {
	table      *identity.Table
	thresholds Thresholds
}

// NewFloodScorer creates a scorer over the shared identity table
func NewFloodScorer(table *identity.Table, thresholds Thresholds) *FloodScorer {
	return &FloodScorer{table: table, thresholds: thresholds}
}

// Thresholds returns the configured thresholds
func (f *FloodScorer) Thresholds() Thresholds {
	return f.thresholds
}

// Observe scores one network-layer event. It returns at most one signal:
// on a TCP event a SYN flood takes precedence over a port scan, and on a UDP
// event a UDP flood takes precedence over a port scan. HTTP events are
// ignored.
func (f *FloodScorer) Observe(ev models.ObservationEvent) *models.AttackSignal {
	if ev.SourceIP == "" {
		return nil
	}
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	var sig *models.AttackSignal
	f.table.Do(ev.SourceIP, func(e *identity.Entry) {
		sig = f.observe(e, ev, now)
	})
	return sig
}

func (f *FloodScorer) observe(e *identity.Entry, ev models.ObservationEvent, now time.Time) *models.AttackSignal {
	fc := &e.Flood
	switch {
	case ev.Layer == models.LayerTCP && ev.TCP != nil:
	case ev.Layer == models.LayerUDP && ev.UDP != nil:
	case ev.Layer == models.LayerICMP:
	default:
		return nil
	}

	e.Touch(now)
	e.Packets++
	if fc.FirstPacket.IsZero() {
		fc.FirstPacket = now
	}
	windowSeconds := now.Sub(fc.FirstPacket).Seconds()
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	var (
		category  models.AttackCategory
		rate      float64
		threshold float64
		evidence  string
	)

	switch ev.Layer {
	case models.LayerTCP:
		fc.AddPort(ev.TCP.DestPort)
		if ev.TCP.SYN {
			fc.SYN++
			synRate := float64(fc.SYN) / windowSeconds
			if synRate > f.thresholds.SYN {
				category, rate, threshold = models.SYNFlood, synRate, f.thresholds.SYN
				evidence = fmt.Sprintf("SYN Flood: %.1f pkts/sec (Threshold: %v)", synRate, f.thresholds.SYN)
			}
		}
	case models.LayerUDP:
		fc.AddPort(ev.UDP.DestPort)
		fc.UDP++
		udpRate := float64(fc.UDP) / windowSeconds
		if udpRate > f.thresholds.UDP {
			category, rate, threshold = models.UDPFlood, udpRate, f.thresholds.UDP
			evidence = fmt.Sprintf("UDP Flood: %.1f pkts/sec (Threshold: %v)", udpRate, f.thresholds.UDP)
		}
	case models.LayerICMP:
		fc.ICMP++
		icmpRate := float64(fc.ICMP) / windowSeconds
		if icmpRate > f.thresholds.ICMP {
			category, rate, threshold = models.ICMPFlood, icmpRate, f.thresholds.ICMP
			evidence = fmt.Sprintf("ICMP Flood: %.1f pkts/sec (Threshold: %v)", icmpRate, f.thresholds.ICMP)
		}
	}

	// port scan only when no flood fired for this event
	if category == "" && ev.Layer != models.LayerICMP {
		portRate := float64(len(fc.Ports)) / windowSeconds
		if portRate > f.thresholds.PortScan {
			category, rate, threshold = models.PortScan, portRate, f.thresholds.PortScan
			evidence = fmt.Sprintf("Port Scan: %d ports in %.1fs", len(fc.Ports), windowSeconds)
		}
	}

	if category == "" {
		return nil
	}

	e.AddEvidence(evidence)
	score := Score(rate, threshold)
	port, _ := ev.DestPort()
	return &models.AttackSignal{
		ID:            uuid.New().String(),
		Identity:      ev.SourceIP,
		Category:      category,
		Score:         score,
		ThreatLevel:   ThreatLevel(score),
		Rate:          rate,
		WindowSeconds: windowSeconds,
		DestPort:      port,
		Evidence:      append([]string(nil), e.Evidence...),
		DetectedAt:    now,
	}
}

// Score maps a rate onto 0-100 relative to threshold, rounded to one decimal
func Score(rate, threshold float64) float64 {
	if threshold <= 0 || rate <= 0 {
		return 0
	}
	score := math.Min(100, rate/threshold*100)
	return math.Round(score*10) / 10
}

// ThreatLevel bands a malicious score
func ThreatLevel(score float64) string {
	if score >= 71 {
		return "HIGH"
	} else if score >= 31 {
		return "MEDIUM"
	}
	return "LOW"
}
