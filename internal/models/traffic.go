package models

import "time"

// Layer identifies which protocol layer produced an observation
type Layer string

const (
	LayerHTTP Layer = "HTTP"
	LayerTCP  Layer = "TCP"
	LayerUDP  Layer = "UDP"
	LayerICMP Layer = "ICMP"
)

// ObservationEvent represents a single observed occurrence from one source.
// Exactly one of HTTP, TCP or UDP is set, matching Layer. ICMP events carry
// nothing beyond the source identity.
type ObservationEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	SourceIP  string       `json:"source_ip"`
	DestIP    string       `json:"dest_ip,omitempty"`
	Layer     Layer        `json:"layer"`
	HTTP      *HTTPPayload `json:"http,omitempty"`
	TCP       *TCPPayload  `json:"tcp,omitempty"`
	UDP       *UDPPayload  `json:"udp,omitempty"`
}

// HTTPPayload is the application-layer part of an observation
type HTTPPayload struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	UserAgent string `json:"user_agent"`
	Host      string `json:"host"`
}

// TCPPayload is the transport part of a TCP observation.
// SYN is true only for a bare SYN (no ACK), i.e. a connection attempt.
type TCPPayload struct {
	SourcePort uint16 `json:"source_port"`
	DestPort   uint16 `json:"dest_port"`
	SYN        bool   `json:"syn"`
}

// UDPPayload is the transport part of a UDP observation
type UDPPayload struct {
	SourcePort uint16 `json:"source_port"`
	DestPort   uint16 `json:"dest_port"`
}

// DestPort returns the destination port for TCP and UDP observations
func (e ObservationEvent) DestPort() (uint16, bool) {
	switch {
	case e.TCP != nil:
		return e.TCP.DestPort, true
	case e.UDP != nil:
		return e.UDP.DestPort, true
	}
	return 0, false
}

// AttackCategory names a network-layer attack pattern
type AttackCategory string

const (
	SYNFlood  AttackCategory = "SYN_FLOOD"
	PortScan  AttackCategory = "PORT_SCAN"
	ICMPFlood AttackCategory = "ICMP_FLOOD"
	UDPFlood  AttackCategory = "UDP_FLOOD"
)

// AttackCategories lists every category in reporting order
var AttackCategories = []AttackCategory{SYNFlood, PortScan, ICMPFlood, UDPFlood}

// AttackSignal represents a detected network-layer attack from one source
type AttackSignal struct {
	ID            string         `json:"id"`
	Identity      string         `json:"identity"`
	Category      AttackCategory `json:"category"`
	Score         float64        `json:"score"`        // 0 to 100
	ThreatLevel   string         `json:"threat_level"` // LOW, MEDIUM, HIGH
	Rate          float64        `json:"rate"`
	WindowSeconds float64        `json:"window_seconds"`
	DestPort      uint16         `json:"dest_port,omitempty"`
	Evidence      []string       `json:"evidence"`
	DetectedAt    time.Time      `json:"detected_at"`
}

// IdentityProfile is the per-source aggregate exposed by the admin API
type IdentityProfile struct {
	Identity      string    `json:"identity"`
	Requests      uint64    `json:"requests"`
	InWindow      int       `json:"in_window"`
	Packets       uint64    `json:"packets"`
	DistinctPorts int       `json:"distinct_ports"`
	SYNCount      uint64    `json:"syn_count"`
	UDPCount      uint64    `json:"udp_count"`
	ICMPCount     uint64    `json:"icmp_count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Evidence      []string  `json:"evidence"`
}

// Alert represents a security alert pushed to subscribers
type Alert struct {
	ID         string    `json:"id"`
	Level      string    `json:"level"` // INFO, WARNING, CRITICAL
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	AttackType string    `json:"attack_type,omitempty"`
	SourceIP   string    `json:"source_ip,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
