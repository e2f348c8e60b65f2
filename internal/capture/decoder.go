// Package capture turns raw frames into network-layer observations and
// feeds them through the flood scorer.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/nshruti113/traffic-triage/internal/models"
)

var (
	// ErrMalformed is returned for frames that fail to decode
	ErrMalformed = errors.New("malformed frame")
	// ErrUnsupported is returned for well-formed frames with nothing to score
	ErrUnsupported = errors.New("unsupported frame")
)

// Decoder decodes frames of one link type. It reuses its layer structs and
// is not safe for concurrent use.
type Decoder struct {
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	eth     layers.Ethernet
	sll     layers.LinuxSLL
	loop    layers.Loopback
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	icmp6   layers.ICMPv6
	payload gopacket.Payload
}

// FirstLayer returns the decoding entry point for a capture link type
func FirstLayer(link layers.LinkType) gopacket.LayerType {
	switch link {
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return layers.LayerTypeLoopback
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6
	}
	return layers.LayerTypeEthernet
}

// NewDecoder creates a decoder for frames of the given link type
func NewDecoder(link layers.LinkType) *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 8)}
	d.parser = gopacket.NewDecodingLayerParser(
		FirstLayer(link),
		&d.eth, &d.sll, &d.loop,
		&d.ip4, &d.ip6,
		&d.tcp, &d.udp, &d.icmp4, &d.icmp6,
		&d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode converts one frame captured at ts into an observation
func (d *Decoder) Decode(data []byte, ts time.Time) (models.ObservationEvent, error) {
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		return models.ObservationEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev := models.ObservationEvent{Timestamp: ts}
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			ev.SourceIP = d.ip4.SrcIP.String()
			ev.DestIP = d.ip4.DstIP.String()
		case layers.LayerTypeIPv6:
			ev.SourceIP = d.ip6.SrcIP.String()
			ev.DestIP = d.ip6.DstIP.String()
		case layers.LayerTypeTCP:
			ev.Layer = models.LayerTCP
			ev.TCP = &models.TCPPayload{
				SourcePort: uint16(d.tcp.SrcPort),
				DestPort:   uint16(d.tcp.DstPort),
				SYN:        d.tcp.SYN && !d.tcp.ACK,
			}
		case layers.LayerTypeUDP:
			ev.Layer = models.LayerUDP
			ev.UDP = &models.UDPPayload{
				SourcePort: uint16(d.udp.SrcPort),
				DestPort:   uint16(d.udp.DstPort),
			}
		case layers.LayerTypeICMPv4, layers.LayerTypeICMPv6:
			ev.Layer = models.LayerICMP
		}
	}

	if ev.SourceIP == "" || ev.Layer == "" {
		return models.ObservationEvent{}, ErrUnsupported
	}
	return ev, nil
}
