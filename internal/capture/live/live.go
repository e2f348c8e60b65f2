// Package live opens libpcap capture handles on network interfaces.
package live

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/nshruti113/traffic-triage/internal/capture"
)

// Config selects the interface and capture parameters
type Config struct {
	Interface   string
	Filter      string
	Snaplen     int32
	Promiscuous bool
	// ReadTimeout bounds each read so the capture loop can observe
	// cancellation
	ReadTimeout time.Duration
}

// Source wraps a live pcap handle
type Source struct {
	handle *pcap.Handle
}

// Open starts capturing on cfg.Interface with an optional BPF filter
func Open(cfg Config) (*Source, error) {
	if cfg.Snaplen <= 0 {
		cfg.Snaplen = 65535
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}

	handle, err := pcap.OpenLive(cfg.Interface, cfg.Snaplen, cfg.Promiscuous, cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface %s: %w", cfg.Interface, err)
	}
	if cfg.Filter != "" {
		if err := handle.SetBPFFilter(cfg.Filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("invalid capture filter %q: %w", cfg.Filter, err)
		}
	}
	return &Source{handle: handle}, nil
}

// ReadPacketData implements capture.Source. Read timeouts map to
// capture.ErrTimeout.
func (s *Source) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.handle.ReadPacketData()
	if errors.Is(err, pcap.NextErrorTimeoutExpired) {
		return nil, ci, capture.ErrTimeout
	}
	return data, ci, err
}

// LinkType implements capture.Source
func (s *Source) LinkType() layers.LinkType {
	return s.handle.LinkType()
}

// Close releases the handle
func (s *Source) Close() {
	s.handle.Close()
}

// Interfaces lists capture-capable devices
func Interfaces() ([]string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Name)
	}
	return names, nil
}
