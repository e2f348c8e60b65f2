package main

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapOptions sizes the synthetic capture
type PcapOptions struct {
	SYN       int
	UDP       int
	ICMP      int
	ScanPorts int
	Normal    int
	Span      time.Duration
}

const (
	synFlooder  = "203.0.113.10"
	udpFlooder  = "203.0.113.20"
	icmpFlooder = "203.0.113.30"
	scanner     = "198.51.100.5"
	victim      = "192.168.1.100"
)

type frame struct {
	ts   time.Time
	data []byte
}

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ipv4(src string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(victim).To4(),
	}
}

func ethernet() *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
}

func tcpFrame(src string, port uint16, syn, ack bool) ([]byte, error) {
	ip := ipv4(src, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(1024 + rand.Intn(60000)),
		DstPort: layers.TCPPort(port),
		Seq:     rand.Uint32(),
		SYN:     syn,
		ACK:     ack,
		Window:  64240,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	return serialize(ethernet(), ip, tcp)
}

func udpFrame(src string, port uint16) ([]byte, error) {
	ip := ipv4(src, layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(1024 + rand.Intn(60000)),
		DstPort: layers.UDPPort(port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	return serialize(ethernet(), ip, udp, gopacket.Payload(make([]byte, 64)))
}

func icmpFrame(src string) ([]byte, error) {
	return serialize(ethernet(), ipv4(src, layers.IPProtocolICMPv4), &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       1,
		Seq:      uint16(rand.Intn(65535)),
	})
}

// burst spreads n frames evenly over span starting at start
func burst(start time.Time, span time.Duration, n int, build func(i int) ([]byte, error)) ([]frame, error) {
	out := make([]frame, 0, n)
	for i := 0; i < n; i++ {
		data, err := build(i)
		if err != nil {
			return nil, err
		}
		offset := time.Duration(0)
		if n > 1 {
			offset = span * time.Duration(i) / time.Duration(n-1)
		}
		out = append(out, frame{ts: start.Add(offset), data: data})
	}
	return out, nil
}

// WritePcap writes the synthetic capture and returns the frame count
func WritePcap(path string, opts PcapOptions) (int, error) {
	if opts.Span <= 0 {
		opts.Span = 2 * time.Second
	}
	start := time.Now().Truncate(time.Second)

	var frames []frame
	add := func(fs []frame, err error) error {
		if err != nil {
			return err
		}
		frames = append(frames, fs...)
		return nil
	}

	steps := []func() error{
		func() error {
			return add(burst(start, opts.Span, opts.SYN, func(int) ([]byte, error) {
				return tcpFrame(synFlooder, 80, true, false)
			}))
		},
		func() error {
			return add(burst(start, opts.Span, opts.UDP, func(int) ([]byte, error) {
				return udpFrame(udpFlooder, uint16(1+rand.Intn(65534)))
			}))
		},
		func() error {
			return add(burst(start, opts.Span, opts.ICMP, func(int) ([]byte, error) {
				return icmpFrame(icmpFlooder)
			}))
		},
		func() error {
			return add(burst(start, opts.Span, opts.ScanPorts, func(i int) ([]byte, error) {
				return tcpFrame(scanner, uint16(20+i), true, false)
			}))
		},
		func() error {
			return add(burst(start, 10*opts.Span, opts.Normal, func(i int) ([]byte, error) {
				return tcpFrame(fmt.Sprintf("10.0.0.%d", 2+i%50), 443, false, true)
			}))
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return 0, fmt.Errorf("failed to build frames: %w", err)
		}
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].ts.Before(frames[j].ts) })

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return 0, fmt.Errorf("failed to write capture header: %w", err)
	}
	for _, fr := range frames {
		ci := gopacket.CaptureInfo{Timestamp: fr.ts, CaptureLength: len(fr.data), Length: len(fr.data)}
		if err := w.WritePacket(ci, fr.data); err != nil {
			return 0, fmt.Errorf("failed to write frame: %w", err)
		}
	}
	return len(frames), f.Close()
}
