package main

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Traffic generator for the triage engine",
	Long: `Drives the triage proxy with normal browsing, an HTTP flood from a local
botnet and path probing, or writes a synthetic capture file with SYN, UDP and
ICMP floods and a port scan for the replay command.`,
	SilenceUsage: true,
}

var httpOpts Options

var httpCmd = &cobra.Command{
	Use:   "http",
	Short: "Send HTTP traffic through the proxy, cycling attack phases",
	RunE: func(cmd *cobra.Command, args []string) error {
		return NewSimulator(httpOpts).Run(cmd.Context())
	},
}

var pcapOpts PcapOptions

var pcapCmd = &cobra.Command{
	Use:   "pcap <out.pcap>",
	Short: "Write a synthetic capture file with floods and a port scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := WritePcap(args[0], pcapOpts)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"file": args[0], "frames": n}).Info("Capture written")
		return nil
	},
}

func init() {
	f := httpCmd.Flags()
	f.StringVar(&httpOpts.Proxy, "proxy", "http://127.0.0.1:8080", "triage proxy URL")
	f.StringVar(&httpOpts.Host, "host", "localhost:5050", "Host header naming the origin behind the proxy")
	f.IntVar(&httpOpts.NormalRate, "rate", 20, "normal requests per second")
	f.IntVar(&httpOpts.Bots, "bots", 20, "botnet size (local 127.0.x.y addresses)")
	f.IntVar(&httpOpts.FloodRate, "flood-rate", 400, "flood requests per second across the botnet")
	f.IntVar(&httpOpts.Workers, "workers", 64, "concurrent requests in flight")
	f.DurationVar(&httpOpts.PhaseDuration, "phase", 10*time.Second, "duration of each attack phase")
	f.DurationVar(&httpOpts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")

	p := pcapCmd.Flags()
	p.IntVar(&pcapOpts.SYN, "syn", 300, "SYN packets from the flooding source")
	p.IntVar(&pcapOpts.UDP, "udp", 300, "UDP packets from the flooding source")
	p.IntVar(&pcapOpts.ICMP, "icmp", 200, "ICMP echo requests from the flooding source")
	p.IntVar(&pcapOpts.ScanPorts, "scan-ports", 40, "distinct ports hit by the scanner")
	p.IntVar(&pcapOpts.Normal, "normal", 200, "background TCP packets from ordinary clients")
	p.DurationVar(&pcapOpts.Span, "span", 2*time.Second, "time span of each attack burst")

	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(pcapCmd)
}

func main() {
	fmt.Println("Traffic Triage - Traffic Simulator")
	fmt.Println("==================================")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
