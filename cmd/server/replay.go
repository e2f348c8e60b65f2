package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nshruti113/traffic-triage/internal/capture"
	"github.com/nshruti113/traffic-triage/internal/server"
)

var replayTop int

var replayCmd = &cobra.Command{
	Use:   "replay <file.pcap>",
	Short: "Score a capture file for floods and scans and print the summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := capture.OpenFile(args[0])
		if err != nil {
			return err
		}
		defer src.Close()

		// no listeners and no publishers for an offline run
		cfg.Redis.Enabled = false
		cfg.NATS.Enabled = false
		srv, err := server.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer srv.Shutdown()

		run, err := srv.Replay(cmd.Context(), src)
		if err != nil {
			return fmt.Errorf("replay %s: %w", args[0], err)
		}
		log.WithFields(log.Fields{
			"frames":  run.Frames,
			"scored":  run.Scored,
			"dropped": run.Dropped,
			"signals": run.Signals,
		}).Info("Replay finished")

		report := struct {
			File    string      `json:"file"`
			Run     interface{} `json:"run"`
			Summary interface{} `json:"summary"`
			Recent  interface{} `json:"recent_attacks"`
		}{
			File:    args[0],
			Run:     run,
			Summary: srv.Stats.Snapshot(),
		}
		recent := srv.Stats.Recent()
		if replayTop > 0 && len(recent) > replayTop {
			recent = recent[:replayTop]
		}
		report.Recent = recent

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayTop, "top", 20, "number of most recent attack signals to print")
}
