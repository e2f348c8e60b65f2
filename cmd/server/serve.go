package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nshruti113/traffic-triage/internal/capture/live"
	"github.com/nshruti113/traffic-triage/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the triage proxy, admin API and optional live capture",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List interfaces available for live capture",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := live.Interfaces()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("🚀 Starting traffic triage...")

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if cfg.Capture.Enabled {
		src, err := live.Open(live.Config{
			Interface:   cfg.Capture.Interface,
			Filter:      cfg.Capture.Filter,
			Snaplen:     cfg.Capture.Snaplen,
			Promiscuous: cfg.Capture.Promiscuous,
		})
		if err != nil {
			_ = srv.Shutdown()
			return err
		}
		defer src.Close()
		srv.AttachCapture(src)
	}

	if err := srv.Start(ctx); err != nil {
		_ = srv.Shutdown()
		return err
	}
	fields := log.Fields{"proxy": srv.ProxyAddr().String()}
	if addr := srv.AdminAddr(); addr != nil {
		fields["admin"] = addr.String()
	}
	log.WithFields(fields).Info("🛡️ Listening")

	select {
	case <-ctx.Done():
		log.Info("Shutdown requested")
	case <-srv.Done():
		if err := srv.Err(); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Supervisor stopped")
		}
	}
	return srv.Shutdown()
}
