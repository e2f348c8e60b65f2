// Package storage forwards triage events to external stores and buses.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nshruti113/traffic-triage/internal/models"
)

// Publisher receives signals, blocks and alerts
type Publisher interface {
	Name() string
	PublishSignal(ctx context.Context, sig models.AttackSignal) error
	PublishBlock(ctx context.Context, rec models.BlockRecord) error
	PublishAlert(ctx context.Context, alert models.Alert) error
	Close() error
}

// AlertFromSignal builds the alert pushed for an attack signal
func AlertFromSignal(sig models.AttackSignal) models.Alert {
	level := "WARNING"
	switch sig.ThreatLevel {
	case "HIGH":
		level = "CRITICAL"
	case "LOW":
		level = "INFO"
	}
	msg := fmt.Sprintf("%s from %s at %.1f/s (score %.1f)", sig.Category, sig.Identity, sig.Rate, sig.Score)
	if n := len(sig.Evidence); n > 0 {
		msg = sig.Evidence[n-1]
	}
	ts := sig.DetectedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.Alert{
		ID:         uuid.New().String(),
		Level:      level,
		Title:      fmt.Sprintf("%s Attack Detected", sig.Category),
		Message:    msg,
		AttackType: string(sig.Category),
		SourceIP:   sig.Identity,
		Timestamp:  ts,
	}
}
