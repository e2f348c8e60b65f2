package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/nshruti113/traffic-triage/internal/models"
)

// NATSPublisher publishes signals, blocks and alerts as JSON on
// <prefix>.signals, <prefix>.blocks and <prefix>.alerts
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher connects to url
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = "triage"
	}
	nc, err := nats.Connect(url,
		nats.Name("traffic-triage"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

// Name identifies the sink in metrics
func (p *NATSPublisher) Name() string {
	return "nats"
}

// Subject returns the full subject for a suffix
func (p *NATSPublisher) Subject(suffix string) string {
	return p.prefix + "." + suffix
}

func (p *NATSPublisher) publish(suffix string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.Subject(suffix), data); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(suffix), err)
	}
	return nil
}

// PublishSignal implements Publisher
func (p *NATSPublisher) PublishSignal(ctx context.Context, sig models.AttackSignal) error {
	return p.publish("signals", sig)
}

// PublishBlock implements Publisher
func (p *NATSPublisher) PublishBlock(ctx context.Context, rec models.BlockRecord) error {
	return p.publish("blocks", rec)
}

// PublishAlert implements Publisher
func (p *NATSPublisher) PublishAlert(ctx context.Context, alert models.Alert) error {
	return p.publish("alerts", alert)
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
