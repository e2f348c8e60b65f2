package server

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/traffic-triage/internal/metrics"
	"github.com/nshruti113/traffic-triage/internal/models"
	"github.com/nshruti113/traffic-triage/internal/storage"
)

const publishTimeout = 2 * time.Second

type outboxKind int

const (
	kindSignal outboxKind = iota
	kindBlock
	kindAlert
)

type outboxItem struct {
	kind   outboxKind
	signal models.AttackSignal
	block  models.BlockRecord
	alert  models.Alert
}

// Outbox decouples the hot paths from external publishers. Enqueue never
// blocks: when the queue is full the item is dropped and counted.
type Outbox struct {
	queue      chan outboxItem
	publishers []storage.Publisher
}

// NewOutbox creates an outbox with room for size pending items
func NewOutbox(size int, publishers ...storage.Publisher) *Outbox {
	if size <= 0 {
		size = 1024
	}
	return &Outbox{
		queue:      make(chan outboxItem, size),
		publishers: publishers,
	}
}

// Enabled reports whether any publisher is attached
func (o *Outbox) Enabled() bool {
	return len(o.publishers) > 0
}

func (o *Outbox) enqueue(item outboxItem) bool {
	if !o.Enabled() {
		return false
	}
	select {
	case o.queue <- item:
		return true
	default:
		metrics.OutboxDropped.Inc()
		return false
	}
}

// Signal queues an attack signal
func (o *Outbox) Signal(sig models.AttackSignal) bool {
	return o.enqueue(outboxItem{kind: kindSignal, signal: sig})
}

// Block queues a block record
func (o *Outbox) Block(rec models.BlockRecord) bool {
	return o.enqueue(outboxItem{kind: kindBlock, block: rec})
}

// Alert queues an alert
func (o *Outbox) Alert(a models.Alert) bool {
	return o.enqueue(outboxItem{kind: kindAlert, alert: a})
}

func (o *Outbox) String() string {
	return "outbox"
}

// Serve drains the queue until ctx is done
func (o *Outbox) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-o.queue:
			o.dispatch(ctx, item)
		}
	}
}

func (o *Outbox) dispatch(ctx context.Context, item outboxItem) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	for _, p := range o.publishers {
		var err error
		switch item.kind {
		case kindSignal:
			err = p.PublishSignal(ctx, item.signal)
		case kindBlock:
			err = p.PublishBlock(ctx, item.block)
		case kindAlert:
			err = p.PublishAlert(ctx, item.alert)
		}
		if err != nil {
			metrics.PublishErrors.WithLabelValues(p.Name()).Inc()
			log.WithField("sink", p.Name()).WithError(err).Warn("Publish failed")
		}
	}
}

// Close closes every publisher
func (o *Outbox) Close() {
	for _, p := range o.publishers {
		if err := p.Close(); err != nil {
			log.WithField("sink", p.Name()).WithError(err).Warn("Publisher close failed")
		}
	}
}
