package storage

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/traffic-triage/internal/models"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(10*time.Second))
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSPublisher_PublishesOnPrefixedSubjects(t *testing.T) {
	ns := runServer(t)

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	signals := make(chan *nats.Msg, 4)
	blocks := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("edge.signals", signals)
	require.NoError(t, err)
	_, err = sub.ChanSubscribe("edge.blocks", blocks)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := NewNATSPublisher(ns.ClientURL(), "edge")
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "nats", p.Name())

	ctx := context.Background()
	require.NoError(t, p.PublishSignal(ctx, models.AttackSignal{Identity: "9.9.9.9", Category: models.SYNFlood, Score: 100}))
	require.NoError(t, p.PublishBlock(ctx, models.BlockRecord{IP: "9.9.9.9", Action: "BLOCK"}))

	select {
	case msg := <-signals:
		var sig models.AttackSignal
		require.NoError(t, json.Unmarshal(msg.Data, &sig))
		assert.Equal(t, models.SYNFlood, sig.Category)
		assert.Equal(t, "9.9.9.9", sig.Identity)
	case <-time.After(5 * time.Second):
		t.Fatal("no signal received")
	}

	select {
	case msg := <-blocks:
		var rec models.BlockRecord
		require.NoError(t, json.Unmarshal(msg.Data, &rec))
		assert.Equal(t, "BLOCK", rec.Action)
	case <-time.After(5 * time.Second):
		t.Fatal("no block received")
	}
}

func TestAlertFromSignal(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := AlertFromSignal(models.AttackSignal{
		Identity:    "9.9.9.9",
		Category:    models.SYNFlood,
		ThreatLevel: "HIGH",
		Evidence:    []string{"SYN Flood: 75.0 pkts/sec (Threshold: 50)"},
		DetectedAt:  at,
	})
	assert.Equal(t, "CRITICAL", a.Level)
	assert.Equal(t, "SYN_FLOOD Attack Detected", a.Title)
	assert.Equal(t, "SYN Flood: 75.0 pkts/sec (Threshold: 50)", a.Message)
	assert.Equal(t, "9.9.9.9", a.SourceIP)
	assert.Equal(t, at, a.Timestamp)
	assert.NotEmpty(t, a.ID)

	assert.Equal(t, "INFO", AlertFromSignal(models.AttackSignal{ThreatLevel: "LOW"}).Level)
}
