package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/traffic-triage/internal/models"
)

// Needs a reachable Redis; set TRIAGE_TEST_REDIS to its address
func TestRedisClient_SignalRoundTrip(t *testing.T) {
	addr := os.Getenv("TRIAGE_TEST_REDIS")
	if addr == "" {
		t.Skip("TRIAGE_TEST_REDIS not set")
	}
	ctx := context.Background()
	r, err := NewRedisClient(ctx, addr, "", 15)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.client.FlushDB(ctx).Err())

	now := time.Now()
	require.NoError(t, r.PublishSignal(ctx, models.AttackSignal{ID: "s1", Identity: "9.9.9.9", Category: models.UDPFlood, DetectedAt: now}))
	require.NoError(t, r.PublishBlock(ctx, models.BlockRecord{IP: "9.9.9.9", Path: "/.env", Action: "BLOCK"}))
	require.NoError(t, r.PublishAlert(ctx, models.Alert{ID: "a1"}))

	signals, err := r.RecentSignals(ctx, 60)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "s1", signals[0].ID)

	counters, unique, err := r.MinuteCounters(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters["signals:UDP_FLOOD"])
	assert.Equal(t, int64(1), unique)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisClient(ctx, "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}
