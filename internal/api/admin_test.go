package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/traffic-triage/internal/identity"
	"github.com/nshruti113/traffic-triage/internal/models"
	"github.com/nshruti113/traffic-triage/internal/stats"
)

func newAdmin() (*Admin, *stats.Aggregator, *identity.Table, *Hub) {
	agg := stats.NewAggregator(stats.Config{})
	tbl := identity.NewTable(identity.Config{MaxEntries: 64, Shards: 2})
	hub := NewHub()
	return NewAdmin(agg, tbl, hub), agg, tbl, hub
}

func get(t *testing.T, a *Admin, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAdmin_Health(t *testing.T) {
	a, _, _, _ := newAdmin()
	rec := get(t, a, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdmin_Metrics(t *testing.T) {
	a, _, _, _ := newAdmin()
	rec := get(t, a, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "triage_identities_active")
}

func TestAdmin_SummaryAndOffenders(t *testing.T) {
	a, agg, _, _ := newAdmin()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, ip := range []string{"10.0.0.1", "10.0.0.1", "10.0.0.2"} {
		agg.RecordResolution(models.Resolution{
			Event:      models.ObservationEvent{SourceIP: ip, HTTP: &models.HTTPPayload{Path: "/admin"}},
			Action:     models.ActionBlock,
			Reason:     models.ReasonClassifier,
			ResolvedAt: at.Add(time.Duration(i) * time.Second),
		})
	}

	rec := get(t, a, "/api/stats/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	var s models.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, uint64(3), s.Blocked)
	assert.Equal(t, 100.0, s.BlockRate)
	assert.Equal(t, 3, s.AttackPatterns["admin_probing"])

	rec = get(t, a, "/api/stats/offenders?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Offenders []models.Offender `json:"offenders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Offenders, 1)
	assert.Equal(t, "10.0.0.1", body.Offenders[0].IP)
	assert.Equal(t, 2, body.Offenders[0].Blocks)

	assert.Equal(t, http.StatusBadRequest, get(t, a, "/api/stats/offenders?limit=zero").Code)
}

func TestAdmin_RecentAttacks(t *testing.T) {
	a, agg, _, _ := newAdmin()
	agg.RecordSignal(models.AttackSignal{ID: "sig-1", Category: models.ICMPFlood})

	rec := get(t, a, "/api/attacks/recent")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sig-1"`)
}

type fakeHistory struct {
	seconds  int
	at       time.Time
	signals  []models.AttackSignal
	counters map[string]int64
	unique   int64
	err      error
}

func (f *fakeHistory) RecentSignals(_ context.Context, seconds int) ([]models.AttackSignal, error) {
	f.seconds = seconds
	return f.signals, f.err
}

func (f *fakeHistory) MinuteCounters(_ context.Context, t time.Time) (map[string]int64, int64, error) {
	f.at = t
	return f.counters, f.unique, f.err
}

func TestAdmin_HistoryUnavailableWithoutStore(t *testing.T) {
	a, _, _, _ := newAdmin()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, a, "/api/stats/minute").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, a, "/api/attacks/history").Code)
}

func TestAdmin_MinuteCounters(t *testing.T) {
	a, _, _, _ := newAdmin()
	h := &fakeHistory{counters: map[string]int64{"UDP_FLOOD": 3, "total": 3}, unique: 2}
	a.SetHistory(h)

	rec := get(t, a, "/api/stats/minute?at=2026-03-01T10:00:42Z")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Minute          time.Time        `json:"minute"`
		Counters        map[string]int64 `json:"counters"`
		UniqueAttackers int64            `json:"unique_attackers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Minute.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(3), body.Counters["UDP_FLOOD"])
	assert.Equal(t, int64(2), body.UniqueAttackers)
	assert.True(t, h.at.Equal(time.Date(2026, 3, 1, 10, 0, 42, 0, time.UTC)))

	assert.Equal(t, http.StatusBadRequest, get(t, a, "/api/stats/minute?at=yesterday").Code)

	h.err = errors.New("connection refused")
	assert.Equal(t, http.StatusBadGateway, get(t, a, "/api/stats/minute").Code)
}

func TestAdmin_AttackHistory(t *testing.T) {
	a, _, _, _ := newAdmin()
	h := &fakeHistory{signals: []models.AttackSignal{{ID: "sig-9", Category: models.UDPFlood}}}
	a.SetHistory(h)

	rec := get(t, a, "/api/attacks/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultHistorySeconds, h.seconds)
	assert.Contains(t, rec.Body.String(), `"sig-9"`)

	rec = get(t, a, "/api/attacks/history?seconds=999999")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxHistorySeconds, h.seconds)

	assert.Equal(t, http.StatusBadRequest, get(t, a, "/api/attacks/history?seconds=-5").Code)
}

func TestAdmin_Status(t *testing.T) {
	a, _, _, _ := newAdmin()
	rec := get(t, a, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	a.SetStatus(func() any { return map[string]string{"classifier_breaker": "closed"} })
	rec = get(t, a, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"classifier_breaker":"closed"}`, rec.Body.String())
}

func TestAdmin_Identity(t *testing.T) {
	a, _, tbl, _ := newAdmin()
	tbl.Do("198.51.100.8", func(e *identity.Entry) {
		e.Touch(time.Now())
		e.Requests = 4
	})

	rec := get(t, a, "/api/identities/198.51.100.8")
	require.Equal(t, http.StatusOK, rec.Code)
	var p models.IdentityProfile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, uint64(4), p.Requests)

	assert.Equal(t, http.StatusNotFound, get(t, a, "/api/identities/192.0.2.200").Code)
}

func TestAdmin_WebSocketFeed(t *testing.T) {
	a, _, _, hub := newAdmin()
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Broadcast(MessageTypeSignal, models.AttackSignal{ID: "live-1", Category: models.SYNFlood})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string              `json:"type"`
		Payload models.AttackSignal `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MessageTypeSignal, msg.Type)
	assert.Equal(t, "live-1", msg.Payload.ID)
}
