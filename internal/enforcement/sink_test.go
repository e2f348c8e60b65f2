package enforcement

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/traffic-triage/internal/models"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func resolution(action models.Action, reason string, ta *models.ThreatAssessment) models.Resolution {
	return models.Resolution{
		ID: "r-1",
		Event: models.ObservationEvent{
			Timestamp: t0,
			SourceIP:  "203.0.113.50",
			Layer:     models.LayerHTTP,
			HTTP:      &models.HTTPPayload{Method: "GET", Path: "/.env", UserAgent: "sqlmap/1.7"},
		},
		Action:     action,
		Reason:     reason,
		Country:    "NL",
		Assessment: ta,
	}
}

func ledgerLines(t *testing.T, buf *bytes.Buffer) []models.BlockRecord {
	t.Helper()
	var out []models.BlockRecord
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec models.BlockRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestApply_ClassifierBlockDeniesAndRecords(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(SinkConfig{}, NewLedgerWriter(&buf))

	ta := &models.ThreatAssessment{
		Action:             "BLOCK",
		ConfidenceByAction: map[string]float64{"BLOCK": 0.875},
		Source:             models.SourceClassifier,
	}
	rec := httptest.NewRecorder()
	out := s.Apply(rec, httptest.NewRequest(http.MethodGet, "/.env", nil), resolution(models.ActionBlock, models.ReasonClassifier, ta))

	assert.Equal(t, EffectDenied, out.Effect)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Access Denied - Threat Level: BLOCK")
	assert.Contains(t, rec.Body.String(), "203.0.113.50")

	lines := ledgerLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, models.BlockRecord{
		IP:         "203.0.113.50",
		Path:       "/.env",
		UserAgent:  "sqlmap/1.7",
		Country:    "NL",
		Action:     "BLOCK",
		Confidence: map[string]float64{"BLOCK": 0.875},
		Timestamp:  "2026-03-01 10:00:00",
	}, lines[0])
}

func TestApply_RateLimitDenial(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(SinkConfig{}, NewLedgerWriter(&buf))

	rec := httptest.NewRecorder()
	out := s.Apply(rec, httptest.NewRequest(http.MethodGet, "/", nil), resolution(models.ActionBlock, models.ReasonRateLimit, nil))

	assert.Equal(t, EffectDenied, out.Effect)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Rate limit exceeded")

	lines := ledgerLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, LedgerActionRateLimit, lines[0].Action)
	assert.Empty(t, lines[0].Confidence)
}

func TestApply_ChallengeDoesNotForward(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	var buf bytes.Buffer
	s := NewSink(SinkConfig{}, NewLedgerWriter(&buf))
	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/login", nil)
	rec := httptest.NewRecorder()

	out := s.Apply(rec, req, resolution(models.ActionChallenge, models.ReasonClassifier, &models.ThreatAssessment{Action: "CHALLENGE"}))

	assert.Equal(t, EffectChallenged, out.Effect)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, int32(0), hits.Load())
	assert.Zero(t, buf.Len())
}

func TestApply_AllowForwardsVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/items", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		assert.Empty(t, r.Header.Get("Proxy-Connection"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"q":1}`, string(body))

		w.Header().Set("X-Upstream", "origin")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer upstream.Close()

	s := NewSink(SinkConfig{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/items?page=2", strings.NewReader(`{"q":1}`))
	req.Host = strings.TrimPrefix(upstream.URL, "http://")
	req.Header.Set("X-Trace", "yes")
	req.Header.Set("Proxy-Connection", "keep-alive")
	rec := httptest.NewRecorder()

	out := s.Apply(rec, req, resolution(models.ActionAllow, models.ReasonClassifier, nil))

	assert.Equal(t, EffectForwarded, out.Effect)
	assert.Equal(t, http.StatusCreated, out.Status)
	assert.Equal(t, upstream.URL+"/items?page=2", out.Target)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "origin", rec.Header().Get("X-Upstream"))
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Equal(t, "created", rec.Body.String())
}

func TestForward_DoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	s := NewSink(SinkConfig{}, nil)
	rec := httptest.NewRecorder()
	out := s.Forward(rec, httptest.NewRequest(http.MethodGet, upstream.URL+"/start", nil))

	assert.Equal(t, EffectForwarded, out.Effect)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/elsewhere", rec.Header().Get("Location"))
}

func TestForward_UnreachableIsBadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	s := NewSink(SinkConfig{Timeout: time.Second}, nil)
	rec := httptest.NewRecorder()
	out := s.Apply(rec, httptest.NewRequest(http.MethodGet, url+"/", nil), resolution(models.ActionAllow, models.ReasonWhitelisted, nil))

	assert.Equal(t, EffectBadGateway, out.Effect)
	assert.Error(t, out.Err)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestTarget(t *testing.T) {
	s := NewSink(SinkConfig{DefaultHost: "backend:9000"}, nil)

	abs := httptest.NewRequest(http.MethodGet, "http://origin.test/a?b=c", nil)
	assert.Equal(t, "http://origin.test/a?b=c", s.Target(abs))

	rel := httptest.NewRequest(http.MethodGet, "/a?b=c", nil)
	rel.Host = "site.test:8080"
	assert.Equal(t, "http://site.test:8080/a?b=c", s.Target(rel))

	rel.Host = ""
	assert.Equal(t, "http://backend:9000/a?b=c", s.Target(rel))
}
