package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/traffic-triage/internal/classifier"
	"github.com/nshruti113/traffic-triage/internal/decision"
	"github.com/nshruti113/traffic-triage/internal/detection"
	"github.com/nshruti113/traffic-triage/internal/enforcement"
	"github.com/nshruti113/traffic-triage/internal/geo"
	"github.com/nshruti113/traffic-triage/internal/identity"
	"github.com/nshruti113/traffic-triage/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	proxy    *Proxy
	router   *gin.Engine
	ledger   *bytes.Buffer
	upstream *httptest.Server
	mu       sync.Mutex
	outcomes []enforcement.EffectResult
}

func newHarness(t *testing.T, predicted string, maxInFlight int64) *harness {
	t.Helper()
	clf := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"predicted_action":"` + predicted + `","prediction_code":1,"confidence_scores":{"` + predicted + `":"91.00%"}}`))
	}))
	t.Cleanup(clf.Close)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "yes")
		_, _ = w.Write([]byte("hello from origin"))
	}))
	t.Cleanup(upstream.Close)

	tbl := identity.NewTable(identity.Config{MaxEntries: 1024, Shards: 4})
	engine := decision.NewEngine(
		[]string{"127.0.0.1", "::1", "localhost"},
		detection.NewRateLimiter(tbl, time.Minute, 100),
		classifier.NewClient(classifier.Config{URL: clf.URL}),
		geo.Static{},
	)
	h := &harness{ledger: &bytes.Buffer{}, upstream: upstream}
	sink := enforcement.NewSink(enforcement.SinkConfig{}, enforcement.NewLedgerWriter(h.ledger))
	h.proxy = NewProxy(ProxyConfig{
		Engine:      engine,
		Sink:        sink,
		MaxInFlight: maxInFlight,
		OnOutcome: func(res models.Resolution, eff enforcement.EffectResult) {
			h.mu.Lock()
			h.outcomes = append(h.outcomes, eff)
			h.mu.Unlock()
		},
	})
	h.router = h.proxy.Router()
	return h
}

func (h *harness) do(method, remote, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote + ":51515"
	req.Host = strings.TrimPrefix(h.upstream.URL, "http://")
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestProxy_ClassifierBlockIs403WithOneLedgerLine(t *testing.T) {
	h := newHarness(t, "BLOCK", 0)

	rec := h.do(http.MethodGet, "203.0.113.10", "/wp-login.php")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	lines := strings.Split(strings.TrimSpace(h.ledger.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"action":"BLOCK"`)
	assert.Contains(t, lines[0], `"ip":"203.0.113.10"`)
	assert.Contains(t, lines[0], `"path":"/wp-login.php"`)
	assert.Contains(t, lines[0], `"user_agent":"test-agent"`)
	require.Len(t, h.outcomes, 1)
	assert.Equal(t, enforcement.EffectDenied, h.outcomes[0].Effect)
}

func TestProxy_AllowForwards(t *testing.T) {
	h := newHarness(t, "MANAGED_CHALLENGE", 0)

	rec := h.do(http.MethodGet, "203.0.113.11", "/index.html")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from origin", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Origin"))
	assert.Zero(t, h.ledger.Len())
}

func TestProxy_ChallengeIs429(t *testing.T) {
	h := newHarness(t, "CHALLENGE", 0)

	rec := h.do(http.MethodPost, "203.0.113.12", "/login")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestProxy_WhitelistBypassesClassifier(t *testing.T) {
	h := newHarness(t, "BLOCK", 0)

	rec := h.do(http.MethodGet, "127.0.0.1", "/admin")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, h.ledger.Len())
}

func TestProxy_RateLimitAfter100(t *testing.T) {
	h := newHarness(t, "MANAGED_CHALLENGE", 0)

	for i := 0; i < 100; i++ {
		require.Equal(t, http.StatusOK, h.do(http.MethodGet, "198.51.100.77", "/").Code)
	}
	for i := 0; i < 5; i++ {
		rec := h.do(http.MethodGet, "198.51.100.77", "/")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "Rate limit exceeded")
	}
	assert.Equal(t, 5, strings.Count(h.ledger.String(), `"action":"RATE_LIMIT"`))
}

func TestProxy_RejectsUnsupportedMethod(t *testing.T) {
	h := newHarness(t, "MANAGED_CHALLENGE", 0)
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(http.MethodPatch, "203.0.113.13", "/").Code)
	assert.Empty(t, h.outcomes)
}

func TestProxy_InFlightCap(t *testing.T) {
	h := newHarness(t, "MANAGED_CHALLENGE", 1)
	require.True(t, h.proxy.sem.TryAcquire(1))

	rec := h.do(http.MethodGet, "203.0.113.14", "/")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.proxy.sem.Release(1)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "203.0.113.14", "/").Code)
}

func TestEventFromRequest(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/search?q=1", nil)
	c.Request.RemoteAddr = "[2001:db8::7]:4444"

	ev := EventFromRequest(c)
	assert.Equal(t, "2001:db8::7", ev.SourceIP)
	assert.Equal(t, models.LayerHTTP, ev.Layer)
	assert.Equal(t, "/search?q=1", ev.HTTP.Path)
	assert.Equal(t, "Unknown", ev.HTTP.UserAgent)
}
