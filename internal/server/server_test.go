package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/traffic-triage/internal/config"
	"github.com/nshruti113/traffic-triage/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T, classifierURL string) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = 0
	cfg.Admin.Addr = "127.0.0.1:0"
	cfg.Classifier.URL = classifierURL
	cfg.Whitelist = nil
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "blocked.log")
	return cfg
}

func classifierReturning(t *testing.T, action string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"predicted_action":"` + action + `","confidence_scores":{"` + action + `":0.9}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func proxyGet(t *testing.T, s *Server, host, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+s.ProxyAddr().String()+path, nil)
	require.NoError(t, err)
	req.Host = host
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestServer_EndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "origin")
	}))
	defer upstream.Close()
	upstreamHost := strings.TrimPrefix(upstream.URL, "http://")

	cfg := testConfig(t, classifierReturning(t, "MANAGED_CHALLENGE").URL)
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	resp := proxyGet(t, s, upstreamHost, "/hello")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "origin", string(body))

	resp, err = http.Get("http://" + s.AdminAddr().String() + "/api/stats/summary")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sum models.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	assert.Equal(t, uint64(1), sum.TotalRequests)
	assert.Equal(t, uint64(1), sum.Allowed)
	assert.Equal(t, 1, sum.ActiveIdentities)
}

func TestServer_BlockWritesLedger(t *testing.T) {
	cfg := testConfig(t, classifierReturning(t, "BLOCK").URL)
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	resp := proxyGet(t, s, "127.0.0.1:1", "/.env")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.NoError(t, s.Shutdown())
	data, err := os.ReadFile(cfg.Ledger.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"path":"/.env"`)
	assert.Equal(t, 1, s.Stats.Snapshot().AttackPatterns["env_file_access"])
}

func TestServer_StartFailsWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t, "http://127.0.0.1:1/predict")
	cfg.Listen.Port = ln.Addr().(*net.TCPAddr).Port

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Error(t, s.Start(context.Background()))
}

func TestServer_SignalFansOut(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/predict")
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)

	s.onSignal(models.AttackSignal{ID: "sig", Identity: "10.1.1.1", Category: models.UDPFlood, ThreatLevel: "HIGH"})
	sum := s.Stats.Snapshot()
	assert.Equal(t, 1, sum.Attacks[models.UDPFlood])
	require.Len(t, s.Stats.Recent(), 1)
}

func TestServer_ShutdownAfterSupervisorStopped(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/predict")
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	cancel()
	select {
	case <-s.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	// a second reader still sees the stop
	<-s.Done()

	start := time.Now()
	require.NoError(t, s.Shutdown())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestServer_StatusAndHistoryRoutes(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/predict")
	cfg.RateLimit.Limit = 42
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	base := "http://" + s.AdminAddr().String()
	resp, err := http.Get(base + "/api/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "closed", st.ClassifierBreaker)
	assert.Equal(t, 42, st.RateLimit)
	assert.Equal(t, cfg.Flood.UDP, st.Thresholds.UDP)
	assert.False(t, st.Publishing)

	// no Redis configured
	resp, err = http.Get(base + "/api/stats/minute")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
