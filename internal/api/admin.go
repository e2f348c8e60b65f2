package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nshruti113/traffic-triage/internal/identity"
	"github.com/nshruti113/traffic-triage/internal/models"
	"github.com/nshruti113/traffic-triage/internal/stats"
)

const (
	defaultOffenders = 10
	maxOffenders     = 1000

	defaultHistorySeconds = 300
	maxHistorySeconds     = 86400
	historyTimeout        = 5 * time.Second
)

// History reads signals and per-minute counters persisted by a publisher
type History interface {
	RecentSignals(ctx context.Context, seconds int) ([]models.AttackSignal, error)
	MinuteCounters(ctx context.Context, t time.Time) (map[string]int64, int64, error)
}

// Admin serves health, metrics, stats and the live feed
type Admin struct {
	stats   *stats.Aggregator
	table   *identity.Table
	hub     *Hub
	history History
	status  func() any
}

// NewAdmin creates the admin API
func NewAdmin(agg *stats.Aggregator, table *identity.Table, hub *Hub) *Admin {
	return &Admin{stats: agg, table: table, hub: hub}
}

// SetHistory enables the persisted history endpoints
func (a *Admin) SetHistory(h History) {
	a.history = h
}

// SetStatus installs the body served by /api/status
func (a *Admin) SetStatus(fn func() any) {
	a.status = fn
}

// Router builds the admin gin engine
func (a *Admin) Router() *gin.Engine {
	router := gin.New()
	router.Use(recoveryMiddleware(), loggerMiddleware("admin"), corsMiddleware())

	router.GET("/healthz", a.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/status", a.getStatus)

		// Stats
		api.GET("/stats/summary", a.getSummary)
		api.GET("/stats/offenders", a.getOffenders)
		api.GET("/stats/minute", a.getMinute)

		// Attacks
		api.GET("/attacks/recent", a.getRecentAttacks)
		api.GET("/attacks/history", a.getAttackHistory)

		// Identities
		api.GET("/identities/:ip", a.getIdentity)
	}

	// WebSocket endpoint
	router.GET("/ws", a.hub.HandleWebSocket)

	return router
}

func (a *Admin) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *Admin) getStatus(c *gin.Context) {
	if a.status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, a.status())
}

// getSummary returns rolling triage counts
func (a *Admin) getSummary(c *gin.Context) {
	c.JSON(http.StatusOK, a.stats.Snapshot())
}

// getOffenders returns the top blocked identities
func (a *Admin) getOffenders(c *gin.Context) {
	limit := defaultOffenders
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxOffenders {
		limit = maxOffenders
	}

	c.JSON(http.StatusOK, gin.H{
		"offenders": a.stats.TopOffenders(limit),
	})
}

// getRecentAttacks returns the retained attack signals, newest first
func (a *Admin) getRecentAttacks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"attacks": a.stats.Recent(),
	})
}

// getIdentity returns the profile of one source
func (a *Admin) getIdentity(c *gin.Context) {
	profile, ok := a.table.Lookup(c.Param("ip"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not tracked"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

// getMinute returns the persisted counters for the current minute, or for
// the minute containing ?at= (RFC 3339)
func (a *Admin) getMinute(c *gin.Context) {
	if a.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}
	at := time.Now()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at must be an RFC 3339 timestamp"})
			return
		}
		at = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
	defer cancel()
	counters, unique, err := a.history.MinuteCounters(ctx, at)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"minute":           at.UTC().Truncate(time.Minute),
		"counters":         counters,
		"unique_attackers": unique,
	})
}

// getAttackHistory returns persisted signals from the last ?seconds=
func (a *Admin) getAttackHistory(c *gin.Context) {
	if a.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}
	seconds := defaultHistorySeconds
	if raw := c.Query("seconds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "seconds must be a positive integer"})
			return
		}
		seconds = min(n, maxHistorySeconds)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), historyTimeout)
	defer cancel()
	signals, err := a.history.RecentSignals(ctx, seconds)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"seconds": seconds,
		"attacks": signals,
	})
}
