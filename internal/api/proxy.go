// Package api holds the gin routers: the triage proxy listener and the
// admin API with its live feed.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/nshruti113/traffic-triage/internal/decision"
	"github.com/nshruti113/traffic-triage/internal/enforcement"
	"github.com/nshruti113/traffic-triage/internal/metrics"
	"github.com/nshruti113/traffic-triage/internal/models"
)

// Outcome is called after every proxied request with its resolution and
// the effect applied
type Outcome func(res models.Resolution, eff enforcement.EffectResult)

// ProxyConfig wires the proxy handler
type ProxyConfig struct {
	Engine *decision.Engine
	Sink   *enforcement.Sink
	// MaxInFlight caps concurrent requests; 0 means unbounded
	MaxInFlight int64
	OnOutcome   Outcome
}

// Proxy triages and forwards every inbound request
type Proxy struct {
	engine  *decision.Engine
	sink    *enforcement.Sink
	sem     *semaphore.Weighted
	outcome Outcome
}

// NewProxy creates the proxy handler
func NewProxy(cfg ProxyConfig) *Proxy {
	p := &Proxy{
		engine:  cfg.Engine,
		sink:    cfg.Sink,
		outcome: cfg.OnOutcome,
	}
	if cfg.MaxInFlight > 0 {
		p.sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	return p
}

var proxiedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// Router returns a gin engine that sends every path to the proxy
func (p *Proxy) Router() *gin.Engine {
	router := gin.New()
	router.Use(recoveryMiddleware(), loggerMiddleware("proxy"))
	// identity comes from the socket peer only
	_ = router.SetTrustedProxies(nil)
	router.NoRoute(p.handle)
	return router
}

func (p *Proxy) handle(c *gin.Context) {
	if !proxiedMethods[c.Request.Method] {
		c.String(http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	if p.sem != nil {
		if !p.sem.TryAcquire(1) {
			metrics.ProxyRejected.Inc()
			c.Header("Retry-After", "1")
			c.String(http.StatusServiceUnavailable, "Service Unavailable")
			return
		}
		defer p.sem.Release(1)
	}

	ev := EventFromRequest(c)
	res := p.engine.Decide(c.Request.Context(), ev)
	eff := p.sink.Apply(c.Writer, c.Request, res)
	if p.outcome != nil {
		p.outcome(res, eff)
	}
}

// EventFromRequest builds the HTTP observation for a request
func EventFromRequest(c *gin.Context) models.ObservationEvent {
	r := c.Request
	path := r.RequestURI
	if path == "" {
		path = r.URL.RequestURI()
	}
	ua := r.UserAgent()
	if ua == "" {
		ua = "Unknown"
	}
	return models.ObservationEvent{
		SourceIP: c.RemoteIP(),
		Layer:    models.LayerHTTP,
		HTTP: &models.HTTPPayload{
			Method:    r.Method,
			Path:      path,
			UserAgent: ua,
			Host:      r.Host,
		},
	}
}
