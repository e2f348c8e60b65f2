// Package decision resolves application-layer events into an enforcement
// action: whitelist, then rate limit, then the classifier.
package decision

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/traffic-triage/internal/classifier"
	"github.com/nshruti113/traffic-triage/internal/detection"
	"github.com/nshruti113/traffic-triage/internal/geo"
	"github.com/nshruti113/traffic-triage/internal/metrics"
	"github.com/nshruti113/traffic-triage/internal/models"
)

// Classifier scores one HTTP event. Implementations must not fail; an
// unavailable backend yields a DEFAULT_ON_ERROR assessment.
type Classifier interface {
	Classify(ctx context.Context, f classifier.Features) models.ThreatAssessment
}

// Engine runs the per-event decision machine
type Engine struct {
	whitelist  map[string]struct{}
	limiter    *detection.RateLimiter
	classifier Classifier
	locator    geo.Locator
	now        func() time.Time
}

// NewEngine creates an engine. A nil locator resolves every address to
// the default country.
func NewEngine(whitelist []string, limiter *detection.RateLimiter, c Classifier, locator geo.Locator) *Engine {
	wl := make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			wl[ip] = struct{}{}
		}
	}
	if locator == nil {
		locator = geo.Static{}
	}
	return &Engine{
		whitelist:  wl,
		limiter:    limiter,
		classifier: c,
		locator:    locator,
		now:        time.Now,
	}
}

// setClock replaces the time source used for events without a timestamp
func (e *Engine) setClock(now func() time.Time) {
	e.now = now
}

// IsWhitelisted reports whether ip bypasses every check
func (e *Engine) IsWhitelisted(ip string) bool {
	_, ok := e.whitelist[ip]
	return ok
}

// machine records the stages an event passes through. Stages only move
// forward.
type machine struct {
	path []models.Stage
}

func (m *machine) to(s models.Stage) {
	if n := len(m.path); n > 0 && m.path[n-1] >= s {
		return
	}
	m.path = append(m.path, s)
}

// Decide resolves one HTTP event. It blocks at most for the classifier
// timeout and never fails.
func (e *Engine) Decide(ctx context.Context, ev models.ObservationEvent) models.Resolution {
	now := ev.Timestamp
	if now.IsZero() {
		now = e.now()
		ev.Timestamp = now
	}

	m := &machine{}
	m.to(models.StageReceived)

	res := models.Resolution{
		ID:    uuid.New().String(),
		Event: ev,
	}

	switch {
	case e.IsWhitelisted(ev.SourceIP):
		m.to(models.StageWhitelisted)
		res.Action = models.ActionAllow
		res.Reason = models.ReasonWhitelisted

	case e.limiter.Record(ev.SourceIP, now):
		m.to(models.StageRateChecked)
		res.Action = models.ActionBlock
		res.Reason = models.ReasonRateLimit
		res.Country = e.locator.Country(ctx, ev.SourceIP)

	default:
		m.to(models.StageRateChecked)
		res.Country = e.locator.Country(ctx, ev.SourceIP)

		f := classifier.Features{
			Identity:  ev.SourceIP,
			Country:   res.Country,
			Timestamp: now,
		}
		if ev.HTTP != nil {
			f.Endpoint = ev.HTTP.Path
			f.UserAgent = ev.HTTP.UserAgent
		}
		ta := e.classifier.Classify(ctx, f)
		m.to(models.StageClassified)

		res.Assessment = &ta
		res.Action = MapAction(ta.Action)
		res.Reason = models.ReasonClassifier
	}

	m.to(models.StageResolved)
	res.Path = m.path
	res.ResolvedAt = e.now()

	metrics.Decisions.WithLabelValues(string(res.Action), res.Reason).Inc()
	fields := log.Fields{
		"ip":     ev.SourceIP,
		"action": res.Action,
		"reason": res.Reason,
	}
	if ev.HTTP != nil {
		fields["path"] = ev.HTTP.Path
	}
	if res.Assessment != nil {
		fields["predicted"] = res.Assessment.Action
		fields["source"] = res.Assessment.Source
	}
	log.WithFields(fields).Info("Request resolved")

	return res
}

// MapAction converts a classifier label to an enforcement action. Anything
// unrecognised, including MANAGED_CHALLENGE, resolves to ALLOW.
func MapAction(predicted string) models.Action {
	switch strings.ToUpper(predicted) {
	case models.PredictedBlock, models.PredictedJSChallenge:
		return models.ActionBlock
	case models.PredictedChallenge:
		return models.ActionChallenge
	}
	return models.ActionAllow
}
