// Package classifier calls the external threat classification service.
//
// Every call is bounded by a fixed timeout and never surfaces an error to
// the caller: transport failures, non-2xx responses and undecodable bodies
// yield a default assessment whose action depends on the failure policy.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/nshruti113/traffic-triage/internal/metrics"
	"github.com/nshruti113/traffic-triage/internal/models"
)

// DateLayout is the wire format of the Date feature
const DateLayout = "2006-01-02 15:04:05"

const maxResponseBytes = 1 << 20

// FailurePolicy chooses the fallback action when the classifier is unusable
type FailurePolicy string

const (
	// FailOpen substitutes MANAGED_CHALLENGE, which resolves to ALLOW
	FailOpen FailurePolicy = "open"
	// FailClosed substitutes BLOCK
	FailClosed FailurePolicy = "closed"
)

// Features is the tuple sent to the classifier for one HTTP event
type Features struct {
	Identity  string
	Endpoint  string
	UserAgent string
	Country   string
	Timestamp time.Time
}

// BreakerConfig controls the circuit breaker around classifier calls
type BreakerConfig struct {
	Enabled  bool
	Failures uint32
	Cooldown time.Duration
}

// Config configures the client
type Config struct {
	URL           string
	Timeout       time.Duration
	FailurePolicy FailurePolicy
	Breaker       BreakerConfig
}

type request struct {
	IP        string `json:"IP"`
	Endpoint  string `json:"Endpoint"`
	UserAgent string `json:"User-Agent"`
	Country   string `json:"Country"`
	Date      string `json:"Date"`
}

type response struct {
	PredictedAction  string                     `json:"predicted_action"`
	ConfidenceScores map[string]json.RawMessage `json:"confidence_scores"`
	PredictionCode   int                        `json:"prediction_code"`
}

// Client is a bounded-latency adapter to the classifier service
type Client struct {
	url     string
	policy  FailurePolicy
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[models.ThreatAssessment]
}

const breakerName = "classifier"

// NewClient creates a client. A zero timeout means 5s; an empty policy
// means fail-open.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailOpen
	}

	c := &Client{
		url:    cfg.URL,
		policy: cfg.FailurePolicy,
		http:   &http.Client{Timeout: cfg.Timeout},
	}

	if cfg.Breaker.Enabled {
		failures := cfg.Breaker.Failures
		if failures == 0 {
			failures = 5
		}
		cooldown := cfg.Breaker.Cooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
		c.breaker = gobreaker.NewCircuitBreaker[models.ThreatAssessment](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(log.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Classifier circuit breaker state change")
				metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to.String()))
				metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			},
		})
	}
	return c
}

// Policy returns the configured failure policy
func (c *Client) Policy() FailurePolicy {
	return c.policy
}

// BreakerState returns "closed", "open" or "half-open"; "disabled" when
// no breaker is configured
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// Classify returns the classifier's assessment of f. It never blocks longer
// than the configured timeout and never returns an error.
func (c *Client) Classify(ctx context.Context, f Features) models.ThreatAssessment {
	start := time.Now()
	// a caller hanging up must not count against the classifier; the
	// client timeout still bounds the call
	ctx = context.WithoutCancel(ctx)

	var (
		ta  models.ThreatAssessment
		err error
	)
	if c.breaker != nil {
		ta, err = c.breaker.Execute(func() (models.ThreatAssessment, error) {
			return c.call(ctx, f)
		})
	} else {
		ta, err = c.call(ctx, f)
	}

	latency := time.Since(start)
	metrics.ClassifierLatency.Observe(latency.Seconds())

	if err != nil {
		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "rejected"
		}
		metrics.ClassifierRequests.WithLabelValues(outcome).Inc()
		metrics.ClassifierErrors.Inc()
		log.WithFields(log.Fields{
			"ip":      f.Identity,
			"path":    f.Endpoint,
			"outcome": outcome,
			"policy":  string(c.policy),
		}).WithError(err).Warn("Classifier unavailable, using default assessment")
		return c.fallback(latency)
	}

	metrics.ClassifierRequests.WithLabelValues("success").Inc()
	ta.Latency = latency
	return ta
}

func (c *Client) fallback(latency time.Duration) models.ThreatAssessment {
	action := models.PredictedManagedChallenge
	if c.policy == FailClosed {
		action = models.PredictedBlock
	}
	return models.ThreatAssessment{
		Action:             action,
		ConfidenceByAction: map[string]float64{},
		Source:             models.SourceDefaultOnError,
		Latency:            latency,
	}
}

func (c *Client) call(ctx context.Context, f Features) (models.ThreatAssessment, error) {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(request{
		IP:        f.Identity,
		Endpoint:  f.Endpoint,
		UserAgent: f.UserAgent,
		Country:   f.Country,
		Date:      ts.Format(DateLayout),
	})
	if err != nil {
		return models.ThreatAssessment{}, fmt.Errorf("failed to encode features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return models.ThreatAssessment{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.ThreatAssessment{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.ThreatAssessment{}, fmt.Errorf("failed to read classifier response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.ThreatAssessment{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.ThreatAssessment{}, fmt.Errorf("failed to decode classifier response: %w", err)
	}

	action := strings.ToUpper(strings.TrimSpace(out.PredictedAction))
	if action == "" {
		action = models.PredictedManagedChallenge
	}

	confidence := make(map[string]float64, len(out.ConfidenceScores))
	for label, v := range out.ConfidenceScores {
		p, err := parseConfidence(v)
		if err != nil {
			log.WithField("label", label).WithError(err).Debug("Skipping unparseable confidence")
			continue
		}
		confidence[label] = p
	}

	return models.ThreatAssessment{
		Action:             action,
		ConfidenceByAction: confidence,
		Code:               out.PredictionCode,
		Source:             models.SourceClassifier,
	}, nil
}

// parseConfidence accepts "87.50%", "0.875" or a bare number and returns a
// probability in [0,1]. Numbers above 1 are read as percentages.
func parseConfidence(raw json.RawMessage) (float64, error) {
	var f float64
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		s = strings.TrimSpace(s)
		pct := strings.HasSuffix(s, "%")
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("bad confidence %q: %w", s, err)
		}
		if pct {
			v /= 100
		}
		f = v
	} else if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}

	if f > 1 {
		f /= 100
	}
	if f < 0 {
		f = 0
	} else if f > 1 {
		f = 1
	}
	return f, nil
}
