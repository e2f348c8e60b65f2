// Package enforcement applies resolved actions to the live HTTP exchange.
package enforcement

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/traffic-triage/internal/classifier"
	"github.com/nshruti113/traffic-triage/internal/metrics"
	"github.com/nshruti113/traffic-triage/internal/models"
)

// Effect is what the sink did with a resolution
type Effect string

const (
	EffectForwarded  Effect = "FORWARDED"
	EffectDenied     Effect = "DENIED"
	EffectChallenged Effect = "CHALLENGED"
	EffectBadGateway Effect = "BAD_GATEWAY"
)

// LedgerActionRateLimit marks rate-limit denials in the block ledger
const LedgerActionRateLimit = "RATE_LIMIT"

// RetryAfterSeconds is the retry hint sent with challenges
const RetryAfterSeconds = 60

// EffectResult describes the observable outcome of Apply
type EffectResult struct {
	Effect Effect
	Status int
	Target string
	Err    error
}

// hop-by-hop headers never cross the proxy
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SinkConfig configures forwarding
type SinkConfig struct {
	Timeout     time.Duration
	DefaultHost string
}

// Sink turns resolutions into responses
type Sink struct {
	ledger      *Ledger
	client      *http.Client
	defaultHost string
}

// NewSink creates a sink. Defaults: 30s forward timeout, localhost:5050 for
// requests without a Host.
func NewSink(cfg SinkConfig, ledger *Ledger) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DefaultHost == "" {
		cfg.DefaultHost = "localhost:5050"
	}
	return &Sink{
		ledger:      ledger,
		defaultHost: cfg.DefaultHost,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Apply writes the response for res to w
func (s *Sink) Apply(w http.ResponseWriter, r *http.Request, res models.Resolution) EffectResult {
	var out EffectResult
	switch res.Action {
	case models.ActionBlock:
		s.record(res)
		out = s.Deny(w, res.Event.SourceIP, denyReason(res))
	case models.ActionChallenge:
		out = s.Challenge(w)
	default:
		out = s.Forward(w, r)
	}
	metrics.Effects.WithLabelValues(string(out.Effect)).Inc()
	return out
}

func denyReason(res models.Resolution) string {
	if res.Reason == models.ReasonRateLimit {
		return "Rate limit exceeded"
	}
	if res.Assessment != nil {
		return "Access Denied - Threat Level: " + res.Assessment.Action
	}
	return "Access Denied"
}

// BlockRecordFor builds the ledger line for a blocked resolution
func BlockRecordFor(res models.Resolution) models.BlockRecord {
	rec := models.BlockRecord{
		IP:        res.Event.SourceIP,
		Country:   res.Country,
		Action:    LedgerActionRateLimit,
		Timestamp: res.Event.Timestamp.Format(classifier.DateLayout),
	}
	if res.Event.HTTP != nil {
		rec.Path = res.Event.HTTP.Path
		rec.UserAgent = res.Event.HTTP.UserAgent
	}
	if res.Assessment != nil {
		rec.Action = res.Assessment.Action
		rec.Confidence = res.Assessment.ConfidenceByAction
	}
	return rec
}

func (s *Sink) record(res models.Resolution) {
	if s.ledger == nil {
		return
	}
	rec := BlockRecordFor(res)
	if err := s.ledger.Append(rec); err != nil {
		log.WithField("ip", rec.IP).WithError(err).Error("Block ledger append failed")
	}
}

var denyPage = template.Must(template.New("deny").Parse(`<!DOCTYPE html>
<html>
<head><title>Access Denied - Traffic Triage</title></head>
<body>
<h1>ACCESS DENIED</h1>
<p>Your request has been <strong>blocked</strong>.</p>
<p class="code">Reason: {{.Reason}}</p>
<p class="code">IP: {{.IP}}</p>
<p>If you believe this is an error, contact the administrator.</p>
</body>
</html>
`))

const challengePage = `<!DOCTYPE html>
<html>
<head><title>Verification Required - Traffic Triage</title></head>
<body>
<h1>VERIFICATION REQUIRED</h1>
<p>Please verify you are human to continue.</p>
</body>
</html>
`

// Deny writes the fixed 403 page
func (s *Sink) Deny(w http.ResponseWriter, ip, reason string) EffectResult {
	var buf bytes.Buffer
	_ = denyPage.Execute(&buf, struct{ Reason, IP string }{reason, ip})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write(buf.Bytes())
	return EffectResult{Effect: EffectDenied, Status: http.StatusForbidden}
}

// Challenge writes the 429 verification page with a retry hint
func (s *Sink) Challenge(w http.ResponseWriter) EffectResult {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", fmt.Sprint(RetryAfterSeconds))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = io.WriteString(w, challengePage)
	return EffectResult{Effect: EffectChallenged, Status: http.StatusTooManyRequests}
}

// Target returns the URL r should be forwarded to: the request line when
// absolute, otherwise http://<Host><path>
func (s *Sink) Target(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	host := r.Host
	if host == "" {
		host = s.defaultHost
	}
	return "http://" + host + r.URL.RequestURI()
}

// Forward relays r to its destination and copies the response back.
// Redirects are returned to the origin, not followed.
func (s *Sink) Forward(w http.ResponseWriter, r *http.Request) EffectResult {
	target := s.Target(r)

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return s.badGateway(w, target, err)
	}
	out.ContentLength = r.ContentLength
	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)

	resp, err := s.client.Do(out)
	if err != nil {
		return s.badGateway(w, target, err)
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// status already sent; the origin sees a truncated body
		log.WithField("target", target).WithError(err).Warn("Response relay interrupted")
	}
	return EffectResult{Effect: EffectForwarded, Status: resp.StatusCode, Target: target}
}

func (s *Sink) badGateway(w http.ResponseWriter, target string, err error) EffectResult {
	log.WithField("target", target).WithError(err).Error("Error forwarding request")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, "Bad Gateway")
	return EffectResult{Effect: EffectBadGateway, Status: http.StatusBadGateway, Target: target, Err: err}
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
