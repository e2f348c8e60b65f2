// Package geo resolves a source address to a country code.
package geo

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/traffic-triage/internal/metrics"
)

// DefaultCountry is used for local addresses and failed lookups
const DefaultCountry = "US"

// Locator maps an IP to an ISO country code. It never fails; unknown
// addresses get the locator's default.
type Locator interface {
	Country(ctx context.Context, ip string) string
}

// Static returns the same country for every address
type Static struct {
	Default string
}

// Country implements Locator
func (s Static) Country(ctx context.Context, ip string) string {
	if s.Default == "" {
		return DefaultCountry
	}
	return s.Default
}

// IPAPIConfig configures the ip-api.com provider
type IPAPIConfig struct {
	BaseURL   string
	Default   string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
}

// IPAPI looks countries up at ip-api.com and caches the answers
type IPAPI struct {
	baseURL string
	def     string
	http    *http.Client
	cache   *expirable.LRU[string, string]
}

// NewIPAPI creates the provider. Defaults: 2s timeout, 10000 entries
// cached for 24h.
func NewIPAPI(cfg IPAPIConfig) *IPAPI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://ip-api.com"
	}
	if cfg.Default == "" {
		cfg.Default = DefaultCountry
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &IPAPI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		def:     cfg.Default,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

type ipAPIResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
}

// Country implements Locator
func (p *IPAPI) Country(ctx context.Context, ip string) string {
	if IsLocal(ip) {
		metrics.GeoLookups.WithLabelValues("local").Inc()
		return p.def
	}
	if cc, ok := p.cache.Get(ip); ok {
		metrics.GeoLookups.WithLabelValues("cached").Inc()
		return cc
	}

	cc, err := p.lookup(ctx, ip)
	if err != nil {
		metrics.GeoLookups.WithLabelValues("fallback").Inc()
		log.WithField("ip", ip).WithError(err).Debug("Country lookup failed")
		return p.def
	}
	metrics.GeoLookups.WithLabelValues("resolved").Inc()
	p.cache.Add(ip, cc)
	return cc
}

func (p *IPAPI) lookup(ctx context.Context, ip string) (string, error) {
	url := fmt.Sprintf("%s/json/%s?fields=status,countryCode", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip-api returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	var out ipAPIResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode ip-api response: %w", err)
	}
	if out.Status != "success" || out.CountryCode == "" {
		return "", fmt.Errorf("ip-api lookup status %q", out.Status)
	}
	return out.CountryCode, nil
}

// IsLocal reports whether ip is loopback, private, link-local or a name
// such as localhost that never leaves the host
func IsLocal(ip string) bool {
	if strings.EqualFold(ip, "localhost") {
		return true
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return true
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}
