package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Phases the simulator cycles through
const (
	PhaseNormal    = "NORMAL"
	PhaseHTTPFlood = "HTTP_FLOOD"
	PhaseProbing   = "PROBING"
)

// Options configures an HTTP run
type Options struct {
	Proxy         string
	Host          string
	NormalRate    int
	Bots          int
	FloodRate     int
	Workers       int
	PhaseDuration time.Duration
	Duration      time.Duration
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 14_6 like Mac OS X)",
}

var normalPaths = []string{
	"/", "/api/users", "/api/products", "/login", "/dashboard",
	"/profile", "/search", "/checkout", "/api/orders", "/help",
}

var scanPaths = []string{
	"/admin", "/administrator/index.php", "/.env", "/app/.env",
	"/wp-login.php", "/wp-admin/", "/phpmyadmin/sql.php", "/sql/dump",
}

// Simulator sends requests from distinct loopback source addresses so the
// proxy sees each bot as its own identity
type Simulator struct {
	opts     Options
	mu       sync.Mutex
	clients  map[string]*http.Client
	statuses map[int]int
	failures int
}

func NewSimulator(opts Options) *Simulator {
	if opts.Workers <= 0 {
		opts.Workers = 64
	}
	if opts.Bots <= 0 {
		opts.Bots = 20
	}
	if opts.PhaseDuration <= 0 {
		opts.PhaseDuration = 10 * time.Second
	}
	return &Simulator{
		opts:     opts,
		clients:  make(map[string]*http.Client),
		statuses: make(map[int]int),
	}
}

// loopback addresses outside 127.0.0.1, which is whitelisted by default
func botnet(size int, third byte) []string {
	ips := make([]string, size)
	for i := 0; i < size; i++ {
		ips[i] = fmt.Sprintf("127.0.%d.%d", third, i%250+2)
	}
	return ips
}

func (s *Simulator) clientFor(ip string) *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[ip]; ok {
		return c
	}
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		LocalAddr: &net.TCPAddr{IP: net.ParseIP(ip)},
	}
	c := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: 4,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	s.clients[ip] = c
	return c
}

// Send issues one GET from ip for path
func (s *Simulator) Send(ctx context.Context, ip, path, ua string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.Proxy+path, nil)
	if err != nil {
		return
	}
	req.Host = s.opts.Host
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := s.clientFor(ip).Do(req)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			s.failures++
		}
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	s.statuses[resp.StatusCode]++
}

func (s *Simulator) report(phase string) {
	s.mu.Lock()
	fields := log.Fields{"phase": phase, "errors": s.failures}
	for code, n := range s.statuses {
		fields[fmt.Sprint(code)] = n
	}
	s.statuses = make(map[int]int)
	s.failures = 0
	s.mu.Unlock()
	log.WithFields(fields).Info("Phase finished")
}

// tick sends one second worth of traffic for phase
func (s *Simulator) tick(ctx context.Context, phase string, normal, bots, scanners []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for i := 0; i < s.opts.NormalRate; i++ {
		ip := normal[rand.Intn(len(normal))]
		path := normalPaths[rand.Intn(len(normalPaths))]
		ua := userAgents[rand.Intn(len(userAgents))]
		g.Go(func() error { s.Send(gctx, ip, path, ua); return nil })
	}

	switch phase {
	case PhaseHTTPFlood:
		targets := []string{"/api/search", "/login"}
		for i := 0; i < s.opts.FloodRate; i++ {
			ip := bots[rand.Intn(len(bots))]
			path := targets[rand.Intn(len(targets))]
			g.Go(func() error { s.Send(gctx, ip, path, "curl/7.68.0"); return nil })
		}
	case PhaseProbing:
		for _, ip := range scanners {
			for _, path := range scanPaths {
				g.Go(func() error { s.Send(gctx, ip, path, "sqlmap/1.7"); return nil })
			}
		}
	}
	_ = g.Wait()
}

// Run cycles NORMAL, HTTP_FLOOD and PROBING phases until ctx is done
func (s *Simulator) Run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if s.opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Duration)
		defer cancel()
	}

	normal := botnet(50, 1)
	bots := botnet(s.opts.Bots, 2)
	scanners := botnet(3, 3)

	log.WithFields(log.Fields{
		"proxy": s.opts.Proxy,
		"host":  s.opts.Host,
		"rate":  s.opts.NormalRate,
	}).Info("🚀 Starting traffic simulator")

	sequence := []string{PhaseNormal, PhaseHTTPFlood, PhaseNormal, PhaseProbing}
	phaseIdx := 0
	phase := sequence[phaseIdx]
	log.WithField("phase", phase).Info("⚠️  Phase started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	phaseTicker := time.NewTicker(s.opts.PhaseDuration)
	defer phaseTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.report(phase)
			return nil
		case <-ticker.C:
			s.tick(ctx, phase, normal, bots, scanners)
		case <-phaseTicker.C:
			s.report(phase)
			phaseIdx = (phaseIdx + 1) % len(sequence)
			phase = sequence[phaseIdx]
			log.WithField("phase", phase).Info("⚠️  Phase started")
		}
	}
}
