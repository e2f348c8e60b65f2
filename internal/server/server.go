// Package server wires the triage components together and runs them under
// a supervisor tree.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"

	"github.com/nshruti113/traffic-triage/internal/api"
	"github.com/nshruti113/traffic-triage/internal/capture"
	"github.com/nshruti113/traffic-triage/internal/classifier"
	"github.com/nshruti113/traffic-triage/internal/config"
	"github.com/nshruti113/traffic-triage/internal/decision"
	"github.com/nshruti113/traffic-triage/internal/detection"
	"github.com/nshruti113/traffic-triage/internal/enforcement"
	"github.com/nshruti113/traffic-triage/internal/geo"
	"github.com/nshruti113/traffic-triage/internal/identity"
	"github.com/nshruti113/traffic-triage/internal/models"
	"github.com/nshruti113/traffic-triage/internal/stats"
	"github.com/nshruti113/traffic-triage/internal/storage"
)

const gaugeInterval = 5 * time.Second

// Server owns every long-lived component
type Server struct {
	cfg *config.Config

	Table      *identity.Table
	Limiter    *detection.RateLimiter
	Scorer     *detection.FloodScorer
	Classifier *classifier.Client
	Engine     *decision.Engine
	Ledger     *enforcement.Ledger
	Sink       *enforcement.Sink
	Stats      *stats.Aggregator
	Hub        *api.Hub
	Outbox     *Outbox

	proxy   *api.Proxy
	admin   *api.Admin
	capture capture.Source

	mu        sync.Mutex
	proxyAddr net.Addr
	adminAddr net.Addr
	cancel    context.CancelFunc
	done      chan struct{}
	exitErr   error
}

// New builds the component graph from cfg and connects the enabled
// publishers
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	publishers, history, err := connectPublishers(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg}
	s.Table = identity.NewTable(identity.Config{
		MaxEntries: cfg.Identity.MaxEntries,
		TTL:        cfg.Identity.TTL,
		Shards:     cfg.Identity.Shards,
	})
	s.Limiter = detection.NewRateLimiter(s.Table, cfg.RateLimit.Window, cfg.RateLimit.Limit)
	s.Scorer = detection.NewFloodScorer(s.Table, detection.Thresholds{
		SYN:      cfg.Flood.SYN,
		PortScan: cfg.Flood.PortScan,
		ICMP:     cfg.Flood.ICMP,
		UDP:      cfg.Flood.UDP,
	})
	s.Classifier = classifier.NewClient(classifier.Config{
		URL:           cfg.Classifier.URL,
		Timeout:       cfg.Classifier.Timeout,
		FailurePolicy: classifier.FailurePolicy(cfg.Classifier.FailurePolicy),
		Breaker: classifier.BreakerConfig{
			Enabled:  cfg.Classifier.Breaker.Enabled,
			Failures: cfg.Classifier.Breaker.Failures,
			Cooldown: cfg.Classifier.Breaker.Cooldown,
		},
	})
	s.Engine = decision.NewEngine(cfg.Whitelist, s.Limiter, s.Classifier, newLocator(cfg.Geo))
	s.Ledger = enforcement.NewLedger(enforcement.LedgerConfig{
		Path:       cfg.Ledger.Path,
		MaxSizeMB:  cfg.Ledger.MaxSizeMB,
		MaxBackups: cfg.Ledger.MaxBackups,
		Compress:   cfg.Ledger.Compress,
	})
	s.Sink = enforcement.NewSink(enforcement.SinkConfig{
		Timeout:     cfg.Forward.Timeout,
		DefaultHost: cfg.Forward.DefaultHost,
	}, s.Ledger)
	s.Stats = stats.NewAggregator(stats.Config{})
	s.Stats.SetIdentityCounter(s.Table.Len)
	s.Hub = api.NewHub()
	s.Outbox = NewOutbox(cfg.Outbox.Size, publishers...)

	s.proxy = api.NewProxy(api.ProxyConfig{
		Engine:      s.Engine,
		Sink:        s.Sink,
		MaxInFlight: cfg.Proxy.MaxInFlight,
		OnOutcome:   s.onOutcome,
	})
	s.admin = api.NewAdmin(s.Stats, s.Table, s.Hub)
	s.admin.SetStatus(func() any { return s.Status() })
	if history != nil {
		s.admin.SetHistory(history)
	}
	return s, nil
}

// Status describes the live decision path settings
type Status struct {
	ClassifierBreaker string               `json:"classifier_breaker"`
	FailurePolicy     string               `json:"failure_policy"`
	RateLimit         int                  `json:"rate_limit"`
	Thresholds        detection.Thresholds `json:"thresholds"`
	Identities        int                  `json:"identities"`
	Publishing        bool                 `json:"publishing"`
}

// Status snapshots the breaker state and the effective limits
func (s *Server) Status() Status {
	return Status{
		ClassifierBreaker: s.Classifier.BreakerState(),
		FailurePolicy:     string(s.Classifier.Policy()),
		RateLimit:         s.Limiter.Limit(),
		Thresholds:        s.Scorer.Thresholds(),
		Identities:        s.Table.Len(),
		Publishing:        s.Outbox.Enabled(),
	}
}

func newLocator(cfg config.GeoConfig) geo.Locator {
	if cfg.Provider == "ipapi" {
		return geo.NewIPAPI(geo.IPAPIConfig{
			BaseURL: cfg.BaseURL,
			Default: cfg.DefaultCountry,
			Timeout: cfg.Timeout,
		})
	}
	return geo.Static{Default: cfg.DefaultCountry}
}

// connectPublishers dials the enabled publishers. The Redis client doubles
// as the admin history store.
func connectPublishers(ctx context.Context, cfg *config.Config) ([]storage.Publisher, *storage.RedisClient, error) {
	var publishers []storage.Publisher
	var history *storage.RedisClient
	if cfg.Redis.Enabled {
		rc, err := storage.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		publishers = append(publishers, rc)
		history = rc
	}
	if cfg.NATS.Enabled {
		np, err := storage.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			for _, p := range publishers {
				_ = p.Close()
			}
			return nil, nil, err
		}
		publishers = append(publishers, np)
	}
	return publishers, history, nil
}

// AttachCapture adds a packet source scored by the capture loop once the
// server starts
func (s *Server) AttachCapture(src capture.Source) {
	s.capture = src
}

func (s *Server) onOutcome(res models.Resolution, eff enforcement.EffectResult) {
	s.Stats.RecordResolution(res)
	if eff.Effect == enforcement.EffectBadGateway {
		s.Stats.RecordBadGateway()
	}
	s.Hub.Broadcast(api.MessageTypeResolution, res)
	if res.Action == models.ActionBlock {
		s.Outbox.Block(enforcement.BlockRecordFor(res))
	}
}

func (s *Server) onPacket(models.ObservationEvent) {
	s.Stats.RecordPacket()
}

func (s *Server) onSignal(sig models.AttackSignal) {
	s.Stats.RecordSignal(sig)
	s.Hub.Broadcast(api.MessageTypeSignal, sig)
	s.Outbox.Signal(sig)

	alert := storage.AlertFromSignal(sig)
	s.Hub.Broadcast(api.MessageTypeAlert, alert)
	s.Outbox.Alert(alert)
}

func (s *Server) newMonitor(name string, src capture.Source) *capture.Monitor {
	return capture.NewMonitor(capture.MonitorConfig{
		Name:     name,
		Source:   src,
		Scorer:   s.Scorer,
		OnPacket: s.onPacket,
		OnSignal: s.onSignal,
	})
}

// Replay scores an offline capture through the same handlers as live
// capture and returns the counters
func (s *Server) Replay(ctx context.Context, src capture.Source) (capture.RunStats, error) {
	return s.newMonitor("replay", src).Run(ctx)
}

// Start binds the listeners and starts the supervisor. A bind failure is
// returned before anything runs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("server already started")
	}

	proxyLn, err := net.Listen("tcp", s.cfg.Listen.Addr())
	if err != nil {
		return fmt.Errorf("failed to bind proxy listener %s: %w", s.cfg.Listen.Addr(), err)
	}
	var adminLn net.Listener
	if s.cfg.Admin.Enabled {
		adminLn, err = net.Listen("tcp", s.cfg.Admin.Addr)
		if err != nil {
			proxyLn.Close()
			return fmt.Errorf("failed to bind admin listener %s: %w", s.cfg.Admin.Addr, err)
		}
	}

	sup := suture.New("triage", suture.Spec{
		EventHook: func(e suture.Event) {
			log.WithFields(log.Fields(e.Map())).Warn(e.String())
		},
		Timeout: shutdownTimeout,
	})
	sup.Add(newHTTPService("proxy", proxyLn, s.proxy.Router()))
	s.proxyAddr = proxyLn.Addr()
	if adminLn != nil {
		sup.Add(newHTTPService("admin", adminLn, s.admin.Router()))
		s.adminAddr = adminLn.Addr()
	}
	if s.capture != nil {
		sup.Add(s.newMonitor("capture", s.capture))
	}
	if s.Outbox.Enabled() {
		sup.Add(s.Outbox)
	}
	sup.Add(&gaugeService{every: gaugeInterval, count: s.Table.Len})

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	supDone := sup.ServeBackground(runCtx)
	done := make(chan struct{})
	go func() {
		err := <-supDone
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(done)
	}()
	s.done = done

	log.WithFields(log.Fields{
		"capture":    s.capture != nil,
		"policy":     s.Classifier.Policy(),
		"breaker":    s.Classifier.BreakerState(),
		"rate_limit": s.Limiter.Limit(),
		"thresholds": s.Scorer.Thresholds(),
	}).Info("Traffic triage started")
	return nil
}

// ProxyAddr returns the bound proxy address once started
func (s *Server) ProxyAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxyAddr
}

// AdminAddr returns the bound admin address, nil when disabled
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminAddr
}

// Done is closed once the supervisor has stopped
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the supervisor exit error after Done is closed
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Shutdown stops every service and closes the ledger and publishers
func (s *Server) Shutdown() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	var runErr error
	if cancel != nil {
		cancel()
		select {
		case <-done:
			if err := s.Err(); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Debug("Supervisor exited")
			}
		case <-time.After(2 * shutdownTimeout):
			runErr = errors.New("supervisor did not stop in time")
		}
	}

	s.Outbox.Close()
	if err := s.Ledger.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close ledger: %w", err)
	}
	log.Info("Traffic triage stopped")
	return runErr
}
