package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/traffic-triage/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// httpService runs one http.Server under the supervisor. The first run
// serves the listener bound at startup; restarts bind addr again.
type httpService struct {
	name   string
	addr   string
	server *http.Server
	ln     net.Listener
}

func newHTTPService(name string, ln net.Listener, handler http.Handler) *httpService {
	return &httpService{
		name: name,
		addr: ln.Addr().String(),
		ln:   ln,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (h *httpService) String() string {
	return h.name
}

func (h *httpService) Serve(ctx context.Context) error {
	ln := h.ln
	h.ln = nil
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", h.addr); err != nil {
			return fmt.Errorf("%s listen on %s: %w", h.name, h.addr, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(ln)
	}()
	log.WithFields(log.Fields{"service": h.name, "addr": ln.Addr().String()}).Info("Listener started")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

// gaugeService refreshes the active identity gauge
type gaugeService struct {
	every time.Duration
	count func() int
}

func (g *gaugeService) String() string {
	return "identity-gauge"
}

func (g *gaugeService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.every)
	defer ticker.Stop()
	for {
		metrics.IdentitiesActive.Set(float64(g.count()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
