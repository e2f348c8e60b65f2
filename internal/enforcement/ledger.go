package enforcement

import (
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nshruti113/traffic-triage/internal/metrics"
	"github.com/nshruti113/traffic-triage/internal/models"
)

// LedgerConfig configures the rotated block ledger file
type LedgerConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// Ledger appends one JSON object per line for every blocked request
type Ledger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLedger opens the ledger file through lumberjack
func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.Path == "" {
		cfg.Path = "blocked_requests.log"
	}
	return NewLedgerWriter(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
}

// NewLedgerWriter writes ledger lines to w
func NewLedgerWriter(w io.Writer) *Ledger {
	return &Ledger{w: w}
}

// Append writes rec as a single line
func (l *Ledger) Append(rec models.BlockRecord) error {
	if rec.Confidence == nil {
		rec.Confidence = map[string]float64{}
	}
	line, err := json.Marshal(rec)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to encode block record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		metrics.LedgerWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to append block record: %w", err)
	}
	metrics.LedgerWrites.WithLabelValues("ok").Inc()
	return nil
}

// Close closes the underlying file when there is one
func (l *Ledger) Close() error {
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
