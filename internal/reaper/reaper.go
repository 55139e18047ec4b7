// Package reaper periodically removes etag index entries and other records
// whose backing state has expired.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tailscale.com/tstime"

	"github.com/davehorton/drachtio-simple-server/internal/metrics"
)

// DefaultInterval is used when the configured interval is not positive.
const DefaultInterval = 60 * time.Second

// Reaper is the store operation the scheduler drives.
type Reaper interface {
	ReapExpired(ctx context.Context) (int, error)
}

// Scheduler runs ReapExpired on a fixed interval.
type Scheduler struct {
	store    Reaper
	interval time.Duration
	clock    tstime.Clock
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil clock means the real one.
func NewScheduler(r Reaper, interval time.Duration, clk tstime.Clock, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = tstime.StdClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    r,
		interval: interval,
		clock:    clk,
		logger:   logger.With("component", "reaper"),
	}
}

// Start begins the sweep loop. The ticker is created before Start returns.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ticker, tick := s.clock.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		s.run(ctx, tick)
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single ReapExpired and returns the number of entries removed.
func (s *Scheduler) Sweep(ctx context.Context) int {
	n, err := s.store.ReapExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("reap expired", "error", err)
		}
		return 0
	}
	metrics.ETagsReaped(n)
	if n > 0 {
		s.logger.Info("reaped expired entries", "count", n)
	} else {
		s.logger.Debug("nothing to reap")
	}
	return n
}
