// Package snapshot periodically exports live event state as JSONL to
// external destinations such as an S3 bucket.
package snapshot

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"tailscale.com/tstime"
)

// Destination receives each snapshot payload.
type Destination interface {
	Name() string
	Write(ctx context.Context, data []byte) error
}

// Scheduler exports on start and then every interval.
type Scheduler struct {
	lister       Lister
	destinations []Destination
	interval     time.Duration
	clock        tstime.Clock
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil clock means the real one.
func NewScheduler(l Lister, destinations []Destination, interval time.Duration, clk tstime.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = tstime.StdClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		lister:       l,
		destinations: destinations,
		interval:     interval,
		clock:        clk,
		logger:       logger.With("component", "snapshot"),
	}
}

// Start runs one snapshot immediately, then one per tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ticker, tick := s.clock.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		s.Once(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				s.Once(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for a running snapshot to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Once exports the current state and writes it to every destination. It
// returns the number of destinations that accepted the payload.
func (s *Scheduler) Once(ctx context.Context) int {
	var buf bytes.Buffer
	if err := ExportJSONL(ctx, s.lister, &buf); err != nil {
		s.logger.Error("snapshot export failed", "error", err)
		return 0
	}

	ok := 0
	for _, dest := range s.destinations {
		if err := dest.Write(ctx, buf.Bytes()); err != nil {
			s.logger.Error("snapshot write failed", "destination", dest.Name(), "error", err)
			continue
		}
		ok++
	}
	s.logger.Debug("snapshot written", "destinations", ok, "bytes", buf.Len())
	return ok
}
