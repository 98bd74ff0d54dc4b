/*
scheduler.go - Automated expiration sweep

PURPOSE:
  Periodically runs the expiration sweep so credits past their validity are
  closed without an operator.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Runs once immediately on start
  - Each tick calls Engine.RunSweep, which resumes an interrupted run
  - Stop cancels an in-flight sweep; the run stays resumable

USAGE:
  scheduler := NewExpirationScheduler(engine, sweepConfig, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - kilometers/expiration.go: RunSweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/kilometers-engine/kilometers"
	"github.com/warp/kilometers-engine/ledger"
)

// ExpirationScheduler runs the expiration sweep on an interval.
type ExpirationScheduler struct {
	Engine   *kilometers.Engine
	Config   kilometers.SweepConfig
	Interval time.Duration
	Enabled  bool
	Log      *zap.Logger

	ticker *time.Ticker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewExpirationScheduler(engine *kilometers.Engine, cfg kilometers.SweepConfig, log *zap.Logger) *ExpirationScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExpirationScheduler{
		Engine:   engine,
		Config:   cfg,
		Interval: 1 * time.Hour,
		Enabled:  true,
		Log:      log.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *ExpirationScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)

	go s.run()

	s.Log.Info("started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for an in-flight sweep to return.
func (s *ExpirationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.Log.Info("stopped")
}

func (s *ExpirationScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ExpirationScheduler) sweep() {
	run, err := s.Engine.RunSweep(s.ctx, s.Config)
	if err != nil {
		if s.ctx.Err() != nil {
			s.Log.Info("sweep interrupted, will resume", zap.String("run", runID(run)))
			return
		}
		s.Log.Error("sweep failed", zap.String("run", runID(run)), zap.Error(err))
		return
	}
	if run.EntriesClosed > 0 || run.Failed > 0 {
		s.Log.Info("sweep completed",
			zap.String("run", run.ID),
			zap.Int("entries_closed", run.EntriesClosed),
			zap.Int("failed", run.Failed))
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *ExpirationScheduler) RunNow(ctx context.Context) error {
	_, err := s.Engine.RunSweep(ctx, s.Config)
	return err
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *ExpirationScheduler) NextRunTime() time.Time {
	return time.Now().Add(s.Interval)
}

func runID(run *ledger.SweepRun) string {
	if run == nil {
		return ""
	}
	return run.ID
}
