package finalization

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nondetchain/consensus-core/internal/effects"
)

var (
	// ErrScannerAlreadyRunning is returned by Start on a second call.
	ErrScannerAlreadyRunning = errors.New("finalization: scanner already running")
	// ErrScannerNotRunning is returned by Stop when the scanner never started.
	ErrScannerNotRunning = errors.New("finalization: scanner not running")
)

// Scanner runs the finalization loop on its own ticker, independent of
// the worker pool's pending/appeal scanners (spec.md §3.4, "C9 runs
// independently"). Lifecycle mirrors the same teacher
// ConsensusEngine.Start/Stop idiom used by internal/worker and
// internal/eventbus.
type Scanner struct {
	engine   *Engine
	executor *effects.Executor
	interval time.Duration
	log      *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScanner builds a Scanner. interval <= 0 defaults to one second.
func NewScanner(engine *Engine, executor *effects.Executor, interval time.Duration, log *zap.Logger) *Scanner {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scanner{engine: engine, executor: executor, interval: interval, log: log}
}

// Start launches the scanner loop.
func (s *Scanner) Start(ctx context.Context) error {
	err := ErrScannerAlreadyRunning
	s.startOnce.Do(func() {
		if s.isRunning.Load() {
			return
		}
		err = nil
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.isRunning.Store(true)
		s.wg.Add(1)
		go s.loop()
		s.log.Info("finalization scanner started")
	})
	return err
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (s *Scanner) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if !s.isRunning.Load() {
			err = ErrScannerNotRunning
			return
		}
		s.cancel()
		s.wg.Wait()
		s.isRunning.Store(false)
		s.log.Info("finalization scanner stopped")
	})
	return err
}

func (s *Scanner) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.ctx)
		}
	}
}

// tick scans every finalization candidate once and promotes the ones
// whose window (and parent, if any) allow it.
func (s *Scanner) tick(ctx context.Context) {
	candidates, err := s.engine.Transactions.GetFinalizationCandidates(ctx)
	if err != nil {
		s.log.Error("finalization scan failed", zap.Error(err))
		return
	}
	now := time.Now()
	for i := range candidates {
		tx := candidates[i]
		ready, err := s.engine.Ready(ctx, &tx, now)
		if err != nil {
			s.log.Error("finalization readiness check failed", zap.Stringer("tx", tx.Hash), zap.Error(err))
			continue
		}
		if !ready {
			continue
		}
		effects, err := s.engine.Promote(ctx, &tx)
		if err != nil {
			s.log.Error("finalization promotion build failed", zap.Stringer("tx", tx.Hash), zap.Error(err))
			continue
		}
		if err := s.executor.Apply(ctx, effects); err != nil {
			s.log.Error("apply finalization effects failed", zap.Stringer("tx", tx.Hash), zap.Error(err))
		}
	}
}
