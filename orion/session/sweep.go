package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/orion-gepa/orion/gepa"
)

// PendingMiner mines the threads a ledger has not seen yet. *gepa.Miner
// implements it.
type PendingMiner interface {
	ProcessPending(ctx context.Context, dir string) ([]*gepa.Report, error)
}

// Notifier is told that the learned-tool store may have changed.
type Notifier interface {
	Notify() bool
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Threads  int      `json:"threads"`
	Created  []string `json:"created"`
	Reloaded bool     `json:"reloaded"`
}

// Sweeper periodically mines unprocessed threads on a cron schedule.
type Sweeper struct {
	schedule string
	dir      string
	miner    PendingMiner
	notifier Notifier
	metrics  *MetricsCollector
	logger   zerolog.Logger

	cronEngine *cron.Cron
	entryID    cron.EntryID
	running    atomic.Bool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper validates the standard 5-field schedule. notifier and metrics
// may be nil.
func NewSweeper(schedule, dir string, miner PendingMiner, notifier Notifier, metrics *MetricsCollector, logger zerolog.Logger) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("failed to parse sweep schedule: %w", err)
	}
	if metrics == nil {
		metrics = NewMetricsCollector()
	}
	return &Sweeper{
		schedule:   schedule,
		dir:        dir,
		miner:      miner,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logger.With().Str("component", "sweeper").Logger(),
		cronEngine: cron.New(),
	}, nil
}

// Start schedules the sweep. Runs cancel when ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("sweeper already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	entryID, err := s.cronEngine.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(s.ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Sweep failed")
		}
	})
	if err != nil {
		s.cancel()
		s.cancel = nil
		return fmt.Errorf("failed to add sweep job: %w", err)
	}
	s.entryID = entryID
	s.cronEngine.Start()
	s.logger.Info().Str("schedule", s.schedule).Str("dir", s.dir).Msg("Mining sweep scheduled")
	return nil
}

// Next returns the time of the next scheduled run, or zero before Start.
func (s *Sweeper) Next() time.Time {
	return s.cronEngine.Entry(s.entryID).Next
}

// RunOnce mines pending threads now. A sweep already in progress makes it
// a no-op.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug().Msg("Sweep already running")
		return result, nil
	}
	defer s.running.Store(false)

	started := time.Now()
	reports, err := s.miner.ProcessPending(ctx, s.dir)
	result.Threads = len(reports)
	result.Created = []string{}
	for _, r := range reports {
		result.Created = append(result.Created, r.Created...)
	}
	s.metrics.RecordMining(time.Since(started), len(result.Created), err)
	if err != nil {
		return result, fmt.Errorf("sweep of %s failed: %w", s.dir, err)
	}
	if s.notifier != nil {
		// New tools reach the dispatcher through the store's change hook,
		// so Notify may find nothing left to do.
		result.Reloaded = s.notifier.Notify() || len(result.Created) > 0
	}
	s.logger.Info().
		Int("threads", result.Threads).
		Strs("created", result.Created).
		Bool("reloaded", result.Reloaded).
		Dur("duration", time.Since(started)).
		Msg("Mining sweep finished")
	return result, nil
}

// Stop halts the schedule and waits for a running sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	cronCtx := s.cronEngine.Stop()
	select {
	case <-cronCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
