package worker

import (
	"context"
	"time"

	"github.com/mtr002/jobworks/internal/jobs"
	"github.com/mtr002/jobworks/internal/logger"
)

// SweeperConfig controls housekeeping. A zero StaleAfter disables stale
// recovery; a zero Retention disables cleanup.
type SweeperConfig struct {
	Interval   time.Duration
	Retention  time.Duration
	StaleAfter time.Duration
}

// SweepResult reports one housekeeping pass.
type SweepResult struct {
	Deleted   int64
	Recovered int
}

// Sweeper deletes old terminal jobs and recovers jobs abandoned in running.
type Sweeper struct {
	manager *jobs.Manager
	cfg     SweeperConfig
}

// NewSweeper creates a sweeper. Interval defaults to one hour.
func NewSweeper(manager *jobs.Manager, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{manager: manager, cfg: cfg}
}

// SweepOnce runs cleanup and stale recovery, then refreshes status gauges.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	if s.cfg.StaleAfter > 0 {
		n, err := s.manager.RecoverStale(ctx, s.cfg.StaleAfter)
		if err != nil {
			return res, err
		}
		res.Recovered = n
	}

	if s.cfg.Retention > 0 {
		n, err := s.manager.Cleanup(ctx, s.cfg.Retention)
		if err != nil {
			return res, err
		}
		res.Deleted = n
	}

	if _, err := s.manager.Stats(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	logger.Logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("retention", s.cfg.Retention).
		Dur("stale_after", s.cfg.StaleAfter).
		Msg("Sweeper started")

	for {
		select {
		case <-ctx.Done():
			logger.Logger.Info().Msg("Sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				logger.Logger.Error().Err(err).Msg("Sweep failed")
			}
		}
	}
}
