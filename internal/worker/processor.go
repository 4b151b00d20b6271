package worker

import (
	"context"
	"time"

	"github.com/mtr002/jobworks/internal/logger"
	"github.com/mtr002/jobworks/internal/metrics"
)

// ProcessorConfig controls the polling loop.
type ProcessorConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxIterations bounds the loop; zero runs until the context ends.
	MaxIterations int
}

// Processor runs batches in a loop, sleeping PollInterval whenever a batch
// finds nothing to do or the store is unavailable.
type Processor struct {
	runner   *Runner
	cfg      ProcessorConfig
	workerID string
}

// NewProcessor creates a processor that logs as workerID.
func NewProcessor(runner *Runner, cfg ProcessorConfig, workerID string) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Processor{runner: runner, cfg: cfg, workerID: workerID}
}

// Run loops until ctx is done or MaxIterations batches have run, and
// returns the number of iterations completed. Store errors never end the
// loop.
func (p *Processor) Run(ctx context.Context) int {
	log := logger.WithWorkerID(p.workerID)
	log.Info().
		Int("batch_size", p.cfg.BatchSize).
		Dur("poll_interval", p.cfg.PollInterval).
		Int("max_iterations", p.cfg.MaxIterations).
		Msg("Worker started")

	iterations := 0
	for p.cfg.MaxIterations == 0 || iterations < p.cfg.MaxIterations {
		if ctx.Err() != nil {
			break
		}

		res, err := p.runner.RunBatch(ctx, p.cfg.BatchSize)
		iterations++

		idle := false
		switch {
		case err != nil && ctx.Err() != nil:
			// Shutdown interrupted the batch.
		case err != nil:
			metrics.BatchErrorsTotal.Inc()
			log.Error().Err(err).Int("processed", res.Processed).Msg("Batch failed, backing off")
			idle = true
		case res.Processed == 0:
			idle = true
		default:
			log.Debug().
				Int("processed", res.Processed).
				Int("succeeded", res.Succeeded).
				Int("failed", res.Failed).
				Int("skipped", res.Skipped).
				Msg("Batch finished")
		}

		last := p.cfg.MaxIterations > 0 && iterations >= p.cfg.MaxIterations
		if idle && !last && !sleep(ctx, p.cfg.PollInterval) {
			break
		}
	}

	log.Info().Int("iterations", iterations).Msg("Worker shutting down")
	return iterations
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
