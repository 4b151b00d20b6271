package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mtr002/jobworks/internal/logger"
	"github.com/mtr002/jobworks/internal/metrics"
)

// Pool runs several processors against the same store. Each one fetches
// and claims independently, so they behave like separate worker processes.
type Pool struct {
	runner      *Runner
	cfg         ProcessorConfig
	sweeper     *Sweeper
	ctx         context.Context
	cancel      context.CancelFunc
	workers     sync.WaitGroup
	background  sync.WaitGroup
	workerCount int
	prefix      string
}

// NewPool creates a pool of workerCount processors. sweeper may be nil.
func NewPool(runner *Runner, cfg ProcessorConfig, workerCount int, sweeper *Sweeper) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		runner:      runner,
		cfg:         cfg,
		sweeper:     sweeper,
		ctx:         ctx,
		cancel:      cancel,
		workerCount: workerCount,
		prefix:      uuid.New().String()[:8],
	}
}

// Start launches the processors and the sweeper
func (p *Pool) Start() {
	logger.Logger.Info().Int("worker_count", p.workerCount).Msg("Starting worker pool")
	metrics.ActiveWorkers.Add(float64(p.workerCount))

	for i := 0; i < p.workerCount; i++ {
		p.workers.Add(1)
		go p.worker(fmt.Sprintf("%s-%d", p.prefix, i))
	}

	if p.sweeper != nil {
		p.background.Add(1)
		go func() {
			defer p.background.Done()
			p.sweeper.Run(p.ctx)
		}()
	}
}

// Stop cancels polling and waits for in-flight jobs to resolve
func (p *Pool) Stop() {
	logger.Logger.Info().Msg("Stopping worker pool")
	p.cancel()
	p.workers.Wait()
	p.background.Wait()
	logger.Logger.Info().Msg("Worker pool stopped")
}

// Wait blocks until every processor has exited, which only happens on its
// own when MaxIterations is set. The sweeper keeps running until Stop.
func (p *Pool) Wait() {
	p.workers.Wait()
}

func (p *Pool) worker(id string) {
	defer p.workers.Done()
	defer metrics.ActiveWorkers.Dec()

	NewProcessor(p.runner, p.cfg, id).Run(p.ctx)
}
