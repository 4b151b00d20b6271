package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/metrics"
)

// BatchResult counts what one batch did. A skipped job lost its claim to
// another worker; it counts as processed but not as succeeded or failed.
type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (r *BatchResult) add(o Outcome) {
	r.Processed++
	switch o {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// Runner processes one bounded page of ready jobs per call.
type Runner struct {
	store       interfaces.JobStore
	executor    *Executor
	concurrency int
}

// NewRunner creates a runner. concurrency <= 1 executes the batch
// sequentially; larger values run up to that many jobs at once, each still
// claimed on its own.
func NewRunner(store interfaces.JobStore, executor *Executor, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{store: store, executor: executor, concurrency: concurrency}
}

// RunBatch fetches up to limit ready jobs and executes them. A store error
// stops the batch and is returned with the counts gathered so far.
func (r *Runner) RunBatch(ctx context.Context, limit int) (BatchResult, error) {
	start := time.Now()
	defer func() { metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	jobs, err := r.store.FetchReady(ctx, limit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("fetch ready jobs: %w", err)
	}

	if r.concurrency == 1 || len(jobs) <= 1 {
		return r.runSequential(ctx, jobs)
	}
	return r.runConcurrent(ctx, jobs)
}

func (r *Runner) runSequential(ctx context.Context, jobs []*interfaces.Job) (BatchResult, error) {
	var res BatchResult
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome, err := r.executor.Execute(ctx, job)
		if err != nil {
			return res, fmt.Errorf("job %s: %w", job.ID, err)
		}
		res.add(outcome)
	}
	return res, nil
}

func (r *Runner) runConcurrent(ctx context.Context, jobs []*interfaces.Job) (BatchResult, error) {
	var (
		mu  sync.Mutex
		res BatchResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome, err := r.executor.Execute(gctx, job)
			if err != nil {
				return fmt.Errorf("job %s: %w", job.ID, err)
			}
			mu.Lock()
			res.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	return res, err
}
