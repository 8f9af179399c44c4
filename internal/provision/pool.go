package provision

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Runner executes one task to completion. Satisfied by Orchestrator.Run.
type Runner func(ctx context.Context, task *Task) Result

// Pool runs queued tasks with a bounded number in flight. It tops the
// in-flight set up to the limit and refills on each completion, so a fast
// task unblocks the queue immediately instead of waiting on the slowest
// concurrent peer.
type Pool struct {
	concurrency int
	runner      Runner
	sink        AccountSink
	logger      *zap.Logger

	stopped atomic.Bool
}

// NewPool builds a pool. Concurrency is clamped to 1..10.
func NewPool(concurrency int, runner Runner, sink AccountSink, logger *zap.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 10 {
		concurrency = 10
	}
	return &Pool{
		concurrency: concurrency,
		runner:      runner,
		sink:        sink,
		logger:      logger.Named("pool"),
	}
}

// Stop raises the cooperative stop flag. Tasks already running finish; no
// queued task starts afterward.
func (p *Pool) Stop() {
	p.stopped.Store(true)
	p.logger.Info("Stop requested, draining in-flight tasks.")
}

// Stopped reports whether Stop has been called.
func (p *Pool) Stopped() bool { return p.stopped.Load() }

// Run drains the queue and blocks until every started task has completed.
// Results stream to the sink in completion order. Context cancellation acts
// like Stop for queued tasks; running tasks see the same context and react
// at their own await points.
func (p *Pool) Run(ctx context.Context, tasks []*Task) {
	done := make(chan Result)
	next := 0
	inFlight := 0

	fill := func() {
		for inFlight < p.concurrency && next < len(tasks) {
			if p.stopped.Load() || ctx.Err() != nil {
				p.logger.Info("Skipping remaining queue.",
					zap.Int("remaining", len(tasks)-next))
				next = len(tasks)
				return
			}
			task := tasks[next]
			next++
			inFlight++
			p.logger.Info("Task starting.",
				zap.String("task", task.ID), zap.Int("inFlight", inFlight))
			go func() {
				done <- p.runner(ctx, task)
			}()
		}
	}

	fill()
	for inFlight > 0 {
		res := <-done
		inFlight--
		p.logger.Info("Task finished.",
			zap.String("task", res.TaskID), zap.Bool("success", res.Success))
		if p.sink != nil {
			p.sink.Consume(res)
		}
		fill()
	}
}
