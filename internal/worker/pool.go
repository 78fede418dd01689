package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kubewarden/policy-server/internal/kubecontext"
	"github.com/kubewarden/policy-server/internal/policy"
	"github.com/kubewarden/policy-server/internal/requestqueue"
)

// BootRequest is what the Bootstrap Sequencer sends to start the pool
// (spec.md §4.4, WorkerPoolBootRequest). Reply carries nil on success, or
// the fatal error that should abort the whole process.
type BootRequest struct {
	Policies        *policy.Set
	PoolSize        int
	EvaluationLimit time.Duration
	Snapshot        func() kubecontext.Reader
	Reply           chan error
}

// Pool is the fixed set of Workers that share one request inbox via a
// round-robin dispatcher. Constructed once at bootstrap and run until the
// inbox (requestqueue.Channel) is closed.
type Pool struct {
	logger  *slog.Logger
	metrics Metrics

	workers []*Worker
	wg      sync.WaitGroup
}

// New constructs an empty Pool; call Boot to actually spawn Workers.
func New(logger *slog.Logger, metrics Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{logger: logger.With("component", "worker-pool"), metrics: metrics}
}

// Boot spawns req.PoolSize Workers, each independently compiling every
// policy in req.Policies. Any compile or settings-validation failure
// aborts the whole boot and is returned (and also sent on req.Reply, per
// the BootRequest contract used by the Bootstrap Sequencer).
func (p *Pool) Boot(ctx context.Context, req BootRequest) error {
	if req.PoolSize <= 0 {
		err := fmt.Errorf("worker pool size must be positive, got %d", req.PoolSize)
		req.Reply <- err
		return err
	}

	workers := make([]*Worker, 0, req.PoolSize)
	for i := 0; i < req.PoolSize; i++ {
		evaluators, err := buildEvaluators(ctx, req.Policies, req.Snapshot, req.EvaluationLimit)
		if err != nil {
			for _, w := range workers {
				w.shutdown()
			}
			wrapped := fmt.Errorf("worker %d setup: %w", i, err)
			req.Reply <- wrapped
			return wrapped
		}
		workers = append(workers, newWorker(i, evaluators, p.logger, p.metrics))
	}

	p.workers = workers
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.run()
		}(w)
	}

	p.logger.InfoContext(ctx, "worker pool ready", slog.Int("pool_size", len(p.workers)))
	req.Reply <- nil
	return nil
}

// Run reads from inbox and fans requests out to Workers round-robin. It
// returns once inbox is exhausted (closed and drained), having joined every
// Worker. Tie-break per spec.md §4.4: if a worker's per-worker queue is
// full, try the next worker up to pool_size attempts; if all are full,
// block on the first one tried, which both preserves enqueue ordering for
// that worker and applies backpressure upstream.
func (p *Pool) Run(ctx context.Context, inbox *requestqueue.Channel) {
	next := 0
	n := len(p.workers)

	for {
		req, ok := inbox.Dequeue()
		if !ok {
			break
		}

		first := next
		delivered := false
		for attempt := 0; attempt < n; attempt++ {
			idx := (first + attempt) % n
			select {
			case p.workers[idx].inbox <- req:
				delivered = true
				next = (idx + 1) % n
			default:
			}
			if delivered {
				break
			}
		}

		if !delivered {
			p.workers[first].inbox <- req
			next = (first + 1) % n
		}
	}

	for _, w := range p.workers {
		w.shutdown()
	}
	p.wg.Wait()
}

// Shutdown abandons every request still sitting in a Worker's inbox once
// the pool has been asked to stop draining (e.g. process shutdown before
// the inbox closed naturally), so producers waiting on those reply
// handles observe service_unavailable instead of hanging forever.
func (p *Pool) Shutdown() {
	for _, w := range p.workers {
	drain:
		for {
			select {
			case req, ok := <-w.inbox:
				if !ok {
					break drain
				}
				req.Abandon()
			default:
				break drain
			}
		}
	}
}
