package worker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/kubewarden/policy-server/internal/evaluator"
	"github.com/kubewarden/policy-server/internal/requestqueue"
)

// newTestPool builds a Pool whose Workers' evaluator maps are injected
// directly, bypassing buildEvaluators/Wasm compilation entirely.
func newTestPool(t *testing.T, poolSize int, evaluators map[string]workerEntry) *Pool {
	t.Helper()
	p := New(slog.Default(), nil)
	for i := 0; i < poolSize; i++ {
		p.workers = append(p.workers, newWorker(i, evaluators, slog.Default(), nil))
	}
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.run()
		}(w)
	}
	return p
}

func TestPoolDispatchesAndRepliesRoundRobin(t *testing.T) {
	evaluators := map[string]workerEntry{
		"p": {eval: fakeEvaluator{resp: okResponseAllow()}, mode: "protect"},
	}
	pool := newTestPool(t, 3, evaluators)
	inbox := requestqueue.NewChannel(8)

	go pool.Run(context.Background(), inbox)

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := inbox.Submit(context.Background(), "p", []byte(`{}`), trace.SpanContext{})
			require.NoError(t, err)
			assert.True(t, resp.Allowed)
		}()
	}
	wg.Wait()

	inbox.Close()
	waitForPoolExit(t, pool)
}

func waitForPoolExit(t *testing.T, pool *Pool) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool workers never exited after inbox closed")
	}
}

func okResponseAllow() evaluator.Response {
	return evaluator.Response{Allowed: true}
}

// blockingEvaluator blocks Evaluate until block is closed, used to keep a
// worker busy so later requests pile up unconsumed in its inbox.
type blockingEvaluator struct {
	block chan struct{}
}

func (b blockingEvaluator) Evaluate(ctx context.Context, admissionReview []byte) evaluator.Response {
	<-b.block
	return evaluator.Response{Allowed: true}
}

func (b blockingEvaluator) Close(ctx context.Context) error { return nil }

func TestPoolShutdownAbandonsQueuedRequests(t *testing.T) {
	// A slow evaluator keeps every worker busy with its first request, so
	// subsequent requests pile up in worker inboxes unconsumed.
	blockCh := make(chan struct{})
	evaluators := map[string]workerEntry{
		"p": {eval: blockingEvaluator{block: blockCh}, mode: "protect"},
	}
	pool := newTestPool(t, 1, evaluators)
	inbox := requestqueue.NewChannel(8)

	go pool.Run(context.Background(), inbox)

	errCh := make(chan error, 1)
	go func() {
		_, err := inbox.Submit(context.Background(), "p", []byte(`{}`), trace.SpanContext{})
		errCh <- err
	}()

	// Give the first request time to be picked up by the only worker.
	time.Sleep(20 * time.Millisecond)

	queuedErrCh := make(chan error, 1)
	go func() {
		_, err := inbox.Submit(context.Background(), "p", []byte(`{}`), trace.SpanContext{})
		queuedErrCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	pool.Shutdown()

	select {
	case err := <-queuedErrCh:
		assert.ErrorIs(t, err, requestqueue.ErrServiceUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was never abandoned")
	}

	close(blockCh)
	<-errCh
	inbox.Close()
	waitForPoolExit(t, pool)
}
