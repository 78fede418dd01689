// Package worker implements the synchronous Worker and Worker Pool: the
// fixed set of OS-thread-affined evaluators that drain the bounded request
// channel and run sandboxed policy evaluations serially, one at a time per
// Worker.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/kubewarden/policy-server/internal/requestqueue"
)

// DefaultInboxCapacity bounds how many requests the dispatcher may queue
// for one Worker before it is considered full for round-robin purposes.
const DefaultInboxCapacity = 64

// Worker owns one evaluator per policy in the PolicySet and a private
// inbox fed by the Worker Pool's dispatcher. It runs on a single OS thread
// for its entire lifetime (spec.md §5: "Workers never suspend; each
// Evaluator call runs to completion or to a deadline").
type Worker struct {
	id         int
	inbox      chan *requestqueue.Request
	evaluators map[string]workerEntry
	logger     *slog.Logger
	metrics    Metrics
}

// workerEntry pairs a compiled evaluator with the policy mode it was
// loaded with, so the Worker can label metrics without re-querying the
// PolicySet on every request.
type workerEntry struct {
	eval policyEvaluator
	mode string
}

// Metrics is the subset of telemetry a Worker reports as it evaluates
// requests. Implemented by internal/telemetry; a no-op default is used by
// tests that don't care about metrics.
type Metrics interface {
	ObserveEvaluation(policyName, mode, outcome string, duration time.Duration)
	ObserveDeadlineExceeded(policyName string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveEvaluation(string, string, string, time.Duration) {}
func (noopMetrics) ObserveDeadlineExceeded(string)                         {}

func newWorker(id int, evaluators map[string]workerEntry, logger *slog.Logger, metrics Metrics) *Worker {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Worker{
		id:         id,
		inbox:      make(chan *requestqueue.Request, DefaultInboxCapacity),
		evaluators: evaluators,
		logger:     logger.With("component", "worker", "worker_id", id),
		metrics:    metrics,
	}
}

// run locks the calling goroutine to its OS thread and drains the inbox
// until it is closed, replying to every request exactly once.
func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for req := range w.inbox {
		w.handle(req)
	}
}

func (w *Worker) handle(req *requestqueue.Request) {
	eval, ok := w.evaluators[req.PolicyName]
	if !ok {
		req.Reply(requestqueue.Response{
			Status: &requestqueue.EvaluationStatus{
				Code:    404,
				Message: fmt.Sprintf("policy_not_found: no policy named %q is loaded", req.PolicyName),
			},
		})
		return
	}

	start := time.Now()
	result := eval.eval.Evaluate(context.Background(), req.AdmissionReview)
	duration := time.Since(start)

	outcome := "deny"
	if result.Allowed {
		outcome = "allow"
	}
	if result.ErrorKind != "" {
		outcome = "error"
	}
	w.metrics.ObserveEvaluation(req.PolicyName, eval.mode, outcome, duration)
	if result.DeadlineExceeded {
		w.metrics.ObserveDeadlineExceeded(req.PolicyName)
	}

	resp := requestqueue.Response{
		Allowed:          result.Allowed,
		Patch:            result.Patch,
		PatchType:        result.PatchType,
		AuditAnnotations: result.AuditAnnotations,
	}
	if result.StatusMessage != "" || result.StatusCode != 0 {
		resp.Status = &requestqueue.EvaluationStatus{
			Code:    result.StatusCode,
			Message: result.StatusMessage,
		}
	}

	req.Reply(resp)
}

// shutdown closes the inbox, draining any requests already enqueued before
// run's loop exits. Requests that were never dequeued are abandoned by
// Pool.Shutdown, not here: this only signals "no more work is coming".
func (w *Worker) shutdown() {
	close(w.inbox)
}
