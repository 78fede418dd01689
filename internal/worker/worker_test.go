package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/evaluator"
	"github.com/kubewarden/policy-server/internal/requestqueue"
	"go.opentelemetry.io/otel/trace"
)

type fakeEvaluator struct {
	resp evaluator.Response
}

func (f fakeEvaluator) Evaluate(ctx context.Context, admissionReview []byte) evaluator.Response {
	return f.resp
}

func (f fakeEvaluator) Close(ctx context.Context) error { return nil }

func TestWorkerRepliesForKnownPolicy(t *testing.T) {
	w := newWorker(0, map[string]workerEntry{
		"pod-privileged": {eval: fakeEvaluator{resp: evaluator.Response{Allowed: true}}, mode: "protect"},
	}, slog.Default(), nil)

	go w.run()
	defer w.shutdown()

	done := make(chan requestqueue.Response, 1)
	channel := requestqueue.NewChannel(1)
	go func() {
		resp, err := channel.Submit(context.Background(), "pod-privileged", []byte(`{}`), trace.SpanContext{})
		require.NoError(t, err)
		done <- resp
	}()

	req, ok := channel.Dequeue()
	require.True(t, ok)
	w.inbox <- req

	select {
	case resp := <-done:
		assert.True(t, resp.Allowed)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never replied")
	}
}

func TestWorkerRespondsPolicyNotFound(t *testing.T) {
	w := newWorker(0, map[string]workerEntry{}, slog.Default(), nil)
	go w.run()
	defer w.shutdown()

	channel := requestqueue.NewChannel(1)
	done := make(chan requestqueue.Response, 1)
	go func() {
		resp, err := channel.Submit(context.Background(), "unknown-policy", []byte(`{}`), trace.SpanContext{})
		require.NoError(t, err)
		done <- resp
	}()

	req, ok := channel.Dequeue()
	require.True(t, ok)
	w.inbox <- req

	resp := <-done
	require.NotNil(t, resp.Status)
	assert.Equal(t, int32(404), resp.Status.Code)
}

func TestWorkerShutdownClosesInbox(t *testing.T) {
	w := newWorker(0, map[string]workerEntry{}, slog.Default(), nil)
	done := make(chan struct{})
	go func() {
		w.run()
		close(done)
	}()

	w.shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after shutdown")
	}
}
