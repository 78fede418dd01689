// Package requestqueue implements the bounded request/response channel that
// bridges the asynchronous HTTP front-end to the synchronous worker pool
// (spec.md component C1).
package requestqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// DefaultCapacity is the default bound on the number of in-flight
// evaluation jobs the channel will hold before producers start blocking.
const DefaultCapacity = 32

// ErrServiceUnavailable is returned to a producer whose request was
// abandoned by the consumer side (see Request.Abandon) before a reply.
var ErrServiceUnavailable = errors.New("service_unavailable: evaluation request channel is closed")

// EvaluationStatus mirrors the "status" field of a Kubernetes AdmissionResponse.
type EvaluationStatus struct {
	Code    int32
	Message string
}

// Response is what a Worker produces for a single EvaluationRequest.
type Response struct {
	Allowed          bool
	Patch            []byte
	PatchType        string
	Status           *EvaluationStatus
	AuditAnnotations map[string]string
}

// Request is one evaluation job: which policy to run, the raw admission
// review payload, the caller's trace context, and a single-use reply
// handle capable of carrying exactly one Response.
type Request struct {
	PolicyName      string
	AdmissionReview json.RawMessage
	ParentSpan      trace.SpanContext
	reply           chan Response
	settled         sync.Once
}

// newRequest allocates a Request with its capacity-one reply handle
// already wired up.
func newRequest(policyName string, review json.RawMessage, parent trace.SpanContext) *Request {
	return &Request{
		PolicyName:      policyName,
		AdmissionReview: review,
		ParentSpan:      parent,
		reply:           make(chan Response, 1),
	}
}

// Reply delivers the single response for this request. Calling it more
// than once is a no-op beyond the first: a Worker is expected to produce
// exactly one response per request (spec.md invariant "exactly one
// reply"), but a second call (e.g. from a deadline path racing a late
// result) must not panic the worker goroutine.
func (r *Request) Reply(resp Response) {
	r.settled.Do(func() {
		r.reply <- resp
	})
}

// Abandon drops the reply handle without producing a response, so a
// waiting Submit call observes channel closure and reports
// ErrServiceUnavailable. Used when the consumer side shuts down with this
// request still in flight.
func (r *Request) Abandon() {
	r.settled.Do(func() {
		close(r.reply)
	})
}

// Channel is the bounded, multi-producer single-consumer queue carrying
// Requests from HTTP handlers to the Worker Pool dispatcher.
type Channel struct {
	jobs chan *Request
}

// NewChannel builds a Channel with the given capacity. A capacity <= 0
// falls back to DefaultCapacity.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{jobs: make(chan *Request, capacity)}
}

// Submit enqueues an evaluation job and waits for its single response.
// It suspends the caller (an asynchronous HTTP handler) while the queue is
// full, honoring backpressure, and returns ErrServiceUnavailable if the
// worker pool abandons the request before replying. Submit does not check
// whether the Channel has been closed: sending on a closed Channel panics.
func (c *Channel) Submit(ctx context.Context, policyName string, review json.RawMessage, parent trace.SpanContext) (Response, error) {
	req := newRequest(policyName, review, parent)

	select {
	case c.jobs <- req:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp, ok := <-req.reply:
		if !ok {
			return Response{}, ErrServiceUnavailable
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Dequeue is the consumer-side read used by the Worker Pool dispatcher. It
// reports false once the channel has been closed and drained.
func (c *Channel) Dequeue() (*Request, bool) {
	req, ok := <-c.jobs
	return req, ok
}

// Close signals no more jobs will be submitted. There is no guard against
// a Submit that is still waiting to enqueue or that starts afterwards: its
// send panics, so callers must stop calling Submit before invoking Close.
// The dispatcher observes channel closure through Dequeue.
func (c *Channel) Close() {
	close(c.jobs)
}
