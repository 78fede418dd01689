// Package httpapi is the thin HTTP surface in front of the evaluation
// pipeline: it decodes an AdmissionReview, hands it to the request queue,
// waits for the Worker Pool's reply, and re-encodes it. It owns no
// evaluation logic of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kubewarden/policy-server/internal/requestqueue"
)

// Submitter is the subset of requestqueue.Channel the HTTP surface needs.
type Submitter interface {
	Submit(ctx context.Context, policyName string, review json.RawMessage, parent trace.SpanContext) (requestqueue.Response, error)
}

// ReadinessChecker reports whether a dependency the readiness probe cares
// about (the Context Poller, the Worker Pool) has finished booting.
type ReadinessChecker interface {
	Ready() bool
}

// Server wires the evaluation request queue and readiness state to HTTP
// handlers. /validate and /mutate share one handler, since the evaluation
// result already carries whatever patch the policy produced.
type Server struct {
	queue  Submitter
	ready  []ReadinessChecker
	logger *slog.Logger
}

// NewServer builds a Server. ready is consulted, in order, by the
// /readiness handler; an empty list means always ready.
func NewServer(queue Submitter, logger *slog.Logger, ready ...ReadinessChecker) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{queue: queue, ready: ready, logger: logger.With("component", "httpapi")}
}

// Routes registers /validate/{policy}, /mutate/{policy} and /readiness on
// mux. /metrics is left to the caller to mount (it needs the Prometheus
// registry, which this package does not own) via RegisterMetrics.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/validate/", s.handleEvaluate)
	mux.HandleFunc("/mutate/", s.handleEvaluate)
	mux.HandleFunc("/readiness", s.handleReadiness)
}

// handleEvaluate serves both /validate/{policy} and /mutate/{policy}: the
// Worker Pool already knows whether the policy is allowed to mutate, so the
// handler itself does not need to branch on the URL prefix.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	policyName := policyNameFromPath(r.URL.Path)
	if policyName == "" {
		http.Error(w, "missing policy name in path", http.StatusBadRequest)
		return
	}

	var review admissionv1.AdmissionReview
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
		http.Error(w, "could not decode admission review", http.StatusBadRequest)
		return
	}
	if review.Request == nil {
		http.Error(w, "admission review carries no request", http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	logger := s.logger.With("policy", policyName, "request_id", requestID, "uid", string(review.Request.UID))
	logger.InfoContext(r.Context(), "evaluation request received")

	raw, err := json.Marshal(review.Request)
	if err != nil {
		http.Error(w, "could not re-encode admission request", http.StatusInternalServerError)
		return
	}

	span := trace.SpanContextFromContext(r.Context())
	resp, err := s.queue.Submit(r.Context(), policyName, raw, span)
	if err != nil {
		logger.WarnContext(r.Context(), "evaluation request failed", slog.String("error", err.Error()))
		if errors.Is(err, requestqueue.ErrServiceUnavailable) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}

	review.Response = toAdmissionResponse(review.Request.UID, resp)
	writeAdmissionReview(w, &review)
}

func toAdmissionResponse(uid types.UID, resp requestqueue.Response) *admissionv1.AdmissionResponse {
	admResp := &admissionv1.AdmissionResponse{
		UID:              uid,
		Allowed:          resp.Allowed,
		AuditAnnotations: resp.AuditAnnotations,
	}
	if resp.Status != nil {
		admResp.Result = &metav1.Status{
			Code:    resp.Status.Code,
			Message: resp.Status.Message,
		}
	}
	if len(resp.Patch) > 0 {
		admResp.Patch = resp.Patch
		patchType := admissionv1.PatchTypeJSONPatch
		admResp.PatchType = &patchType
	}
	return admResp
}

func writeAdmissionReview(w http.ResponseWriter, review *admissionv1.AdmissionReview) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(review)
}

// handleReadiness reports 200 once every registered ReadinessChecker is
// ready, 503 otherwise. There is no separate liveness probe: the process
// either serves HTTP or it is dead, matching the original's split.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	for _, checker := range s.ready {
		if !checker.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// policyNameFromPath extracts the {policy} segment from
// /validate/{policy} or /mutate/{policy}.
func policyNameFromPath(path string) string {
	for _, prefix := range []string{"/validate/", "/mutate/"} {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			return path[len(prefix):]
		}
	}
	return ""
}
