// Package bootstrap implements the staged startup and orderly shutdown
// sequence that wires the Kubernetes Context Poller, the Worker Pool and
// the HTTP surface together, mirroring the three-phase structure of the
// original Rust process (fetch+verify policies, boot poller, boot pool,
// then start serving).
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kubewarden/policy-server/internal/httpapi"
	"github.com/kubewarden/policy-server/internal/kubecontext"
	"github.com/kubewarden/policy-server/internal/policy"
	"github.com/kubewarden/policy-server/internal/requestqueue"
	"github.com/kubewarden/policy-server/internal/worker"
)

// MetricsExporter is the optional OTLP pipeline. The caller creates it
// before the Sequencer runs, gated on KUBEWARDEN_ENABLE_METRICS; the
// Sequencer only calls Shutdown, as the last step of its shutdown path.
type MetricsExporter interface {
	Shutdown(ctx context.Context) error
}

// Options configures a Sequencer. Fetcher is required; Verifier may be nil
// to disable verification.
type Options struct {
	Logger *slog.Logger

	Policies         *policy.Set
	Fetcher          Fetcher
	Verifier         Verifier
	VerificationKeys []string

	Poller   *kubecontext.Poller
	Pool     *worker.Pool
	Queue    *requestqueue.Channel
	PoolSize int

	EvaluationLimit time.Duration

	HTTPServer *http.Server

	MetricsExporter MetricsExporter
}

// Sequencer drives the ordered startup described in spec.md §4.6: fetch
// policies, boot the Context Poller, boot the Worker Pool, then (and only
// then) start accepting HTTP traffic. Kubernetes must not see a ready
// readiness probe before every worker has a compiled policy.
type Sequencer struct {
	opts Options
	log  *slog.Logger

	poolRunDone chan struct{}
	ready       atomic.Bool
}

// Ready reports whether the Worker Pool has finished booting. Combined
// with PollerReadiness, this is what /readiness consults.
func (s *Sequencer) Ready() bool {
	return s.ready.Load()
}

// New builds a Sequencer from opts.
func New(opts Options) *Sequencer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{opts: opts, log: logger.With("component", "bootstrap")}
}

// Run executes the full boot sequence and then blocks serving HTTP until
// ctx is cancelled, at which point it performs an orderly shutdown and
// returns. A non-nil error means a boot step failed, the HTTP server
// stopped with an error, or the shutdown path reported an error; the
// caller (cmd/policy-server) is responsible for the process's exit code,
// not this package.
func (s *Sequencer) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "policy download", "status", "init", "policies_count", s.opts.Policies.Len())
	if err := FetchPolicies(ctx, s.opts.Policies, s.opts.Fetcher, s.opts.Verifier, s.opts.VerificationKeys); err != nil {
		return fmt.Errorf("fetching policies: %w", err)
	}
	s.log.InfoContext(ctx, "policy download", "status", "done")

	s.log.InfoContext(ctx, "kubernetes poller bootstrap", "status", "init")
	pollerCtx, cancelPoller := context.WithCancel(ctx)
	defer cancelPoller()
	go s.opts.Poller.Run(pollerCtx)
	select {
	case <-s.opts.Poller.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.InfoContext(ctx, "kubernetes poller bootstrap", "status", "done")

	s.log.InfoContext(ctx, "worker pool bootstrap", "status", "init")
	bootReply := make(chan error, 1)
	if err := s.opts.Pool.Boot(ctx, worker.BootRequest{
		Policies:        s.opts.Policies,
		PoolSize:        s.opts.PoolSize,
		EvaluationLimit: s.opts.EvaluationLimit,
		Snapshot:        s.opts.Poller.Snapshot,
		Reply:           bootReply,
	}); err != nil {
		return fmt.Errorf("booting worker pool: %w", err)
	}
	s.log.InfoContext(ctx, "worker pool bootstrap", "status", "done")
	s.ready.Store(true)

	s.poolRunDone = make(chan struct{})
	go func() {
		defer close(s.poolRunDone)
		s.opts.Pool.Run(ctx, s.opts.Queue)
	}()

	serveErr := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "starting http server", "addr", s.opts.HTTPServer.Addr)
		err := s.opts.HTTPServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-serveErr:
		shutdownErr := s.shutdown()
		return errors.Join(err, shutdownErr)
	}
}

// shutdown performs the reverse of the boot sequence: stop taking new HTTP
// requests, close the queue so the dispatcher drains and exits, stop the
// poller, and flush the metrics exporter. The HTTP server, the worker pool
// and the metrics exporter share one 10-second grace period; Poller.Stop
// waits for the poll loop to exit without a deadline.
func (s *Sequencer) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error

	if err := s.opts.HTTPServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}

	s.opts.Queue.Close()
	if s.poolRunDone != nil {
		select {
		case <-s.poolRunDone:
		case <-shutdownCtx.Done():
			errs = append(errs, errors.New("worker pool did not exit before shutdown deadline"))
			// Abandon whatever is still sitting in each Worker's inbox so
			// producers blocked on Submit observe service_unavailable
			// instead of hanging past process exit: "exactly one reply or
			// observably dropped" (spec.md §3) must hold on this forced
			// path too, not just the graceful one.
			s.opts.Pool.Shutdown()
		}
	}

	s.opts.Poller.Stop()

	if s.opts.MetricsExporter != nil {
		if err := s.opts.MetricsExporter.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics exporter shutdown: %w", err))
		}
	}

	return errors.Join(errs...)
}

// pollerReadiness adapts a Poller into httpapi.ReadinessChecker.
type pollerReadiness struct{ poller *kubecontext.Poller }

func (r pollerReadiness) Ready() bool {
	select {
	case <-r.poller.Ready():
		return true
	default:
		return false
	}
}

// PollerReadiness wraps a Poller as an httpapi.ReadinessChecker.
func PollerReadiness(poller *kubecontext.Poller) httpapi.ReadinessChecker {
	return pollerReadiness{poller: poller}
}
