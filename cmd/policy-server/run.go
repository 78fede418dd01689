package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kubewarden/policy-server/internal/bootstrap"
	"github.com/kubewarden/policy-server/internal/httpapi"
	"github.com/kubewarden/policy-server/internal/kubecontext"
	"github.com/kubewarden/policy-server/internal/policy"
	"github.com/kubewarden/policy-server/internal/requestqueue"
	"github.com/kubewarden/policy-server/internal/telemetry"
	"github.com/kubewarden/policy-server/internal/worker"
)

type runOptions struct {
	configPath      string
	addr            string
	poolSize        int
	evaluationLimit int
	pollInterval    int
	metricsEnabled  bool
	verifyEnabled   bool
}

func run(ctx context.Context, opts runOptions) error {
	data, err := os.ReadFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("reading policies configuration: %w", err)
	}
	set, err := policy.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("parsing policies configuration: %w", err)
	}

	poolSize := opts.poolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	var exporter *telemetry.Exporter
	if opts.metricsEnabled {
		endpoint := os.Getenv("KUBEWARDEN_OTLP_ENDPOINT")
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exporter, err = telemetry.NewExporter(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("starting metrics exporter: %w", err)
		}
	}

	gvks, err := set.ContextAwareResources()
	if err != nil {
		return fmt.Errorf("resolving context-aware resources: %w", err)
	}

	config := ctrl.GetConfigOrDie()
	dynamicClient := dynamic.NewForConfigOrDie(config)
	mapper, err := newRESTMapper(config)
	if err != nil {
		return fmt.Errorf("building REST mapper: %w", err)
	}

	pollerOpts := kubecontext.Options{}
	if opts.pollInterval > 0 {
		pollerOpts.PollInterval = time.Duration(opts.pollInterval) * time.Second
	}
	poller := kubecontext.New(dynamicClient, mapper, gvks, pollerOpts)

	pool := worker.New(nil, metrics)
	queue := requestqueue.NewChannel(requestqueue.DefaultCapacity)

	mux := http.NewServeMux()
	httpapi.RegisterMetrics(mux, registry)

	var verifier bootstrap.Verifier
	if opts.verifyEnabled {
		return fmt.Errorf("signature verification was requested but no Verifier implementation is wired into this build")
	}

	httpServer := &http.Server{Addr: opts.addr, Handler: mux}

	sequencer := bootstrap.New(bootstrap.Options{
		Policies:        set,
		Fetcher:         localFetcher{},
		Verifier:        verifier,
		Poller:          poller,
		Pool:            pool,
		Queue:           queue,
		PoolSize:        poolSize,
		EvaluationLimit: time.Duration(opts.evaluationLimit) * time.Second,
		HTTPServer:      httpServer,
		MetricsExporter: exporter,
	})

	server := httpapi.NewServer(queue, nil, bootstrap.PollerReadiness(poller), sequencer)
	server.Routes(mux)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return sequencer.Run(ctx)
}

func newRESTMapper(config *rest.Config) (*restmapper.DeferredDiscoveryRESTMapper, error) {
	discoveryClient, err := discovery.NewDiscoveryClientForConfig(config)
	if err != nil {
		return nil, err
	}
	cached := discovery.NewMemCacheClient(discoveryClient)
	return restmapper.NewDeferredDiscoveryRESTMapper(cached), nil
}
