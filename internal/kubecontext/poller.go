// Package kubecontext implements the Kubernetes Context Poller: a
// periodic, bounded-fan-out lister that keeps an immutable ClusterSnapshot
// available to context-aware policies, published via atomic pointer swap
// so readers are wait-free.
package kubecontext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/pager"
)

// State is one of the Poller's lifecycle states: Starting -> Ready ->
// (Degraded <-> Ready) -> Stopped. Stopped is terminal.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

const (
	// DefaultPollInterval matches spec.md §4.5's default of 60s.
	DefaultPollInterval = 60 * time.Second
	// DefaultMaxConsecutiveFailures matches spec.md §4.5's default of 5.
	DefaultMaxConsecutiveFailures = 5
	// defaultPageSize bounds how many objects pager.ListPager fetches per
	// underlying LIST call.
	defaultPageSize = 500
	// defaultParallelism bounds how many GVKs are listed concurrently per
	// poll cycle.
	defaultParallelism = 4
)

// Options configures a Poller.
type Options struct {
	PollInterval           time.Duration
	MaxConsecutiveFailures int
	PageSize               int64
	Parallelism            int64
	Logger                 *slog.Logger
	// IgnoreConnectionFailure is stored on the Poller but not consulted: a
	// failed first poll is never fatal, whatever this is set to. It is
	// logged like any other poll failure and the Poller still becomes ready.
	IgnoreConnectionFailure bool
}

// Poller periodically lists every GVK referenced by context_aware_resources
// across the loaded PolicySet and publishes the result as an immutable
// Snapshot.
type Poller struct {
	dynamicClient dynamic.Interface
	mapper        meta.RESTMapper
	gvks          []schema.GroupVersionKind

	pollInterval           time.Duration
	maxConsecutiveFailures int
	pageSize               int64
	parallelism            int64
	ignoreConnFailure      bool
	logger                 *slog.Logger

	current atomic.Pointer[Snapshot]

	mu                  sync.Mutex
	state               State
	consecutiveFailures int

	readyOnce sync.Once
	readyCh   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New builds a Poller. mapper resolves each GroupVersionKind to the
// GroupVersionResource the dynamic client needs to list it; policy-server
// wires in a client-go RESTMapper backed by cached discovery, which is out
// of scope for this package.
func New(dynamicClient dynamic.Interface, mapper meta.RESTMapper, gvks []schema.GroupVersionKind, opts Options) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Poller{
		dynamicClient:          dynamicClient,
		mapper:                 mapper,
		gvks:                   gvks,
		pollInterval:           opts.PollInterval,
		maxConsecutiveFailures: opts.MaxConsecutiveFailures,
		pageSize:               opts.PageSize,
		parallelism:            opts.Parallelism,
		ignoreConnFailure:      opts.IgnoreConnectionFailure,
		logger:                 opts.Logger.With("component", "kubecontext-poller"),
		state:                  StateStarting,
		readyCh:                make(chan struct{}),
		stopCh:                 make(chan struct{}),
		doneCh:                 make(chan struct{}),
	}
}

// Ready returns a channel that closes once the poller has completed its
// first poll attempt, whether that poll succeeded or failed, and
// transitioned out of Starting. The Bootstrap Sequencer blocks on this before letting
// the Worker Pool begin accepting traffic.
func (p *Poller) Ready() <-chan struct{} {
	return p.readyCh
}

// State reports the poller's current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Snapshot returns a Reader over the most recently published Snapshot. Safe
// to call concurrently from any number of Evaluator Instances; never
// blocks.
func (p *Poller) Snapshot() Reader {
	return Reader{snapshot: p.current.Load()}
}

// Run drives the poll loop until the context is cancelled or Stop is
// called. It performs one poll immediately (so Ready can fire as soon as
// possible) and then one poll per pollInterval.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.doneCh)
	defer p.setState(StateStopped)

	p.pollOnce(ctx)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// Stop requests the poll loop to exit and waits for it to do so.
func (p *Poller) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}

func (p *Poller) pollOnce(ctx context.Context) {
	resources, err := p.listAll(ctx)
	if err != nil {
		p.recordFailure(ctx, err)
		p.markReady()
		return
	}

	p.current.Store(newSnapshot(resources))
	p.recordSuccess()
	p.markReady()
}

// markReady closes readyCh exactly once, the first time pollOnce returns,
// regardless of whether that poll succeeded.
func (p *Poller) markReady() {
	p.readyOnce.Do(func() {
		p.mu.Lock()
		if p.state == StateStarting {
			p.state = StateReady
		}
		p.mu.Unlock()
		close(p.readyCh)
	})
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures = 0
	if p.state == StateDegraded {
		p.state = StateReady
	}
}

func (p *Poller) recordFailure(ctx context.Context, err error) {
	p.mu.Lock()
	p.consecutiveFailures++
	degraded := p.consecutiveFailures >= p.maxConsecutiveFailures
	if degraded {
		p.state = StateDegraded
	}
	failures := p.consecutiveFailures
	p.mu.Unlock()

	p.logger.WarnContext(ctx, "poll failed, retaining previous snapshot",
		slog.String("error", err.Error()),
		slog.Int("consecutive-failures", failures))
}

// listAll lists every configured GVK concurrently, bounded by parallelism,
// and assembles them into one map keyed by ResourceKey. A failure to list
// any single GVK fails the whole poll cycle: per spec.md, "on transient
// list errors, retain the previous snapshot" as a unit, never a partial
// mix of old and new data.
func (p *Poller) listAll(ctx context.Context) (map[ResourceKey][]unstructured.Unstructured, error) {
	if len(p.gvks) == 0 {
		return map[ResourceKey][]unstructured.Unstructured{}, nil
	}

	sem := semaphore.NewWeighted(p.parallelism)
	var mu sync.Mutex
	var wg sync.WaitGroup
	out := make(map[ResourceKey][]unstructured.Unstructured, len(p.gvks))
	var firstErr error

	for _, gvk := range p.gvks {
		gvk := gvk
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquiring list slot: %w", err)
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()

			items, err := p.listOne(ctx, gvk)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("listing %s: %w", gvk.String(), err)
				}
				return
			}
			out[ResourceKey{GroupVersionKind: gvk}] = items
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (p *Poller) listOne(ctx context.Context, gvk schema.GroupVersionKind) ([]unstructured.Unstructured, error) {
	mapping, err := p.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("resolving REST mapping: %w", err)
	}
	gvr := mapping.Resource

	listPager := pager.New(func(ctx context.Context, opts metav1.ListOptions) (runtime.Object, error) {
		return p.dynamicClient.Resource(gvr).List(ctx, opts)
	})
	listPager.PageSize = p.pageSize

	var items []unstructured.Unstructured
	err = listPager.EachListItem(ctx, metav1.ListOptions{}, func(obj runtime.Object) error {
		u, ok := obj.(*unstructured.Unstructured)
		if !ok {
			return errors.New("unexpected object type from dynamic client list")
		}
		items = append(items, *u)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
