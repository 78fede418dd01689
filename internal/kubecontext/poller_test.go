package kubecontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/scheme"
)

var namespaceGVK = schema.GroupVersionKind{Group: "", Version: "v1", Kind: "Namespace"}

func newTestMapper() meta.RESTMapper {
	mapper := meta.NewDefaultRESTMapper([]schema.GroupVersion{{Group: "", Version: "v1"}})
	mapper.Add(namespaceGVK, meta.RESTScopeRoot)
	return mapper
}

func newTestPoller(t *testing.T, objs []runtime.Object, opts Options) *Poller {
	t.Helper()
	dynamicClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(
		scheme.Scheme,
		map[schema.GroupVersionResource]string{
			{Version: "v1", Resource: "namespaces"}: "NamespaceList",
		},
		objs...,
	)
	return New(dynamicClient, newTestMapper(), []schema.GroupVersionKind{namespaceGVK}, opts)
}

func TestPollerReachesReadyAfterFirstPoll(t *testing.T) {
	p := newTestPoller(t, []runtime.Object{
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "default"}},
	}, Options{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	select {
	case <-p.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("poller never became ready")
	}

	assert.Equal(t, StateReady, p.State())

	reader := p.Snapshot()
	items := reader.Resources(ResourceKey{GroupVersionKind: namespaceGVK})
	require.Len(t, items, 1)
	assert.Equal(t, "default", items[0].GetName())
}

func TestPollerReadyWithNoConfiguredGVKs(t *testing.T) {
	dynamicClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme.Scheme, nil)
	p := New(dynamicClient, newTestMapper(), nil, Options{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	select {
	case <-p.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("poller never became ready")
	}
	assert.Equal(t, StateReady, p.State())
}

func TestPollerDegradesAfterMaxConsecutiveFailures(t *testing.T) {
	// A GVK the REST mapper cannot resolve makes every poll fail.
	unmappedGVK := schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}
	dynamicClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme.Scheme, nil)
	p := New(dynamicClient, newTestMapper(), []schema.GroupVersionKind{unmappedGVK}, Options{
		PollInterval:           5 * time.Millisecond,
		MaxConsecutiveFailures: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	<-p.Ready()

	require.Eventually(t, func() bool {
		return p.State() == StateDegraded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotBeforeFirstPollIsEmpty(t *testing.T) {
	p := newTestPoller(t, nil, Options{PollInterval: time.Hour})
	reader := p.Snapshot()
	assert.True(t, reader.Empty())
}

func TestStopIsIdempotent(t *testing.T) {
	p := newTestPoller(t, nil, Options{PollInterval: time.Hour})
	ctx := context.Background()
	go p.Run(ctx)

	p.Stop()
	assert.NotPanics(t, func() { p.Stop() })
}
