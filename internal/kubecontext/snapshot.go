package kubecontext

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ResourceKey identifies one bucket of listed resources inside a Snapshot:
// a GroupVersionKind plus an optional namespace (empty for cluster-scoped
// kinds or when a policy declared no namespace filter).
type ResourceKey struct {
	schema.GroupVersionKind
	Namespace string
}

// Snapshot is a point-in-time, immutable view of every context-aware
// resource kind the loaded policies declared an interest in. Once
// constructed it is never mutated; the Poller publishes a brand new
// Snapshot on every successful poll instead of editing one in place, which
// is what makes "readers never observe a partially updated snapshot" true
// for free.
type Snapshot struct {
	resources map[ResourceKey][]unstructured.Unstructured
}

// newSnapshot builds an immutable Snapshot from a fully populated map. The
// caller must not retain a mutable reference to resources afterwards.
func newSnapshot(resources map[ResourceKey][]unstructured.Unstructured) *Snapshot {
	return &Snapshot{resources: resources}
}

// Resources returns the listed resources for the given key, or nil if that
// key was never polled (e.g. the GVK had no matching resources, or the
// Snapshot predates that GVK being requested).
func (s *Snapshot) Resources(key ResourceKey) []unstructured.Unstructured {
	if s == nil {
		return nil
	}
	return s.resources[key]
}

// Reader is the handle a Policy Evaluator Instance holds onto a Snapshot.
// In a garbage-collected runtime, holding this value for as long as a
// Snapshot is in use already keeps it alive, so "reference counting" a Go
// Reader is just holding the pointer; the atomic swap on the Poller side is
// what supplies the atomicity guarantee, not the count itself.
type Reader struct {
	snapshot *Snapshot
}

// Resources proxies to the underlying Snapshot.
func (r Reader) Resources(key ResourceKey) []unstructured.Unstructured {
	return r.snapshot.Resources(key)
}

// Empty reports whether this Reader was obtained before any poll completed.
func (r Reader) Empty() bool {
	return r.snapshot == nil
}
