// Package policy holds the immutable policy data model loaded once at
// bootstrap: PolicySpec, PolicyGroupSpec and the PolicySet that indexes them
// by name.
package policy

import (
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Mode is the execution mode of a policy. Transitioning a policy from
// "monitor" to "protect" is allowed; the reverse is not (the policy should
// be recreated instead). Nothing in this package enforces that transition
// rule: it belongs to whatever reconciles the PolicySet, not to the
// evaluation path.
type Mode string

const (
	ModeProtect Mode = "protect"
	ModeMonitor Mode = "monitor"
)

// ContextAwareResource identifies a Kubernetes resource kind a policy may
// read from the latest ClusterSnapshot at evaluation time.
type ContextAwareResource struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
}

// GroupVersionKind parses APIVersion/Kind into a schema.GroupVersionKind.
func (r ContextAwareResource) GroupVersionKind() (schema.GroupVersionKind, error) {
	gv, err := schema.ParseGroupVersion(r.APIVersion)
	if err != nil {
		return schema.GroupVersionKind{}, fmt.Errorf("invalid apiVersion %q: %w", r.APIVersion, err)
	}
	return gv.WithKind(r.Kind), nil
}

// Spec is a single, non-group policy: one Wasm module, one mode, one set of
// settings. Immutable once the PolicySet has been built at bootstrap.
type Spec struct {
	Name                  string
	SourceURI             string
	Mode                  Mode
	AllowedToMutate       bool
	Settings              json.RawMessage
	ContextAwareResources []ContextAwareResource
	// LocalPath is populated by the bootstrap fetcher once the module has
	// been downloaded to policies_download_dir. Empty until then.
	LocalPath string
}

// IsGroup reports false for Spec and true for GroupSpec, so callers that
// hold the Evaluable interface can branch without a type switch.
func (s *Spec) IsGroup() bool { return false }

// GroupMember is a PolicyGroup's named member: its own module and settings,
// but no mode of its own — the group decides mode for all its members.
type GroupMember struct {
	SourceURI             string
	Settings              json.RawMessage
	ContextAwareResources []ContextAwareResource
	LocalPath             string
}

// GroupSpec is a PolicySpec variant: a boolean expression over named member
// policies plus the message returned when the expression rejects.
type GroupSpec struct {
	Name       string
	Mode       Mode
	Expression string
	Message    string
	Members    map[string]GroupMember
}

func (g *GroupSpec) IsGroup() bool { return true }

// Evaluable is satisfied by both Spec and GroupSpec, letting the PolicySet
// carry a single map of named, evaluable policies.
type Evaluable interface {
	IsGroup() bool
}

// Set is a name -> Evaluable mapping, established once at bootstrap and
// never mutated afterwards (spec.md §3: "Established once at bootstrap;
// never mutated").
type Set struct {
	byName map[string]Evaluable
}

// NewSet builds a Set, rejecting an empty name. Names are unique because
// they are the keys of entries.
func NewSet(entries map[string]Evaluable) (*Set, error) {
	byName := make(map[string]Evaluable, len(entries))
	for name, spec := range entries {
		if name == "" {
			return nil, fmt.Errorf("policy name cannot be empty")
		}
		byName[name] = spec
	}
	return &Set{byName: byName}, nil
}

// Get returns the named policy and whether it was found.
func (s *Set) Get(name string) (Evaluable, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Names returns every policy name in the set, in no particular order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	return names
}

// Len reports how many policies (including groups) are in the set.
func (s *Set) Len() int {
	return len(s.byName)
}

// ContextAwareResources computes the union of context_aware_resources
// across every policy and group member in the set. The Kubernetes Context
// Poller uses this to decide what GVKs to list.
func (s *Set) ContextAwareResources() ([]schema.GroupVersionKind, error) {
	seen := make(map[schema.GroupVersionKind]struct{})
	for _, evaluable := range s.byName {
		switch p := evaluable.(type) {
		case *Spec:
			if err := addGVKs(seen, p.ContextAwareResources); err != nil {
				return nil, err
			}
		case *GroupSpec:
			for _, member := range p.Members {
				if err := addGVKs(seen, member.ContextAwareResources); err != nil {
					return nil, err
				}
			}
		}
	}

	gvks := make([]schema.GroupVersionKind, 0, len(seen))
	for gvk := range seen {
		gvks = append(gvks, gvk)
	}
	return gvks, nil
}

func addGVKs(seen map[schema.GroupVersionKind]struct{}, resources []ContextAwareResource) error {
	for _, r := range resources {
		gvk, err := r.GroupVersionKind()
		if err != nil {
			return err
		}
		seen[gvk] = struct{}{}
	}
	return nil
}
