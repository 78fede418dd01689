package policy

import (
	"encoding/json"
	"errors"
	"fmt"
)

// configEntry mirrors the JSON document the Kubewarden controller writes
// into the PolicyServer ConfigMap (one entry per policy or policy group,
// keyed by name). A single struct backs both shapes because the two are
// mutually exclusive: a regular policy carries "module", a group carries
// "policies"+"expression"+"message".
type configEntry struct {
	Module                string                 `json:"module,omitempty"`
	PolicyMode            string                 `json:"policyMode"`
	AllowedToMutate       bool                   `json:"allowedToMutate,omitempty"`
	ContextAwareResources []ContextAwareResource `json:"contextAwareResources,omitempty"`
	Settings              json.RawMessage        `json:"settings,omitempty"`

	// Group-only fields.
	Policies   map[string]groupMemberEntry `json:"policies,omitempty"`
	Expression string                      `json:"expression,omitempty"`
	Message    string                      `json:"message,omitempty"`
}

type groupMemberEntry struct {
	Module                string                 `json:"module"`
	Settings              json.RawMessage        `json:"settings,omitempty"`
	ContextAwareResources []ContextAwareResource `json:"contextAwareResources,omitempty"`
}

func (e *configEntry) UnmarshalJSON(data []byte) error {
	type plain configEntry
	if err := json.Unmarshal(data, (*plain)(e)); err != nil {
		return fmt.Errorf("failed to unmarshal policy config entry: %w", err)
	}
	if len(e.Policies) == 0 && e.Module == "" {
		return errors.New("policy config entry must set either module or policies")
	}
	if len(e.Policies) != 0 && e.Module != "" {
		return errors.New("policy config entry cannot set both module and policies")
	}
	return nil
}

// ParseConfig decodes the policies configuration document (the JSON form of
// the "policies.yml" key the controller writes into the PolicyServer
// ConfigMap) into a Set of Spec/GroupSpec. Names come from the map keys.
func ParseConfig(data []byte) (*Set, error) {
	var entries map[string]configEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policies configuration: %w", err)
	}

	built := make(map[string]Evaluable, len(entries))
	for name, entry := range entries {
		evaluable, err := entry.toEvaluable(name)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		built[name] = evaluable
	}

	return NewSet(built)
}

func (e configEntry) toEvaluable(name string) (Evaluable, error) {
	if len(e.Policies) > 0 {
		mode, err := parseMode(e.PolicyMode)
		if err != nil {
			return nil, err
		}
		if e.Expression == "" {
			return nil, errors.New("policy group must set a non-empty expression")
		}
		members := make(map[string]GroupMember, len(e.Policies))
		for memberName, member := range e.Policies {
			members[memberName] = GroupMember{
				SourceURI:             member.Module,
				Settings:              member.Settings,
				ContextAwareResources: member.ContextAwareResources,
			}
		}
		return &GroupSpec{
			Name:       name,
			Mode:       mode,
			Expression: e.Expression,
			Message:    e.Message,
			Members:    members,
		}, nil
	}

	mode, err := parseMode(e.PolicyMode)
	if err != nil {
		return nil, err
	}
	return &Spec{
		Name:                  name,
		SourceURI:             e.Module,
		Mode:                  mode,
		AllowedToMutate:       e.AllowedToMutate,
		Settings:              e.Settings,
		ContextAwareResources: e.ContextAwareResources,
	}, nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeProtect, "":
		return ModeProtect, nil
	case ModeMonitor:
		return ModeMonitor, nil
	default:
		return "", fmt.Errorf("unknown policy mode %q", raw)
	}
}
