package evaluator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/stdlib"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/kubewarden/policy-server/internal/policy"
)

// allowedGroupOperators mirrors the restricted CEL surface a policy group
// expression may use: equality, logical or/and/not. Arithmetic and
// collection operators are intentionally absent.
var allowedGroupOperators = map[string]bool{
	operators.Equals:     true,
	operators.NotEquals:  true,
	operators.LogicalOr:  true,
	operators.LogicalAnd: true,
	operators.LogicalNot: true,
}

// Group evaluates a policy group: one Instance per named member plus a CEL
// expression over their boolean results. Member instances are evaluated
// lazily, as CEL's own function bindings, so that && and || short-circuit
// exactly as they would for a handwritten boolean expression: a member that
// was never needed to decide the expression's outcome is never run, and an
// error raised by a member propagates as a CEL evaluation error unless a
// short-circuiting operator already decided the result without it.
type Group struct {
	name       string
	mode       policy.Mode
	expression string
	message    string
	members    map[string]*Instance
}

// NewGroup builds a Group from already-constructed member Instances, keyed
// by the member name used inside the expression.
func NewGroup(name string, mode policy.Mode, expression, message string, members map[string]*Instance) (*Group, error) {
	if expression == "" {
		return nil, fmt.Errorf("policy group %q: expression must be non-empty", name)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("policy group %q: must have at least one member", name)
	}
	return &Group{
		name:       name,
		mode:       mode,
		expression: expression,
		message:    message,
		members:    members,
	}, nil
}

// Members returns the group's member instances, keyed by the name used
// inside the expression. Used by callers that need to release resources
// owned by each member (e.g. closing their Wasm runtimes at shutdown).
func (g *Group) Members() map[string]*Instance {
	return g.members
}

// memberEvaluation caches a member's result within a single group Evaluate
// call, so a member referenced more than once in the expression (e.g.
// `a() || a()`) runs at most once.
type memberEvaluation struct {
	result Response
	ran    bool
}

// Evaluate runs the group's expression, evaluating each member the first
// time the expression actually references it.
func (g *Group) Evaluate(ctx context.Context, admissionReview json.RawMessage) Response {
	cache := make(map[string]*memberEvaluation, len(g.members))

	env, err := g.buildEnv(ctx, admissionReview, cache)
	if err != nil {
		return g.evalError(fmt.Sprintf("building CEL environment: %v", err))
	}

	ast, issues := env.Compile(g.expression)
	if issues != nil && issues.Err() != nil {
		return g.evalError(fmt.Sprintf("compiling expression: %v", issues.Err()))
	}
	if ast.OutputType() != types.BoolType {
		return g.evalError("expression must evaluate to bool")
	}

	program, err := env.Program(ast)
	if err != nil {
		return g.evalError(fmt.Sprintf("building CEL program: %v", err))
	}

	out, _, err := program.Eval(map[string]interface{}{})
	if err != nil {
		return g.evalError(fmt.Sprintf("evaluating expression: %v", err))
	}

	accepted, ok := out.Value().(bool)
	if !ok {
		return g.evalError("expression did not produce a boolean")
	}

	annotations := g.collectAnnotations(cache)

	if accepted {
		return Response{Allowed: true, AuditAnnotations: annotations}
	}

	if g.mode == policy.ModeMonitor {
		annotations["kubewarden.policy.decision"] = "deny"
		if g.message != "" {
			annotations["kubewarden.policy.decision.message"] = g.message
		}
		return Response{Allowed: true, AuditAnnotations: annotations}
	}

	return Response{
		Allowed:          false,
		StatusCode:       422,
		StatusMessage:    g.message,
		AuditAnnotations: annotations,
	}
}

func (g *Group) collectAnnotations(cache map[string]*memberEvaluation) map[string]string {
	annotations := map[string]string{}
	for name, eval := range cache {
		if !eval.ran {
			continue
		}
		for k, v := range eval.result.AuditAnnotations {
			annotations[fmt.Sprintf("%s.%s", name, k)] = v
		}
	}
	return annotations
}

func (g *Group) evalError(message string) Response {
	resp := Response{
		ErrorKind:     KindRuntimeTrap,
		StatusCode:    500,
		StatusMessage: fmt.Sprintf("policy group %q: %s", g.name, message),
	}
	if g.mode == policy.ModeMonitor {
		resp.Allowed = true
		resp.AuditAnnotations = map[string]string{
			"kubewarden.policy.decision": "deny",
			"kubewarden.policy.reason":   string(KindRuntimeTrap),
		}
		resp.StatusCode = 0
		resp.StatusMessage = ""
	}
	return resp
}

// buildEnv constructs a CEL environment where every group member is a
// zero-argument boolean function. Calling it triggers (and caches) that
// member's Evaluate against the current admission review.
func (g *Group) buildEnv(ctx context.Context, admissionReview json.RawMessage, cache map[string]*memberEvaluation) (*cel.Env, error) {
	var opts []cel.EnvOption

	for name, member := range g.members {
		name, member := name, member // capture
		binding := cel.FunctionBinding(func(_ ...ref.Val) ref.Val {
			eval, ok := cache[name]
			if !ok {
				eval = &memberEvaluation{}
				cache[name] = eval
			}
			if !eval.ran {
				eval.result = member.Evaluate(ctx, admissionReview)
				eval.ran = true
			}
			if eval.result.ErrorKind != "" {
				// A trapped or timed-out member has no true/false verdict to
				// contribute: surface it as a genuine CEL evaluation error so
				// it propagates per CEL's own error semantics (short-circuited
				// away by && / || when the other operand already decides the
				// result, otherwise bubbling up through any other operator),
				// matching spec.md §4.2's three-valued true/false/error logic.
				return types.NewErr("member %q: %s", name, eval.result.ErrorKind)
			}
			return types.Bool(eval.result.Allowed)
		})
		opts = append(opts, cel.Function(name, cel.Overload(name, []*cel.Type{}, types.BoolType, binding)))
	}

	for _, fn := range stdlib.Functions() {
		if !allowedGroupOperators[fn.Name()] {
			continue
		}
		fn := fn
		opts = append(opts, cel.Function(fn.Name(),
			func(*decls.FunctionDecl) (*decls.FunctionDecl, error) {
				return fn, nil
			}))
	}

	return cel.NewCustomEnv(opts...)
}
