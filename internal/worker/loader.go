package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kubewarden/policy-server/internal/evaluator"
	"github.com/kubewarden/policy-server/internal/kubecontext"
	"github.com/kubewarden/policy-server/internal/policy"
)

// policyEvaluator is the subset of evaluator.Instance / evaluator.Group a
// Worker needs: run one evaluation, release resources at shutdown.
type policyEvaluator interface {
	Evaluate(ctx context.Context, admissionReview []byte) evaluator.Response
	Close(ctx context.Context) error
}

// instanceAdapter and groupAdapter adapt evaluator.Instance/Group, which
// take json.RawMessage (itself a []byte), to policyEvaluator's []byte
// signature.
type instanceAdapter struct{ *evaluator.Instance }

func (a instanceAdapter) Evaluate(ctx context.Context, admissionReview []byte) evaluator.Response {
	return a.Instance.Evaluate(ctx, admissionReview)
}

type groupAdapter struct{ *evaluator.Group }

func (a groupAdapter) Evaluate(ctx context.Context, admissionReview []byte) evaluator.Response {
	return a.Group.Evaluate(ctx, admissionReview)
}

func (a groupAdapter) Close(ctx context.Context) error {
	var firstErr error
	for _, member := range a.Group.Members() {
		if err := member.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildEvaluators compiles one policyEvaluator per entry in set, reading
// each Wasm module from disk at its fetched LocalPath. Called once per
// Worker during setup, so that evaluators are never shared across threads
// (spec.md §4.4: "Each Worker independently compiles every policy").
func buildEvaluators(ctx context.Context, set *policy.Set, snapshotProvider func() kubecontext.Reader, evaluationLimit time.Duration) (map[string]workerEntry, error) {
	evaluators := make(map[string]workerEntry, set.Len())

	for _, name := range set.Names() {
		entry, _ := set.Get(name)

		switch p := entry.(type) {
		case *policy.Spec:
			inst, err := buildInstance(ctx, name, p.LocalPath, evaluator.Options{
				Name:             name,
				Mode:             p.Mode,
				AllowedToMutate:  p.AllowedToMutate,
				Settings:         p.Settings,
				EvaluationLimit:  evaluationLimit,
				SnapshotProvider: snapshotProvider,
			})
			if err != nil {
				return nil, err
			}
			evaluators[name] = workerEntry{eval: instanceAdapter{inst}, mode: string(p.Mode)}

		case *policy.GroupSpec:
			members := make(map[string]*evaluator.Instance, len(p.Members))
			for memberName, member := range p.Members {
				// Members have no individual mode (spec.md §3): each member
				// always evaluates in protect mode so it reports its real
				// accept/deny outcome to the group's CEL expression. The
				// group, not its members, applies the monitor-mode
				// downgrade exactly once (group.go's Evaluate).
				inst, err := buildInstance(ctx, fmt.Sprintf("%s/%s", name, memberName), member.LocalPath, evaluator.Options{
					Name:             memberName,
					Mode:             policy.ModeProtect,
					AllowedToMutate:  false,
					Settings:         member.Settings,
					EvaluationLimit:  evaluationLimit,
					SnapshotProvider: snapshotProvider,
				})
				if err != nil {
					return nil, err
				}
				members[memberName] = inst
			}
			group, err := evaluator.NewGroup(name, p.Mode, p.Expression, p.Message, members)
			if err != nil {
				return nil, fmt.Errorf("policy group %q: %w", name, err)
			}
			evaluators[name] = workerEntry{eval: groupAdapter{group}, mode: string(p.Mode)}

		default:
			return nil, fmt.Errorf("policy %q: unknown Evaluable implementation %T", name, entry)
		}
	}

	return evaluators, nil
}

func buildInstance(ctx context.Context, name, localPath string, opts evaluator.Options) (*evaluator.Instance, error) {
	wasmBytes, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: reading %q: %v", name, evaluator.KindModuleLoadError, localPath, err)
	}
	return evaluator.NewInstance(ctx, wasmBytes, opts)
}
