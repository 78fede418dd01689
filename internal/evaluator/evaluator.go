package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kubewarden/policy-server/internal/kubecontext"
	"github.com/kubewarden/policy-server/internal/policy"
)

// Kind enumerates the error taxonomy from spec.md §7 that this package can
// surface. Bootstrap-fatal kinds (ModuleLoadError, SettingsInvalid) cause
// NewInstance to return an error; request-path kinds are carried on
// Response.ErrorKind instead of being returned as a Go error, since a
// Worker must always produce a response.
type Kind string

const (
	KindModuleLoadError   Kind = "module_load_error"
	KindSettingsInvalid   Kind = "settings_invalid"
	KindRuntimeTrap       Kind = "runtime_trap"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindPolicyMisbehavior Kind = "policy_misbehavior"
)

// Error lets a Kind be wrapped with %w, so callers can match it with
// errors.Is.
func (k Kind) Error() string { return string(k) }

// Response is the outcome of a single evaluate call, independent of how it
// eventually gets serialized back onto the wire by the HTTP surface.
type Response struct {
	Allowed          bool
	Patch            []byte
	PatchType        string
	StatusCode       int32
	StatusMessage    string
	AuditAnnotations map[string]string
	ErrorKind        Kind
	DeadlineExceeded bool
}

// SnapshotReader is the read side of the Kubernetes Context Poller's
// published ClusterSnapshot, as consumed by context-aware policies.
type SnapshotReader = kubecontext.Reader

// Instance is one sandboxed Wasm runtime holding a single compiled policy.
// Not safe for concurrent use: the owning Worker invokes Evaluate serially.
type Instance struct {
	name            string
	mode            policy.Mode
	allowedToMutate bool
	settings        json.RawMessage
	deadline        time.Duration
	snapshot        func() SnapshotReader
	guest           guestRuntime
}

// Options configures a single Instance at construction time.
type Options struct {
	Name             string
	Mode             policy.Mode
	AllowedToMutate  bool
	Settings         json.RawMessage
	EvaluationLimit  time.Duration // zero means no deadline
	SnapshotProvider func() SnapshotReader
}

// NewInstance compiles the given Wasm module, instantiates it, and runs
// settings validation once against the guest's validate_settings export.
// Any failure here is bootstrap-fatal per spec.md §4.2.
func NewInstance(ctx context.Context, wasmBytes []byte, opts Options) (*Instance, error) {
	guest, err := newWazeroGuest(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", opts.Name, KindModuleLoadError, err)
	}

	inst := &Instance{
		name:            opts.Name,
		mode:            opts.Mode,
		allowedToMutate: opts.AllowedToMutate,
		settings:        opts.Settings,
		deadline:        opts.EvaluationLimit,
		snapshot:        opts.SnapshotProvider,
		guest:           guest,
	}

	if err := inst.validateSettings(ctx); err != nil {
		guest.Close(ctx)
		return nil, fmt.Errorf("%s: %w: %v", opts.Name, KindSettingsInvalid, err)
	}

	return inst, nil
}

type settingsValidationResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

func (e *Instance) validateSettings(ctx context.Context) error {
	if len(e.settings) == 0 {
		e.settings = json.RawMessage(`{}`)
	}

	out, err := e.guest.Invoke(ctx, exportValidateSettings, e.settings)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}

	var result settingsValidationResult
	if err := json.Unmarshal(out, &result); err != nil {
		return fmt.Errorf("decoding validate_settings response: %w", err)
	}
	if !result.Valid {
		return errors.New(result.Message)
	}
	return nil
}

// guestValidationRequest is the single JSON object passed to the guest's
// validate export: the admission review plus the policy's own settings.
type guestValidationRequest struct {
	Request  json.RawMessage `json:"request"`
	Settings json.RawMessage `json:"settings"`
}

// guestValidationResponse is what a compliant guest writes back.
type guestValidationResponse struct {
	Accepted         bool              `json:"accepted"`
	Message          string            `json:"message,omitempty"`
	Code             int32             `json:"code,omitempty"`
	MutatedObject    json.RawMessage   `json:"mutated_object,omitempty"`
	AuditAnnotations map[string]string `json:"audit_annotations,omitempty"`
}

// Evaluate runs the sandboxed policy against a single admission review. It
// honors the configured evaluation deadline (zero means unbounded), applies
// monitor-mode rewriting, and enforces the mutation gate. It never returns a
// Go error for a normal policy rejection: every path through this function
// produces a Response, matching the Worker's "always reply" contract.
func (e *Instance) Evaluate(ctx context.Context, admissionReview json.RawMessage) Response {
	evalCtx := ctx
	var cancel context.CancelFunc
	if e.deadline > 0 {
		evalCtx, cancel = context.WithTimeout(ctx, e.deadline)
		defer cancel()
	}

	reqBody, err := json.Marshal(guestValidationRequest{
		Request:  admissionReview,
		Settings: e.settings,
	})
	if err != nil {
		return e.errorResponse(KindRuntimeTrap, fmt.Sprintf("encoding guest request: %v", err))
	}

	out, err := e.guest.Invoke(evalCtx, exportValidate, reqBody)
	if err != nil {
		if errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return e.deadlineResponse()
		}
		return e.errorResponse(KindRuntimeTrap, err.Error())
	}

	var guestResp guestValidationResponse
	if err := json.Unmarshal(out, &guestResp); err != nil {
		return e.errorResponse(KindRuntimeTrap, fmt.Sprintf("decoding guest response: %v", err))
	}

	return e.applyPolicy(guestResp)
}

func (e *Instance) applyPolicy(guestResp guestValidationResponse) Response {
	resp := Response{
		Allowed:          guestResp.Accepted,
		AuditAnnotations: guestResp.AuditAnnotations,
	}
	if !guestResp.Accepted {
		resp.StatusCode = guestResp.Code
		resp.StatusMessage = guestResp.Message
	}

	if len(guestResp.MutatedObject) > 0 {
		if !e.allowedToMutate {
			return Response{
				Allowed:       false,
				ErrorKind:     KindPolicyMisbehavior,
				StatusCode:    422,
				StatusMessage: fmt.Sprintf(
					"policy %q attempted to mutate but is not allowed_to_mutate", e.name),
			}
		}
		resp.Patch = guestResp.MutatedObject
		resp.PatchType = "JSONPatch"
	}

	if e.mode == policy.ModeMonitor && !guestResp.Accepted {
		resp = e.rewriteMonitorDeny(resp, guestResp)
	}

	return resp
}

// rewriteMonitorDeny implements spec.md §4.2: "In monitor mode, a deny
// outcome is rewritten to allow with an audit annotation recording the
// original decision. The patch is discarded."
func (e *Instance) rewriteMonitorDeny(resp Response, guestResp guestValidationResponse) Response {
	annotations := map[string]string{}
	for k, v := range guestResp.AuditAnnotations {
		annotations[k] = v
	}
	annotations["kubewarden.policy.decision"] = "deny"
	if guestResp.Message != "" {
		annotations["kubewarden.policy.decision.message"] = guestResp.Message
	}

	return Response{
		Allowed:          true,
		AuditAnnotations: annotations,
	}
}

func (e *Instance) deadlineResponse() Response {
	resp := Response{
		ErrorKind:        KindDeadlineExceeded,
		DeadlineExceeded: true,
		StatusCode:       504,
		StatusMessage:    fmt.Sprintf("policy %q exceeded its evaluation deadline", e.name),
	}
	if e.mode == policy.ModeMonitor {
		resp.Allowed = true
		resp.AuditAnnotations = map[string]string{
			"kubewarden.policy.decision": "deny",
			"kubewarden.policy.reason":   "deadline_exceeded",
		}
		resp.StatusCode = 0
		resp.StatusMessage = ""
	}
	return resp
}

func (e *Instance) errorResponse(kind Kind, message string) Response {
	resp := Response{
		ErrorKind:     kind,
		StatusCode:    500,
		StatusMessage: message,
	}
	if e.mode == policy.ModeMonitor {
		resp.Allowed = true
		resp.AuditAnnotations = map[string]string{
			"kubewarden.policy.decision": "deny",
			"kubewarden.policy.reason":   string(kind),
		}
		resp.StatusCode = 0
		resp.StatusMessage = ""
	}
	return resp
}

// Close releases the underlying Wasm runtime. Called once when the owning
// Worker shuts down.
func (e *Instance) Close(ctx context.Context) error {
	return e.guest.Close(ctx)
}

// Name returns the policy name this instance was constructed for.
func (e *Instance) Name() string { return e.name }
