// Package abac evaluates attribute-based access policies. The engine is
// first-match-wins: rules are checked in authored order and the first rule
// whose subject, action and resource patterns all match decides the
// outcome. Nothing falls through to "most specific" matching.
package abac

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/carebridge/carebridge/internal/portal/domain"
)

// ErrPermissionDenied is returned by Authorize when no permitting rule
// matches the request.
var ErrPermissionDenied = errors.New("abac: permission denied")

// Engine holds an immutable policy. Construct a new Engine to change rules;
// evaluation itself has no mutable state and is safe for concurrent use.
type Engine struct {
	policy domain.Policy
}

func New(policy domain.Policy) *Engine {
	return &Engine{policy: policy}
}

// Load reads a policy document from path. If the file does not exist the
// default policy is written there and used, so a fresh deployment starts
// with a sane ruleset.
func Load(path string) (*Engine, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		policy := DefaultPolicy()
		out, merr := json.MarshalIndent(policy, "", "    ")
		if merr != nil {
			return nil, fmt.Errorf("abac: encode default policy: %w", merr)
		}
		if werr := os.WriteFile(path, out, 0644); werr != nil {
			return nil, fmt.Errorf("abac: write default policy: %w", werr)
		}
		return New(policy), nil
	}
	if err != nil {
		return nil, fmt.Errorf("abac: read policy: %w", err)
	}

	var policy domain.Policy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("abac: parse policy: %w", err)
	}
	return New(policy), nil
}

// Policy returns the engine's policy document.
func (e *Engine) Policy() domain.Policy { return e.policy }

// CheckAccess evaluates (subject, action, resource) against the policy and
// reports whether access is permitted. Evaluation is independent of
// authentication: callers supply already-verified attributes.
func (e *Engine) CheckAccess(subject map[string]string, action string, resource map[string]string) bool {
	for _, rule := range e.policy.Rules {
		if ruleMatches(rule, subject, action, resource) {
			return rule.Effect == domain.EffectPermit
		}
	}
	return e.policy.DefaultEffect == domain.EffectPermit
}

// Authorize is CheckAccess with an error result for call sites that
// propagate typed failures.
func (e *Engine) Authorize(subject map[string]string, action string, resource map[string]string) error {
	if !e.CheckAccess(subject, action, resource) {
		return ErrPermissionDenied
	}
	return nil
}

func ruleMatches(rule domain.PolicyRule, subject map[string]string, action string, resource map[string]string) bool {
	for key, want := range rule.Subject {
		if key == "id" && want == domain.SubjectSelfMarker {
			// "subject is the resource's own patient"
			if subject["id"] == "" || subject["id"] != resource["patient_id"] {
				return false
			}
			continue
		}
		if subject[key] != want {
			return false
		}
	}

	if !rule.Action.Contains(action) {
		return false
	}

	for key, want := range rule.Resource {
		if resource[key] != want {
			return false
		}
	}
	return true
}

// DefaultPolicy is the ruleset installed on first start: clinicians can
// view, doctors and admins can add, and patients can view their own data.
func DefaultPolicy() domain.Policy {
	return domain.Policy{
		Rules: []domain.PolicyRule{
			{
				Name:     "Doctor can view patient data",
				Subject:  map[string]string{"role": "doctor"},
				Action:   domain.ActionSet{"view"},
				Resource: map[string]string{"type": "patient_data"},
				Effect:   domain.EffectPermit,
			},
			{
				Name:     "Admin can view and add patient data",
				Subject:  map[string]string{"role": "admin"},
				Action:   domain.ActionSet{"view", "add"},
				Resource: map[string]string{"type": "patient_data"},
				Effect:   domain.EffectPermit,
			},
			{
				Name:     "Patient can view own data",
				Subject:  map[string]string{"role": "patient", "id": domain.SubjectSelfMarker},
				Action:   domain.ActionSet{"view"},
				Resource: map[string]string{"type": "patient_data"},
				Effect:   domain.EffectPermit,
			},
			{
				Name:     "Doctor can add patient data",
				Subject:  map[string]string{"role": "doctor"},
				Action:   domain.ActionSet{"add"},
				Resource: map[string]string{"type": "patient_data"},
				Effect:   domain.EffectPermit,
			},
		},
		DefaultEffect: domain.EffectDeny,
	}
}
