package abac_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/carebridge/carebridge/internal/portal/abac"
	"github.com/carebridge/carebridge/internal/portal/domain"
	"github.com/stretchr/testify/require"
)

func TestPatientCanOnlyViewOwnData(t *testing.T) {
	engine := abac.New(domain.Policy{
		Rules: []domain.PolicyRule{
			{
				Name:     "Patient can view own data",
				Subject:  map[string]string{"role": "patient", "id": domain.SubjectSelfMarker},
				Action:   domain.ActionSet{"view"},
				Resource: map[string]string{"type": "patient_data"},
				Effect:   domain.EffectPermit,
			},
		},
		DefaultEffect: domain.EffectDeny,
	})

	subject := map[string]string{"id": "P1", "role": "patient"}

	require.True(t, engine.CheckAccess(subject, "view",
		map[string]string{"type": "patient_data", "patient_id": "P1"}))
	require.False(t, engine.CheckAccess(subject, "view",
		map[string]string{"type": "patient_data", "patient_id": "P2"}))
}

func TestFirstMatchWins(t *testing.T) {
	// A deny rule ahead of a broad permit must win even though the permit
	// also matches.
	engine := abac.New(domain.Policy{
		Rules: []domain.PolicyRule{
			{
				Name:     "Suspended doctors are denied",
				Subject:  map[string]string{"role": "doctor", "status": "suspended"},
				Action:   domain.ActionSet{"view"},
				Resource: map[string]string{"type": "patient_data"},
				Effect:   domain.EffectDeny,
			},
			{
				Name:     "Doctors can view",
				Subject:  map[string]string{"role": "doctor"},
				Action:   domain.ActionSet{"view"},
				Resource: map[string]string{"type": "patient_data"},
				Effect:   domain.EffectPermit,
			},
		},
		DefaultEffect: domain.EffectDeny,
	})

	resource := map[string]string{"type": "patient_data", "patient_id": "P1"}

	require.False(t, engine.CheckAccess(
		map[string]string{"role": "doctor", "status": "suspended"}, "view", resource))
	require.True(t, engine.CheckAccess(
		map[string]string{"role": "doctor", "status": "active"}, "view", resource))
}

func TestDefaultEffectApplies(t *testing.T) {
	deny := abac.New(domain.Policy{DefaultEffect: domain.EffectDeny})
	require.False(t, deny.CheckAccess(map[string]string{"role": "admin"}, "view", nil))

	permit := abac.New(domain.Policy{DefaultEffect: domain.EffectPermit})
	require.True(t, permit.CheckAccess(map[string]string{"role": "admin"}, "view", nil))
}

func TestDefaultPolicy(t *testing.T) {
	engine := abac.New(abac.DefaultPolicy())

	resource := map[string]string{"type": "patient_data", "patient_id": "patient001"}

	require.True(t, engine.CheckAccess(map[string]string{"id": "doctor1", "role": "doctor"}, "view", resource))
	require.True(t, engine.CheckAccess(map[string]string{"id": "doctor1", "role": "doctor"}, "add", resource))
	require.True(t, engine.CheckAccess(map[string]string{"id": "admin1", "role": "admin"}, "add", resource))
	require.True(t, engine.CheckAccess(map[string]string{"id": "patient001", "role": "patient"}, "view", resource))
	require.False(t, engine.CheckAccess(map[string]string{"id": "patient001", "role": "patient"}, "add", resource))
	require.False(t, engine.CheckAccess(map[string]string{"id": "doctor1", "role": "doctor"}, "delete", resource))
}

func TestAuthorizeReturnsTypedError(t *testing.T) {
	engine := abac.New(domain.Policy{DefaultEffect: domain.EffectDeny})
	err := engine.Authorize(map[string]string{"role": "nurse"}, "view",
		map[string]string{"type": "patient_data"})
	require.ErrorIs(t, err, abac.ErrPermissionDenied)
}

func TestLoadWritesDefaultPolicyWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abac_policy.json")

	engine, err := abac.Load(path)
	require.NoError(t, err)
	require.Equal(t, domain.EffectDeny, engine.Policy().DefaultEffect)

	// File was created and parses back to the same policy.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var policy domain.Policy
	require.NoError(t, json.Unmarshal(raw, &policy))
	require.Len(t, policy.Rules, 4)

	again, err := abac.Load(path)
	require.NoError(t, err)
	require.Len(t, again.Policy().Rules, 4)
}

func TestActionSetAcceptsScalarAndList(t *testing.T) {
	var rule domain.PolicyRule
	require.NoError(t, json.Unmarshal([]byte(`{
		"name": "n",
		"subject": {"role": "admin"},
		"action": "view",
		"resource": {"type": "patient_data"},
		"effect": "permit"
	}`), &rule))
	require.Equal(t, domain.ActionSet{"view"}, rule.Action)

	require.NoError(t, json.Unmarshal([]byte(`{
		"name": "n",
		"subject": {"role": "admin"},
		"action": ["view", "add"],
		"resource": {"type": "patient_data"},
		"effect": "permit"
	}`), &rule))
	require.True(t, rule.Action.Contains("add"))
	require.False(t, rule.Action.Contains("delete"))
}
