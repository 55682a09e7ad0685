package domain

import (
	"encoding/json"
	"fmt"
)

// Effect is a rule or policy outcome.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
)

// SubjectSelfMarker in a rule's subject pattern under the "id" key means
// "the subject is the patient the resource belongs to": the rule matches
// only when subject["id"] == resource["patient_id"].
const SubjectSelfMarker = "resource.patient_id"

// ActionSet accepts either a single JSON string or a list of strings, as
// both appear in authored policy documents.
type ActionSet []string

func (a *ActionSet) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*a = ActionSet{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("domain: action must be a string or list of strings")
	}
	*a = ActionSet(many)
	return nil
}

func (a ActionSet) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// Contains reports whether the action is a member of the set.
func (a ActionSet) Contains(action string) bool {
	for _, v := range a {
		if v == action {
			return true
		}
	}
	return false
}

// PolicyRule is one ordered ABAC rule. All keys in Subject and Resource
// must match the corresponding attributes for the rule to apply.
type PolicyRule struct {
	Name     string            `json:"name"`
	Subject  map[string]string `json:"subject"`
	Action   ActionSet         `json:"action"`
	Resource map[string]string `json:"resource"`
	Effect   Effect            `json:"effect"`
}

// Policy is an ordered rule list with a fallback effect. Rule order is
// semantically significant: evaluation is first-match-wins.
type Policy struct {
	Rules         []PolicyRule `json:"rules"`
	DefaultEffect Effect       `json:"default_effect"`
}
