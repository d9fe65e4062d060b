// Package ruleengine resolves which variation of a feature flag a user receives.
// Evaluation is pure: no I/O, no shared mutable state apart from a compiled-regex cache.
package ruleengine

// Flag is the evaluable shape of a feature flag as stored per environment.
type Flag struct {
	ID                  string       `json:"id"`
	EnvID               string       `json:"envId"`
	Key                 string       `json:"key"`
	Name                string       `json:"name"`
	Version             int64        `json:"version"`
	IsEnabled           bool         `json:"isEnabled"`
	Variations          []Variation  `json:"variations"`
	Rules               []Rule       `json:"rules"`
	DisabledVariationID string       `json:"disabledVariationId,omitempty"`
	DefaultRule         *DefaultRule `json:"defaultRule,omitempty"`
	UpdatedAt           int64        `json:"updatedAt"`
}

// Variation is one of the values a flag can serve.
type Variation struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value"`
}

// Rule is a conjunctive set of conditions plus the weighted distribution served on match.
type Rule struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// IsEnabled defaults to true when omitted.
	IsEnabled *bool `json:"isEnabled,omitempty"`

	// DispatchKey names the user attribute used for bucketing (default: keyId).
	DispatchKey string `json:"dispatchKey,omitempty"`

	Conditions    []Condition    `json:"conditions"`
	Distributions []Distribution `json:"distributions"`
}

// Enabled reports whether the rule takes part in evaluation.
func (r *Rule) Enabled() bool {
	return r.IsEnabled == nil || *r.IsEnabled
}

// Condition compares one user attribute against a value with an operator.
type Condition struct {
	Property string `json:"property"`
	Op       string `json:"op"`
	Value    string `json:"value"`
}

// Distribution assigns a share in [0,1] of the bucket space to a variation.
type Distribution struct {
	VariationID string  `json:"variationId"`
	Percentage  float64 `json:"percentage"`
}

// DefaultRule is served when no rule matches.
type DefaultRule struct {
	DispatchKey   string         `json:"dispatchKey,omitempty"`
	Distributions []Distribution `json:"distributions"`
}

// variation looks up a variation by id.
func (f *Flag) variation(id string) (Variation, bool) {
	for _, v := range f.Variations {
		if v.ID == id {
			return v, true
		}
	}
	return Variation{}, false
}
