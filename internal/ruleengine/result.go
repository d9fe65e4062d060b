package ruleengine

// Reason explains how a variation was chosen. Failed evaluations carry their
// ErrorCode as the reason.
type Reason string

const (
	ReasonDisabled          Reason = "DISABLED"
	ReasonDisabledVariation Reason = "DISABLED_VARIATION"
	ReasonRuleMatch         Reason = "RULE_MATCH"
	ReasonDefault           Reason = "DEFAULT"
)

// ErrorCode classifies expected evaluation failures. They are data, never panics.
type ErrorCode string

const (
	ErrFlagNotFound        ErrorCode = "FLAG_NOT_FOUND"
	ErrVariationNotFound   ErrorCode = "VARIATION_NOT_FOUND"
	ErrNoVariationInRule   ErrorCode = "NO_VARIATION_IN_RULE"
	ErrNoVariationSelected ErrorCode = "NO_VARIATION_SELECTED"
	ErrNoVariationInFlag   ErrorCode = "NO_VARIATION_IN_FLAG"
)

// Result is the outcome of evaluating one flag for one user.
type Result struct {
	FlagKey       string    `json:"flagKey"`
	Value         string    `json:"value"`
	VariationID   string    `json:"variationId,omitempty"`
	VariationName string    `json:"variationName,omitempty"`
	Reason        Reason    `json:"reason"`
	RuleID        string    `json:"ruleId,omitempty"`
	ErrorCode     ErrorCode `json:"errorCode,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
}

// Failed reports whether the evaluation ended in an error code.
func (r Result) Failed() bool {
	return r.ErrorCode != ""
}

func served(flagKey string, v Variation, reason Reason) Result {
	return Result{
		FlagKey:       flagKey,
		Value:         v.Value,
		VariationID:   v.ID,
		VariationName: v.Name,
		Reason:        reason,
	}
}

func failed(flagKey string, code ErrorCode, msg string) Result {
	return Result{
		FlagKey:      flagKey,
		Reason:       Reason(code),
		ErrorCode:    code,
		ErrorMessage: msg,
	}
}
