package ruleengine

import (
	"strconv"
	"strings"
)

// Operator names as they appear in Condition.Op (matched case-insensitively).
const (
	OpEquals           = "equals"
	OpNotEquals        = "notEquals"
	OpContains         = "contains"
	OpNotContains      = "notContains"
	OpStartsWith       = "startsWith"
	OpEndsWith         = "endsWith"
	OpMatchRegex       = "matchRegex"
	OpNotMatchRegex    = "notMatchRegex"
	OpIsOneOf          = "isOneOf"
	OpNotOneOf         = "notOneOf"
	OpIsTrue           = "isTrue"
	OpIsFalse          = "isFalse"
	OpLessThan         = "lessThan"
	OpGreaterThan      = "greaterThan"
	OpLessEqualThan    = "lessEqualThan"
	OpGreaterEqualThan = "greaterEqualThan"
)

// Operator decides whether an attribute value satisfies a condition value.
type Operator interface {
	Match(attribute, value string) bool
}

// OperatorFunc adapts a plain function to Operator.
type OperatorFunc func(attribute, value string) bool

// Match implements Operator.
func (f OperatorFunc) Match(attribute, value string) bool {
	return f(attribute, value)
}

// defaultOperators returns the built-in operator registry keyed by lowercase name.
// Legacy spellings are registered as aliases.
func defaultOperators(re *regexCache) map[string]Operator {
	ops := map[string]Operator{
		OpEquals:      OperatorFunc(strings.EqualFold),
		OpNotEquals:   not(OperatorFunc(strings.EqualFold)),
		OpContains:    OperatorFunc(containsFold),
		OpNotContains: not(OperatorFunc(containsFold)),
		OpStartsWith: OperatorFunc(func(a, v string) bool {
			return strings.HasPrefix(strings.ToLower(a), strings.ToLower(v))
		}),
		OpEndsWith: OperatorFunc(func(a, v string) bool {
			return strings.HasSuffix(strings.ToLower(a), strings.ToLower(v))
		}),
		OpMatchRegex:       OperatorFunc(re.match),
		OpNotMatchRegex:    OperatorFunc(re.notMatch),
		OpIsOneOf:          OperatorFunc(isOneOf),
		OpNotOneOf:         not(OperatorFunc(isOneOf)),
		OpIsTrue:           OperatorFunc(func(a, _ string) bool { return strings.EqualFold(strings.TrimSpace(a), "true") }),
		OpIsFalse:          OperatorFunc(func(a, _ string) bool { return strings.EqualFold(strings.TrimSpace(a), "false") }),
		OpLessThan:         numeric(func(a, v float64) bool { return a < v }),
		OpGreaterThan:      numeric(func(a, v float64) bool { return a > v }),
		OpLessEqualThan:    numeric(func(a, v float64) bool { return a <= v }),
		OpGreaterEqualThan: numeric(func(a, v float64) bool { return a >= v }),
	}

	aliases := map[string]string{
		"equal":           OpEquals,
		"notEqual":        OpNotEquals,
		"notContain":      OpNotContains,
		"biggerThan":      OpGreaterThan,
		"biggerEqualThan": OpGreaterEqualThan,
	}
	for alias, target := range aliases {
		ops[alias] = ops[target]
	}

	registry := make(map[string]Operator, len(ops))
	for name, op := range ops {
		registry[strings.ToLower(name)] = op
	}
	return registry
}

func not(op Operator) Operator {
	return OperatorFunc(func(a, v string) bool { return !op.Match(a, v) })
}

func containsFold(attribute, value string) bool {
	return strings.Contains(strings.ToLower(attribute), strings.ToLower(value))
}

// isOneOf checks membership in a comma-separated list.
func isOneOf(attribute, value string) bool {
	for _, item := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(attribute)) {
			return true
		}
	}
	return false
}

// numeric parses both operands as floats; a parse failure is a non-match.
func numeric(cmp func(a, v float64) bool) Operator {
	return OperatorFunc(func(attribute, value string) bool {
		a, err := strconv.ParseFloat(strings.TrimSpace(attribute), 64)
		if err != nil {
			return false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return false
		}
		return cmp(a, v)
	})
}
