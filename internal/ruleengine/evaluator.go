package ruleengine

import (
	"fmt"
	"log/slog"
	"strings"
)

// DefaultRegexCapacity bounds the compiled-regex cache when no option overrides it.
const DefaultRegexCapacity = 1000

// Evaluator resolves flag variations for users.
type Evaluator struct {
	operators map[string]Operator
	regexes   *regexCache
	logger    *slog.Logger
}

// Option customizes an Evaluator.
type Option func(*options)

type options struct {
	regexCapacity int
	extra         map[string]Operator
}

// WithRegexCapacity sets the size of the compiled-regex cache.
func WithRegexCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.regexCapacity = n
		}
	}
}

// WithOperator registers an additional operator (or overrides a built-in one).
func WithOperator(name string, op Operator) Option {
	return func(o *options) {
		o.extra[strings.ToLower(name)] = op
	}
}

// New creates an Evaluator. If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger, opts ...Option) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	o := &options{regexCapacity: DefaultRegexCapacity, extra: map[string]Operator{}}
	for _, opt := range opts {
		opt(o)
	}

	regexes, err := newRegexCache(o.regexCapacity, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build regex cache: %w", err)
	}

	operators := defaultOperators(regexes)
	for name, op := range o.extra {
		operators[name] = op
	}

	return &Evaluator{
		operators: operators,
		regexes:   regexes,
		logger:    logger,
	}, nil
}

// Close releases the regex cache.
func (e *Evaluator) Close() {
	e.regexes.close()
}

// Evaluate resolves the variation served to user. It never panics for
// expected conditions: failures come back as a Result with an ErrorCode.
func (e *Evaluator) Evaluate(flag *Flag, user *EndUser) Result {
	if flag == nil {
		return failed("", ErrFlagNotFound, "flag not found")
	}

	if !flag.IsEnabled {
		if flag.DisabledVariationID == "" {
			return Result{FlagKey: flag.Key, Reason: ReasonDisabled}
		}
		v, ok := flag.variation(flag.DisabledVariationID)
		if !ok {
			return failed(flag.Key, ErrVariationNotFound,
				fmt.Sprintf("disabled variation %q not found", flag.DisabledVariationID))
		}
		return served(flag.Key, v, ReasonDisabledVariation)
	}

	for i := range flag.Rules {
		rule := &flag.Rules[i]
		if !rule.Enabled() || !e.ruleMatches(flag, rule, user) {
			continue
		}

		// First matching rule wins.
		result := e.dispatch(flag, rule.ID, rule.DispatchKey, rule.Distributions, user, ReasonRuleMatch)
		result.RuleID = rule.ID
		return result
	}

	if flag.DefaultRule != nil && len(flag.DefaultRule.Distributions) > 0 {
		return e.dispatch(flag, defaultRuleID, flag.DefaultRule.DispatchKey, flag.DefaultRule.Distributions, user, ReasonDefault)
	}

	if len(flag.Variations) == 0 {
		return failed(flag.Key, ErrNoVariationInFlag, "flag has no variations")
	}
	return served(flag.Key, flag.Variations[0], ReasonDefault)
}

// ruleMatches applies the conditions as a short-circuit conjunction.
func (e *Evaluator) ruleMatches(flag *Flag, rule *Rule, user *EndUser) bool {
	for _, cond := range rule.Conditions {
		if !e.conditionMatches(flag, rule, cond, user) {
			return false
		}
	}
	return true
}

func (e *Evaluator) conditionMatches(flag *Flag, rule *Rule, cond Condition, user *EndUser) bool {
	op, exists := e.operators[strings.ToLower(cond.Op)]
	if !exists {
		e.logger.Warn("skipping condition with unknown operator",
			"op", cond.Op,
			"flag_key", flag.Key,
			"rule_id", rule.ID,
		)
		return false
	}

	attribute, ok := user.ValueOf(cond.Property)
	if !ok {
		return false
	}
	return op.Match(attribute, cond.Value)
}

// dispatch buckets the user into one of the distributions.
func (e *Evaluator) dispatch(flag *Flag, ruleID, dispatchKey string, distributions []Distribution, user *EndUser, reason Reason) Result {
	if len(distributions) == 0 {
		return failed(flag.Key, ErrNoVariationInRule, fmt.Sprintf("rule %q has no distributions", ruleID))
	}

	bucket := Bucket(flag.Key, ruleID, user.bucketKey(dispatchKey))

	selected, ok := selectDistribution(distributions, bucket)
	if !ok {
		return failed(flag.Key, ErrNoVariationSelected,
			fmt.Sprintf("bucket %.5f not covered by rule %q", bucket, ruleID))
	}

	v, found := flag.variation(selected.VariationID)
	if !found {
		return failed(flag.Key, ErrVariationNotFound, fmt.Sprintf("variation %q not found", selected.VariationID))
	}
	return served(flag.Key, v, reason)
}
