package core

import (
	"slices"
	"strings"
)

// VerdictKind classifies the outcome of targeting evaluation.
type VerdictKind int

const (
	VerdictNoMatch VerdictKind = iota
	VerdictForcedExclude
	VerdictForcedInclude
	VerdictRuleMatch
)

// Verdict is the result of evaluating a targeting rule set against a user
// context. ServeValue is populated only for rule matches whose country rule
// carries an explicit override.
type Verdict struct {
	Kind       VerdictKind
	ServeValue ServeValue
}

// EvaluateTargeting applies the rule set to the context in strict order:
// force-exclude, force-include, then country rules in list order with the
// first match winning. Exclusion is checked first so that a user present in
// both force lists is excluded.
func EvaluateTargeting(targeting Targeting, context UserContext) Verdict {
	if context.UserID != "" {
		if slices.Contains(targeting.ForceExcludeUsers, context.UserID) {
			return Verdict{Kind: VerdictForcedExclude}
		}
		if slices.Contains(targeting.ForceIncludeUsers, context.UserID) {
			return Verdict{Kind: VerdictForcedInclude}
		}
	}

	// A context without a country can never match a country rule.
	if context.Country == "" {
		return Verdict{Kind: VerdictNoMatch}
	}

	for _, rule := range targeting.Countries {
		if !strings.EqualFold(rule.Country, context.Country) {
			continue
		}
		if !matchesLanguage(rule.Languages, context.Language) {
			continue
		}
		return Verdict{Kind: VerdictRuleMatch, ServeValue: rule.ServeValue}
	}

	return Verdict{Kind: VerdictNoMatch}
}

func matchesLanguage(languages []string, language string) bool {
	if len(languages) == 0 {
		return true
	}
	if language == "" {
		return false
	}
	for _, candidate := range languages {
		if strings.EqualFold(candidate, language) {
			return true
		}
	}
	return false
}
