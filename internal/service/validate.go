package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/beacon-labs/beacon/internal/core"
	"github.com/beacon-labs/beacon/internal/repository"
)

// Definitions are validated and canonicalised at write time so the decision
// engine never has to defend against malformed stored state.

func validateScope(platform, environment, key string) error {
	if strings.TrimSpace(platform) == "" {
		return fmt.Errorf("%w: platform is required", ErrValidation)
	}
	if strings.TrimSpace(environment) == "" {
		return fmt.Errorf("%w: environment is required", ErrValidation)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key is required", ErrValidation)
	}

	return nil
}

// canonicalizeTargeting normalises rule casing (countries upper, languages
// lower) and drops blank force list entries. Matching is case-insensitive at
// decision time; canonical storage keeps definitions diffable.
func canonicalizeTargeting(targeting core.Targeting) (core.Targeting, error) {
	out := core.Targeting{
		ForceIncludeUsers: cleanUserList(targeting.ForceIncludeUsers),
		ForceExcludeUsers: cleanUserList(targeting.ForceExcludeUsers),
	}

	for i, rule := range targeting.Countries {
		country := strings.ToUpper(strings.TrimSpace(rule.Country))
		if country == "" {
			return core.Targeting{}, fmt.Errorf("%w: country rule %d has empty country", ErrValidation, i)
		}
		if !isAlpha2(country) {
			return core.Targeting{}, fmt.Errorf("%w: country rule %d has invalid country code %q, want 2 letters", ErrValidation, i, rule.Country)
		}

		switch rule.ServeValue {
		case "", core.ServeValueA, core.ServeValueB:
		default:
			return core.Targeting{}, fmt.Errorf("%w: country rule %d has unknown serve value %q", ErrValidation, i, rule.ServeValue)
		}

		languages := make([]string, 0, len(rule.Languages))
		for _, language := range rule.Languages {
			language = strings.ToLower(strings.TrimSpace(language))
			if language == "" {
				return core.Targeting{}, fmt.Errorf("%w: country rule %d has empty language", ErrValidation, i)
			}
			if !isAlpha2(language) {
				return core.Targeting{}, fmt.Errorf("%w: country rule %d has invalid language code %q, want 2 letters", ErrValidation, i, language)
			}
			languages = append(languages, language)
		}
		if len(languages) == 0 {
			languages = nil
		}

		out.Countries = append(out.Countries, core.CountryRule{
			Country:    country,
			Languages:  languages,
			ServeValue: rule.ServeValue,
		})
	}

	return out, nil
}

// isAlpha2 reports whether code is exactly two ASCII letters, the canonical
// shape of ISO country and language codes.
func isAlpha2(code string) bool {
	if len(code) != 2 {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}

	return true
}

func cleanUserList(users []string) []string {
	cleaned := make([]string, 0, len(users))
	for _, user := range users {
		user = strings.TrimSpace(user)
		if user != "" {
			cleaned = append(cleaned, user)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	return cleaned
}

func validateFlagDefinition(flag repository.Flag) error {
	if !flag.Type.Valid() {
		return fmt.Errorf("%w: unknown flag type %q", ErrValidation, flag.Type)
	}
	if flag.ValueA.Type != flag.Type {
		return fmt.Errorf("%w: value A is %q, flag is %q", ErrValidation, flag.ValueA.Type, flag.Type)
	}
	if flag.ValueB.Type != flag.Type {
		return fmt.Errorf("%w: value B is %q, flag is %q", ErrValidation, flag.ValueB.Type, flag.Type)
	}

	return validateRollout(flag.Rollout)
}

func validateRollout(rollout core.Rollout) error {
	if rollout.PercentageA < 0 || rollout.PercentageA > 100 {
		return fmt.Errorf("%w: rollout percentage A %d out of range", ErrValidation, rollout.PercentageA)
	}
	if rollout.PercentageB < 0 || rollout.PercentageB > 100 {
		return fmt.Errorf("%w: rollout percentage B %d out of range", ErrValidation, rollout.PercentageB)
	}
	if rollout.PercentageA+rollout.PercentageB != 100 {
		return fmt.Errorf("%w: rollout percentages sum to %d, want 100", ErrValidation, rollout.PercentageA+rollout.PercentageB)
	}

	return nil
}

func validateExperimentDefinition(experiment repository.Experiment) error {
	if len(experiment.Variations) < 2 {
		return fmt.Errorf("%w: experiment needs at least two variations", ErrValidation)
	}

	variationKeys := make(map[string]struct{}, len(experiment.Variations))
	controls := 0
	for i, variation := range experiment.Variations {
		if strings.TrimSpace(variation.Key) == "" {
			return fmt.Errorf("%w: variation %d has empty key", ErrValidation, i)
		}
		if _, dup := variationKeys[variation.Key]; dup {
			return fmt.Errorf("%w: duplicate variation key %q", ErrValidation, variation.Key)
		}
		variationKeys[variation.Key] = struct{}{}

		if !variation.Value.Type.Valid() {
			return fmt.Errorf("%w: variation %q has unknown value type %q", ErrValidation, variation.Key, variation.Value.Type)
		}
		if variation.IsControl {
			controls++
		}
	}
	if controls != 1 {
		return fmt.Errorf("%w: experiment needs exactly one control variation, has %d", ErrValidation, controls)
	}

	return validateAllocation(experiment.TrafficAllocation, variationKeys)
}

func validateAllocation(allocation []core.Allocation, variationKeys map[string]struct{}) error {
	if len(allocation) == 0 {
		return fmt.Errorf("%w: traffic allocation is required", ErrValidation)
	}

	seen := make(map[string]struct{}, len(allocation))
	total := 0
	for i, entry := range allocation {
		if _, ok := variationKeys[entry.VariationKey]; !ok {
			return fmt.Errorf("%w: allocation %d references unknown variation %q", ErrValidation, i, entry.VariationKey)
		}
		if _, dup := seen[entry.VariationKey]; dup {
			return fmt.Errorf("%w: variation %q allocated twice", ErrValidation, entry.VariationKey)
		}
		seen[entry.VariationKey] = struct{}{}

		if entry.Percentage < 0 || entry.Percentage > 100 {
			return fmt.Errorf("%w: allocation for %q is %d, out of range", ErrValidation, entry.VariationKey, entry.Percentage)
		}
		total += entry.Percentage
	}
	if len(seen) != len(variationKeys) {
		missing := make([]string, 0, len(variationKeys)-len(seen))
		for key := range variationKeys {
			if _, ok := seen[key]; !ok {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)
		return fmt.Errorf("%w: traffic allocation missing variations %s", ErrValidation, strings.Join(missing, ", "))
	}
	if total != 100 {
		return fmt.Errorf("%w: traffic allocation sums to %d, want 100", ErrValidation, total)
	}

	return nil
}
