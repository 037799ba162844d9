package core

// DecisionSource records which stage of the flag decision produced the
// returned value.
type DecisionSource string

const (
	SourceDisabled DecisionSource = "disabled"
	SourceForced   DecisionSource = "forced"
	SourceRule     DecisionSource = "rule"
	SourceRollout  DecisionSource = "rollout"
)

// FlagDecision is the outcome of DecideFlag. Bucket is the percentage bucket
// consulted for rollout decisions and -1 for every other source.
type FlagDecision struct {
	Value  Value          `json:"value"`
	Source DecisionSource `json:"source"`
	Bucket int            `json:"bucket"`
}

// DecideFlag resolves which of the flag's two values the context receives.
//
// Order: disabled flags always serve value A; force lists serve value A (the
// baseline treatment, mirroring experiment control assignment); a matching
// country rule serves its override, defaulting to B; otherwise the rollout
// split applies, with all traffic on A while rollout is off.
func DecideFlag(flag Flag, context UserContext) FlagDecision {
	if !flag.Enabled {
		return FlagDecision{Value: flag.ValueA, Source: SourceDisabled, Bucket: -1}
	}

	verdict := EvaluateTargeting(flag.Targeting, context)
	switch verdict.Kind {
	case VerdictForcedExclude, VerdictForcedInclude:
		return FlagDecision{Value: flag.ValueA, Source: SourceForced, Bucket: -1}
	case VerdictRuleMatch:
		if verdict.ServeValue == ServeValueA {
			return FlagDecision{Value: flag.ValueA, Source: SourceRule, Bucket: -1}
		}
		return FlagDecision{Value: flag.ValueB, Source: SourceRule, Bucket: -1}
	}

	if !flag.Rollout.Enabled {
		return FlagDecision{Value: flag.ValueA, Source: SourceRollout, Bucket: -1}
	}

	bucket := Bucket(context.UserID, FlagSalt(flag.Key))
	if bucket < flag.Rollout.PercentageA {
		return FlagDecision{Value: flag.ValueA, Source: SourceRollout, Bucket: bucket}
	}
	return FlagDecision{Value: flag.ValueB, Source: SourceRollout, Bucket: bucket}
}
