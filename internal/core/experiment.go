package core

import "fmt"

// Status is the experiment lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// statusTransitions is the full lifecycle graph:
// draft -> running <-> paused, running -> completed -> archived.
var statusTransitions = map[Status][]Status{
	StatusDraft:     {StatusRunning},
	StatusRunning:   {StatusPaused, StatusCompleted},
	StatusPaused:    {StatusRunning, StatusCompleted},
	StatusCompleted: {StatusArchived},
	StatusArchived:  {},
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransitionTo reports whether the lifecycle graph permits moving from s
// to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionStatus validates a status change against the lifecycle graph and
// returns the new status, or an error describing the rejected transition.
func TransitionStatus(from, to Status) (Status, error) {
	if !from.Valid() {
		return "", fmt.Errorf("unknown experiment status %q", from)
	}
	if !to.Valid() {
		return "", fmt.Errorf("unknown experiment status %q", to)
	}
	if !from.CanTransitionTo(to) {
		return "", fmt.Errorf("cannot transition experiment from %q to %q", from, to)
	}
	return to, nil
}

// ExperimentDecision is the outcome of DecideExperiment. When Eligible is
// false the context receives no variation and no exposure is recorded.
// Bucket is the percentage bucket consulted for weighted allocation and -1
// otherwise.
type ExperimentDecision struct {
	VariationKey   string `json:"variation_key,omitempty"`
	Eligible       bool   `json:"eligible"`
	RecordExposure bool   `json:"record_exposure"`
	Bucket         int    `json:"bucket"`
}

// DecideExperiment resolves which variation the context receives.
//
// Only running experiments assign variations. Force-excluded users are
// ineligible; force-included users receive the control variation. Country
// rules narrow eligibility without steering the variation: a context that
// matches (or an empty rule set) proceeds to weighted allocation, while a
// context that misses a non-empty rule set is ineligible.
func DecideExperiment(experiment Experiment, context UserContext) ExperimentDecision {
	notEligible := ExperimentDecision{Bucket: -1}

	if experiment.Status != StatusRunning {
		return notEligible
	}

	verdict := EvaluateTargeting(experiment.Targeting, context)
	switch verdict.Kind {
	case VerdictForcedExclude:
		return notEligible
	case VerdictForcedInclude:
		control, ok := experiment.ControlVariation()
		if !ok {
			return notEligible
		}
		return ExperimentDecision{
			VariationKey:   control.Key,
			Eligible:       true,
			RecordExposure: true,
			Bucket:         -1,
		}
	case VerdictNoMatch:
		if len(experiment.Targeting.Countries) > 0 {
			return notEligible
		}
	}

	bucket := Bucket(context.UserID, ExperimentSalt(experiment.Key))
	key, ok := VariationForBucket(experiment.TrafficAllocation, bucket)
	if !ok {
		return notEligible
	}

	return ExperimentDecision{
		VariationKey:   key,
		Eligible:       true,
		RecordExposure: true,
		Bucket:         bucket,
	}
}

// VariationForBucket walks the allocation list in order, accumulating
// percentages, and returns the variation whose contiguous range contains the
// bucket. Write-time validation guarantees the list partitions [0,100)
// exactly, so ok is false only for malformed definitions.
func VariationForBucket(allocation []Allocation, bucket int) (string, bool) {
	cumulative := 0
	for _, entry := range allocation {
		cumulative += entry.Percentage
		if bucket < cumulative {
			return entry.VariationKey, true
		}
	}
	return "", false
}
