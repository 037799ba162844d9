// Package core implements the deterministic flag and experiment decision
// engine: percentage bucketing, targeting rule evaluation, and the two
// decision functions. Everything in this package is a pure function over
// well-formed input; validation happens at the store boundary.
package core

import (
	"encoding/json"
	"fmt"
)

// UserContext carries the per-request user attributes used for targeting and
// bucketing. It is never persisted.
type UserContext struct {
	UserID   string `json:"user_id"`
	Country  string `json:"country,omitempty"`
	Language string `json:"language,omitempty"`
}

// ServeValue selects one of a flag's two values when a targeting rule forces
// an outcome.
type ServeValue string

const (
	ServeValueA ServeValue = "A"
	ServeValueB ServeValue = "B"
)

// CountryRule matches a context by country and, optionally, language. An
// empty Languages list matches every language in the country. ServeValue is
// only honoured for flags; experiments ignore it.
type CountryRule struct {
	Country    string     `json:"country"`
	Languages  []string   `json:"languages,omitempty"`
	ServeValue ServeValue `json:"serve_value,omitempty"`
}

// Targeting is the rule set attached to a flag or experiment. Force lists
// are evaluated before country rules; exclusion wins when a user appears in
// both lists.
type Targeting struct {
	ForceIncludeUsers []string      `json:"force_include_users,omitempty"`
	ForceExcludeUsers []string      `json:"force_exclude_users,omitempty"`
	Countries         []CountryRule `json:"countries,omitempty"`
}

// FlagType discriminates the typed flag value union.
type FlagType string

const (
	FlagTypeBoolean FlagType = "boolean"
	FlagTypeString  FlagType = "string"
	FlagTypeNumber  FlagType = "number"
)

// Valid reports whether t is a known flag type.
func (t FlagType) Valid() bool {
	switch t {
	case FlagTypeBoolean, FlagTypeString, FlagTypeNumber:
		return true
	}
	return false
}

// Value is a tagged union holding one flag value, discriminated by Type.
// Only the field matching Type is meaningful.
type Value struct {
	Type FlagType
	Bool bool
	Str  string
	Num  float64
}

// BoolValue returns a boolean-typed Value.
func BoolValue(v bool) Value { return Value{Type: FlagTypeBoolean, Bool: v} }

// StringValue returns a string-typed Value.
func StringValue(v string) Value { return Value{Type: FlagTypeString, Str: v} }

// NumberValue returns a number-typed Value.
func NumberValue(v float64) Value { return Value{Type: FlagTypeNumber, Num: v} }

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case FlagTypeBoolean:
		return v.Bool == other.Bool
	case FlagTypeString:
		return v.Str == other.Str
	case FlagTypeNumber:
		return v.Num == other.Num
	}
	return false
}

type valueJSON struct {
	Type  FlagType        `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Type {
	case FlagTypeBoolean:
		payload = v.Bool
	case FlagTypeString:
		payload = v.Str
	case FlagTypeNumber:
		payload = v.Num
	default:
		return nil, fmt.Errorf("marshal value: unknown flag type %q", v.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(valueJSON{Type: v.Type, Value: raw})
}

// UnmarshalJSON decodes the tagged form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var decoded valueJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	switch decoded.Type {
	case FlagTypeBoolean:
		var b bool
		if err := json.Unmarshal(decoded.Value, &b); err != nil {
			return fmt.Errorf("unmarshal boolean value: %w", err)
		}
		*v = BoolValue(b)
	case FlagTypeString:
		var s string
		if err := json.Unmarshal(decoded.Value, &s); err != nil {
			return fmt.Errorf("unmarshal string value: %w", err)
		}
		*v = StringValue(s)
	case FlagTypeNumber:
		var n float64
		if err := json.Unmarshal(decoded.Value, &n); err != nil {
			return fmt.Errorf("unmarshal number value: %w", err)
		}
		*v = NumberValue(n)
	default:
		return fmt.Errorf("unmarshal value: unknown flag type %q", decoded.Type)
	}

	return nil
}

// Rollout holds the percentage split applied when no targeting rule matched.
// PercentageA and PercentageB must sum to 100 whenever Enabled is true.
type Rollout struct {
	Enabled     bool `json:"enabled"`
	PercentageA int  `json:"percentage_a"`
	PercentageB int  `json:"percentage_b"`
}

// DefaultRollout is the canonical rollout configuration applied when a flag
// is created without explicit rollout settings: rollout off, all traffic on
// value A.
var DefaultRollout = Rollout{Enabled: false, PercentageA: 100, PercentageB: 0}

// Flag is the decision-engine view of a flag definition: the single active
// version resolved by the store, stripped of identity and audit metadata.
type Flag struct {
	Key       string    `json:"key"`
	Enabled   bool      `json:"enabled"`
	Type      FlagType  `json:"type"`
	ValueA    Value     `json:"value_a"`
	ValueB    Value     `json:"value_b"`
	Targeting Targeting `json:"targeting"`
	Rollout   Rollout   `json:"rollout"`
}

// Variation is one arm of an experiment. Exactly one variation per
// experiment has IsControl set.
type Variation struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Value     Value  `json:"value"`
	IsControl bool   `json:"is_control"`
}

// Allocation assigns a contiguous share of the bucket space [0,100) to a
// variation. List order is the partition order and must stay stable.
type Allocation struct {
	VariationKey string `json:"variation_key"`
	Percentage   int    `json:"percentage"`
}

// Experiment is the decision-engine view of an experiment definition.
type Experiment struct {
	Key               string       `json:"key"`
	Status            Status       `json:"status"`
	Variations        []Variation  `json:"variations"`
	TrafficAllocation []Allocation `json:"traffic_allocation"`
	Targeting         Targeting    `json:"targeting"`
}

// ControlVariation returns the variation marked as control. The second
// return is false for malformed definitions, which the store never persists.
func (e Experiment) ControlVariation() (Variation, bool) {
	for _, variation := range e.Variations {
		if variation.IsControl {
			return variation, true
		}
	}
	return Variation{}, false
}
