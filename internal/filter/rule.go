package filter

import (
	"strings"
	"time"

	"a2a/internal/config"
	"a2a/pkg/errors"
)

type RuleType string

const (
	RuleInclude   RuleType = "INCLUDE"
	RuleExclude   RuleType = "EXCLUDE"
	RuleTransform RuleType = "TRANSFORM"
)

// Targets name the part of the envelope a rule inspects. Header and payload
// targets read Rule.Path.
const (
	TargetType          = "type"
	TargetSource        = "source"
	TargetDestination   = "destination"
	TargetCorrelationID = "correlationId"
	TargetHeader        = "header"
	TargetPayload       = "payload"
)

type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpGreaterThan    Operator = "greater_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessThan       Operator = "less_than"
	OpLessOrEqual    Operator = "less_or_equal"
	OpMatches        Operator = "matches"
	OpGlob           Operator = "glob"
	OpExists         Operator = "exists"
	// OpCEL evaluates Value as a boolean CEL expression over the whole envelope.
	OpCEL Operator = "cel"
)

type TransformAction string

const (
	ActionSetHeader     TransformAction = "set_header"
	ActionSetPayload    TransformAction = "set_payload"
	ActionRemovePayload TransformAction = "remove_payload"
	ActionSetType       TransformAction = "set_type"
	ActionSetPriority   TransformAction = "set_priority"
)

type Transform struct {
	Action TransformAction `json:"action"`
	// Path is the header name or payload path for set_header, set_payload
	// and remove_payload.
	Path  string      `json:"path,omitempty"`
	Value interface{} `json:"value,omitempty"`
	// Expression, when set, computes the value with CEL; "value" is bound to
	// the current value at the transform target.
	Expression string `json:"expression,omitempty"`
}

type Rule struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      RuleType    `json:"type"`
	Target    string      `json:"target"`
	Path      string      `json:"path,omitempty"`
	Operator  Operator    `json:"operator"`
	Value     interface{} `json:"value,omitempty"`
	Priority  int         `json:"priority"`
	Enabled   bool        `json:"enabled"`
	Transform *Transform  `json:"transform,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`

	seq uint64
}

var priorityNames = map[string]bool{
	"critical": true, "high": true, "normal": true, "low": true, "background": true,
}

func validateRule(r Rule) error {
	invalid := func(msg string) *errors.Error {
		return errors.ErrValidation.WithMessage(msg).WithDetail("rule_id", r.ID)
	}

	switch r.Type {
	case RuleInclude, RuleExclude, RuleTransform:
	default:
		return invalid("unknown rule type " + string(r.Type))
	}

	switch r.Operator {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
		OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpMatches, OpGlob, OpExists:
		if err := validateTarget(r); err != nil {
			return err
		}
	case OpCEL:
		if _, ok := r.Value.(string); !ok {
			return invalid("cel operator needs a string expression")
		}
	default:
		return invalid("unknown operator " + string(r.Operator))
	}

	if r.Operator == OpMatches {
		pattern, ok := r.Value.(string)
		if !ok {
			return invalid("matches operator needs a string pattern")
		}
		if _, err := compileRegexp(pattern); err != nil {
			return invalid("invalid regular expression").WithCause(err)
		}
	}

	if r.Type != RuleTransform {
		return nil
	}
	if r.Transform == nil {
		return invalid("transform rule without transform")
	}
	t := r.Transform
	switch t.Action {
	case ActionSetHeader, ActionSetPayload, ActionRemovePayload:
		if t.Path == "" {
			return invalid("transform " + string(t.Action) + " needs a path")
		}
	case ActionSetType:
	case ActionSetPriority:
		if s, ok := t.Value.(string); ok && t.Expression == "" && !priorityNames[strings.ToLower(s)] {
			return invalid("unknown priority " + s)
		}
	default:
		return invalid("unknown transform action " + string(t.Action))
	}
	return nil
}

func validateTarget(r Rule) error {
	switch r.Target {
	case TargetType, TargetSource, TargetDestination, TargetCorrelationID:
		return nil
	case TargetHeader, TargetPayload:
		if r.Path == "" {
			return errors.ErrValidation.WithMessage(r.Target + " target needs a path").WithDetail("rule_id", r.ID)
		}
		return nil
	}
	return errors.ErrValidation.WithMessage("unknown target " + r.Target).WithDetail("rule_id", r.ID)
}

// RulesFromConfig converts configured rules. Rules are enabled unless the
// configuration says otherwise.
func RulesFromConfig(cfgs []config.RuleConfig) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		r := Rule{
			ID:       c.ID,
			Name:     c.Name,
			Type:     RuleType(strings.ToUpper(c.Type)),
			Target:   c.Target,
			Path:     c.Path,
			Operator: Operator(c.Operator),
			Value:    c.Value,
			Priority: c.Priority,
			Enabled:  c.Enabled == nil || *c.Enabled,
		}
		if c.Transform != nil {
			r.Transform = &Transform{
				Action:     TransformAction(c.Transform.Action),
				Path:       c.Transform.Path,
				Value:      c.Transform.Value,
				Expression: c.Transform.Expression,
			}
		}
		rules = append(rules, r)
	}
	return rules
}
