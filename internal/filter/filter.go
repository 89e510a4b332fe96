// Package filter evaluates include, exclude and transform rules against
// envelopes.
package filter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"a2a/internal/logger"
	"a2a/pkg/cel"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/events"
	"a2a/pkg/ids"
	"a2a/pkg/metrics"
	"a2a/pkg/tracing"
)

type Result struct {
	Passed       bool               `json:"passed"`
	Message      *envelope.Envelope `json:"message"`
	MatchedRules []string           `json:"matchedRules"`
	Transformed  []string           `json:"transformed,omitempty"`
	ExcludedBy   string             `json:"excludedBy,omitempty"`
}

type Stats struct {
	Processed   uint64            `json:"processed"`
	Passed      uint64            `json:"passed"`
	Filtered    uint64            `json:"filtered"`
	Transformed uint64            `json:"transformed"`
	ActiveRules int               `json:"activeRules"`
	RuleHits    map[string]uint64 `json:"ruleHits"`
}

type EventKind string

const (
	EventRuleAdded   EventKind = "ruleAdded"
	EventRuleRemoved EventKind = "ruleRemoved"
	EventRuleUpdated EventKind = "ruleUpdated"
	EventFiltered    EventKind = "filtered"
)

type Event struct {
	Kind   EventKind
	Rule   *Rule
	Result *Result
}

type Filter struct {
	evaluator *cel.Evaluator
	log       logger.Logger
	events    *events.Feed[Event]
	now       func() time.Time

	mu    sync.RWMutex
	rules []Rule
	seq   uint64
	stats Stats
}

func New(log logger.Logger) (*Filter, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	return &Filter{
		evaluator: evaluator,
		log:       log.Named("filter"),
		events:    events.NewFeed[Event](),
		now:       time.Now,
		stats:     Stats{RuleHits: make(map[string]uint64)},
	}, nil
}

func (f *Filter) Initialize(ctx context.Context) error {
	f.log.InfowCtx(ctx, "Message filter ready", "rules_count", len(f.ListRules()))
	return nil
}

func (f *Filter) Shutdown(ctx context.Context) error {
	f.events.Close()
	return nil
}

func (f *Filter) Events() *events.Feed[Event] {
	return f.events
}

// FilterMessage runs every enabled rule, highest priority first, against env.
// Transforms mutate env in place.
func (f *Filter) FilterMessage(ctx context.Context, env *envelope.Envelope) Result {
	ctx, span := tracing.GetTracer("a2a-filter").Start(ctx, "filter.evaluate")
	defer span.End()

	start := time.Now()
	rules := f.activeRules()
	result := Result{Passed: true, Message: env, MatchedRules: make([]string, 0, len(rules))}

	for _, rule := range rules {
		matched, err := f.matches(ctx, rule, env)
		if err != nil {
			metrics.IncFilterRuleEvaluation(rule.ID, "error")
			f.log.WarnwCtx(ctx, "Rule evaluation error",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"error", err,
			)
			continue
		}
		if !matched {
			metrics.IncFilterRuleEvaluation(rule.ID, "no_match")
			continue
		}
		metrics.IncFilterRuleEvaluation(rule.ID, "match")
		result.MatchedRules = append(result.MatchedRules, rule.ID)

		switch rule.Type {
		case RuleExclude:
			result.Passed = false
			result.ExcludedBy = rule.ID
			f.log.DebugwCtx(ctx, "Rule excluded message",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"type", env.Type,
			)
		case RuleTransform:
			if err := f.transform(ctx, rule, env); err != nil {
				f.log.WarnwCtx(ctx, "Transform failed",
					"rule_id", rule.ID,
					"error", err,
				)
				continue
			}
			result.Transformed = append(result.Transformed, rule.ID)
		}
		if !result.Passed {
			break
		}
	}

	f.record(result, time.Since(start))
	f.events.Emit(Event{Kind: EventFiltered, Result: &result})
	return result
}

// FilterMessages filters each envelope independently.
func (f *Filter) FilterMessages(ctx context.Context, envs []*envelope.Envelope) []Result {
	out := make([]Result, 0, len(envs))
	for _, env := range envs {
		out = append(out, f.FilterMessage(ctx, env))
	}
	return out
}

func (f *Filter) matches(ctx context.Context, rule Rule, env *envelope.Envelope) (bool, error) {
	if rule.Operator == OpCEL {
		expr, _ := rule.Value.(string)
		return f.evaluator.EvaluateFilter(ctx, expr, env)
	}
	actual, ok := extract(rule, env)
	if !ok {
		return false, nil
	}
	return apply(rule.Operator, actual, rule.Value), nil
}

func (f *Filter) transform(ctx context.Context, rule Rule, env *envelope.Envelope) error {
	t := rule.Transform
	value := t.Value
	if t.Expression != "" {
		computed, err := f.evaluator.EvaluateTransform(ctx, t.Expression, env, currentValue(t, env))
		if err != nil {
			return err
		}
		value = computed
	}

	switch t.Action {
	case ActionSetHeader:
		env.SetHeader(t.Path, toString(value))
	case ActionSetPayload:
		env.Set(t.Path, value)
	case ActionRemovePayload:
		env.Delete(t.Path)
	case ActionSetType:
		env.Type = toString(value)
	case ActionSetPriority:
		env.Headers.Priority = strings.ToLower(toString(value))
	}
	return nil
}

func currentValue(t *Transform, env *envelope.Envelope) interface{} {
	switch t.Action {
	case ActionSetHeader:
		if v, ok := env.Header(t.Path); ok {
			return v
		}
	case ActionSetPayload, ActionRemovePayload:
		if v, ok := env.Lookup(t.Path); ok {
			return v
		}
	case ActionSetType:
		return env.Type
	case ActionSetPriority:
		return env.Headers.Priority
	}
	return nil
}

func (f *Filter) record(result Result, d time.Duration) {
	f.mu.Lock()
	f.stats.Processed++
	if result.Passed {
		f.stats.Passed++
	} else {
		f.stats.Filtered++
	}
	if len(result.Transformed) > 0 {
		f.stats.Transformed++
	}
	for _, id := range result.MatchedRules {
		f.stats.RuleHits[id]++
	}
	f.mu.Unlock()

	status := "passed"
	if !result.Passed {
		status = "filtered"
	}
	metrics.IncFilterMessage(status)
	metrics.ObserveFilterDuration(d)
}

func (f *Filter) activeRules() []Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Rule, 0, len(f.rules))
	for _, r := range f.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func (f *Filter) prepare(r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = ids.RequestID()
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if err := validateRule(r); err != nil {
		return Rule{}, err
	}
	if r.Operator == OpCEL {
		if err := f.evaluator.ValidateFilterExpression(r.Value.(string)); err != nil {
			return Rule{}, errors.ErrValidation.WithMessage("invalid cel expression").WithCause(err).WithDetail("rule_id", r.ID)
		}
	}
	if r.Transform != nil && r.Transform.Expression != "" {
		if err := f.evaluator.ValidateExpression(r.Transform.Expression); err != nil {
			return Rule{}, errors.ErrValidation.WithMessage("invalid transform expression").WithCause(err).WithDetail("rule_id", r.ID)
		}
	}
	return r, nil
}

// sortLocked orders by descending priority, then insertion order.
func (f *Filter) sortLocked() {
	sort.SliceStable(f.rules, func(i, j int) bool {
		if f.rules[i].Priority != f.rules[j].Priority {
			return f.rules[i].Priority > f.rules[j].Priority
		}
		return f.rules[i].seq < f.rules[j].seq
	})
	active := 0
	for _, r := range f.rules {
		if r.Enabled {
			active++
		}
	}
	f.stats.ActiveRules = active
	metrics.SetFilterActiveRules(active)
}

func (f *Filter) AddRule(r Rule) (Rule, error) {
	r, err := f.prepare(r)
	if err != nil {
		return Rule{}, err
	}

	f.mu.Lock()
	for _, existing := range f.rules {
		if existing.ID == r.ID {
			f.mu.Unlock()
			return Rule{}, errors.ErrConflict.WithMessage("rule already exists").WithDetail("rule_id", r.ID)
		}
	}
	now := f.now()
	r.CreatedAt, r.UpdatedAt = now, now
	f.seq++
	r.seq = f.seq
	f.rules = append(f.rules, r)
	f.sortLocked()
	f.mu.Unlock()

	f.log.Infow("Rule added", "rule_id", r.ID, "rule_name", r.Name, "type", r.Type, "priority", r.Priority)
	f.events.Emit(Event{Kind: EventRuleAdded, Rule: &r})
	return r, nil
}

// UpdateRule replaces the rule with id, keeping its creation time and
// position among equal priorities.
func (f *Filter) UpdateRule(id string, r Rule) (Rule, error) {
	r.ID = id
	r, err := f.prepare(r)
	if err != nil {
		return Rule{}, err
	}

	f.mu.Lock()
	idx := f.indexLocked(id)
	if idx < 0 {
		f.mu.Unlock()
		return Rule{}, errors.ErrNotFound.WithMessage("rule not found").WithDetail("rule_id", id)
	}
	r.CreatedAt = f.rules[idx].CreatedAt
	r.seq = f.rules[idx].seq
	r.UpdatedAt = f.now()
	f.rules[idx] = r
	f.sortLocked()
	f.mu.Unlock()

	f.events.Emit(Event{Kind: EventRuleUpdated, Rule: &r})
	return r, nil
}

func (f *Filter) RemoveRule(id string) bool {
	f.mu.Lock()
	idx := f.indexLocked(id)
	if idx < 0 {
		f.mu.Unlock()
		return false
	}
	removed := f.rules[idx]
	f.rules = append(f.rules[:idx], f.rules[idx+1:]...)
	f.sortLocked()
	f.mu.Unlock()

	f.events.Emit(Event{Kind: EventRuleRemoved, Rule: &removed})
	return true
}

func (f *Filter) GetRule(id string) (Rule, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if idx := f.indexLocked(id); idx >= 0 {
		return f.rules[idx], true
	}
	return Rule{}, false
}

// ListRules returns all rules in evaluation order.
func (f *Filter) ListRules() []Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Rule, len(f.rules))
	copy(out, f.rules)
	return out
}

// SetRules replaces the whole rule set. Nothing changes if any rule is invalid.
func (f *Filter) SetRules(rules []Rule) error {
	prepared := make([]Rule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		p, err := f.prepare(r)
		if err != nil {
			return err
		}
		if seen[p.ID] {
			return errors.ErrConflict.WithMessage("duplicate rule id").WithDetail("rule_id", p.ID)
		}
		seen[p.ID] = true
		prepared = append(prepared, p)
	}

	f.mu.Lock()
	now := f.now()
	for i := range prepared {
		f.seq++
		prepared[i].seq = f.seq
		prepared[i].CreatedAt, prepared[i].UpdatedAt = now, now
	}
	f.rules = prepared
	f.sortLocked()
	f.mu.Unlock()

	f.log.Infow("Rules loaded", "rules_count", len(prepared))
	return nil
}

func (f *Filter) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s := f.stats
	s.RuleHits = make(map[string]uint64, len(f.stats.RuleHits))
	for k, v := range f.stats.RuleHits {
		s.RuleHits[k] = v
	}
	return s
}

func (f *Filter) indexLocked(id string) int {
	for i, r := range f.rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}
