// Package control turns matched rules into device writes: a
// priority-ordered evaluator that applies setpoint policies, and an
// executor that arbitrates per-target writes.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"fieldgate/internal/gateway"
	"fieldgate/internal/rules"
)

// ActionType names the write the executor should perform.
type ActionType string

const (
	ActionSetFrequency    ActionType = "set_frequency"
	ActionAdjustFrequency ActionType = "adjust_frequency"
	ActionWriteDO         ActionType = "write_do"
	ActionReset           ActionType = "reset"
	ActionTurnOn          ActionType = "turn_on"
	ActionTurnOff         ActionType = "turn_off"
)

// PolicyKind selects how a matched rule computes its output value.
type PolicyKind string

const (
	PolicyDiscreteSetpoint  PolicyKind = "discrete_setpoint"
	PolicyAbsoluteLinear    PolicyKind = "absolute_linear"
	PolicyIncrementalLinear PolicyKind = "incremental_linear"
)

// Policy parametrizes the value computation. BaseTemp/BaseFreq/Gain
// apply to absolute_linear; Gain alone to incremental_linear.
type Policy struct {
	Kind     PolicyKind `yaml:"kind"`
	BaseTemp float64    `yaml:"base_temp,omitempty"`
	BaseFreq float64    `yaml:"base_freq,omitempty"`
	Gain     float64    `yaml:"gain,omitempty"`
}

// ActionSpec is one configured action of a rule.
type ActionSpec struct {
	Type              ActionType `yaml:"type"`
	Model             string     `yaml:"model"`
	SlaveID           int        `yaml:"slave_id"`
	Target            string     `yaml:"target"`
	Value             float64    `yaml:"value,omitempty"`
	EmergencyOverride bool       `yaml:"emergency_override,omitempty"`
}

// Rule is one control definition. Smaller Priority means higher
// priority; a matched Blocking rule suppresses everything below it.
type Rule struct {
	Code      string       `yaml:"code"`
	Name      string       `yaml:"name"`
	Priority  int          `yaml:"priority"`
	Blocking  bool         `yaml:"blocking,omitempty"`
	Composite *rules.Node  `yaml:"composite"`
	Policy    Policy       `yaml:"policy"`
	Actions   []ActionSpec `yaml:"actions"`
}

func (r Rule) validate() error {
	if r.Code == "" {
		return fmt.Errorf("control rule without code")
	}
	if r.Priority < 0 {
		return fmt.Errorf("control rule %s has negative priority %d", r.Code, r.Priority)
	}
	if r.Composite == nil {
		return fmt.Errorf("control rule %s has no condition", r.Code)
	}
	if err := r.Composite.Validate(); err != nil {
		return fmt.Errorf("control rule %s: %w", r.Code, err)
	}
	switch r.Policy.Kind {
	case PolicyDiscreteSetpoint, PolicyAbsoluteLinear, PolicyIncrementalLinear:
	default:
		return fmt.Errorf("control rule %s has unknown policy %q", r.Code, r.Policy.Kind)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("control rule %s has no actions", r.Code)
	}
	return nil
}

// Action is one resolved write, ready for the executor.
type Action struct {
	Model             string
	SlaveID           int
	Type              ActionType
	Target            string
	Value             float64
	Priority          int
	Reason            string
	EmergencyOverride bool
}

// DeviceID names the action's target device.
func (a Action) DeviceID() string {
	return gateway.DeviceID(a.Model, a.SlaveID)
}

// Range is a per-target frequency constraint.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Evaluator matches a device model's rules against snapshots and emits
// an ordered action list.
type Evaluator struct {
	composite *rules.Evaluator
	rulesFor  map[string][]Rule // keyed by device model, priority-sorted

	// constraints clamps frequency targets, keyed by deviceID|register.
	constraints map[string]Range
}

// NewEvaluator builds an evaluator; invalid rules are dropped with a
// warning and the rest are sorted by priority, declaration order
// preserved within equal priority.
func NewEvaluator(composite *rules.Evaluator, rulesByModel map[string][]Rule, constraints map[string]Range) *Evaluator {
	valid := make(map[string][]Rule, len(rulesByModel))
	for model, rs := range rulesByModel {
		kept := make([]Rule, 0, len(rs))
		for _, r := range rs {
			if err := r.validate(); err != nil {
				slog.Warn("ignoring invalid control rule", "error", err)
				continue
			}
			kept = append(kept, r)
		}
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Priority < kept[j].Priority })
		valid[model] = kept
	}
	if constraints == nil {
		constraints = make(map[string]Range)
	}
	return &Evaluator{composite: composite, rulesFor: valid, constraints: constraints}
}

// Evaluate walks the snapshot's rules in priority order and returns
// the actions of every matched rule, stopping after a blocking match.
func (e *Evaluator) Evaluate(ctx context.Context, snap gateway.Snapshot) []Action {
	var out []Action
	for _, r := range e.rulesFor[snap.Model] {
		target := rules.Target{RuleCode: r.Code, DeviceModel: snap.Model, SlaveID: snap.SlaveID}
		if !e.composite.Evaluate(ctx, target, r.Composite, snap.Values) {
			continue
		}
		for _, spec := range r.Actions {
			a, ok := e.resolve(r, spec, snap)
			if !ok {
				continue
			}
			out = append(out, a)
		}
		if r.Blocking {
			slog.Info("blocking control rule matched", "rule", r.Code, "priority", r.Priority)
			break
		}
	}
	return out
}

func (e *Evaluator) resolve(r Rule, spec ActionSpec, snap gateway.Snapshot) (Action, bool) {
	a := Action{
		Model:             spec.Model,
		SlaveID:           spec.SlaveID,
		Type:              spec.Type,
		Target:            spec.Target,
		Value:             spec.Value,
		Priority:          r.Priority,
		Reason:            fmt.Sprintf("rule %s (%s)", r.Code, r.Name),
		EmergencyOverride: spec.EmergencyOverride,
	}

	switch r.Policy.Kind {
	case PolicyDiscreteSetpoint:
		// Configured value passes through.
	case PolicyAbsoluteLinear:
		observed, ok := observedValue(r.Composite, snap.Values)
		if !ok {
			slog.Warn("absolute_linear without observable condition value", "rule", r.Code)
			return Action{}, false
		}
		a.Value = r.Policy.BaseFreq + (observed-r.Policy.BaseTemp)*r.Policy.Gain
	case PolicyIncrementalLinear:
		observed, ok := observedValue(r.Composite, snap.Values)
		if !ok {
			slog.Warn("incremental_linear without observable condition value", "rule", r.Code)
			return Action{}, false
		}
		a.Type = ActionAdjustFrequency
		a.Value = r.Policy.Gain
		if observed < 0 {
			a.Value = -r.Policy.Gain
		}
	}

	if a.Type == ActionSetFrequency {
		a.Value = e.clamp(a)
	}
	return a, true
}

// clamp bounds a frequency target by the device's constraint range.
// Emergency overrides skip the clamp; the reason records it.
func (e *Evaluator) clamp(a Action) float64 {
	c, ok := e.constraints[a.DeviceID()+"|"+a.Target]
	if !ok {
		return a.Value
	}
	if a.EmergencyOverride {
		if a.Value > c.Max {
			slog.Info("emergency override past constraint",
				"device", a.DeviceID(), "target", a.Target,
				"value", a.Value, "max", c.Max)
		}
		return a.Value
	}
	v := a.Value
	if v < c.Min {
		v = c.Min
	}
	if v > c.Max {
		v = c.Max
	}
	return v
}

// observedValue finds the first threshold or difference leaf in the
// tree and returns its condition value.
func observedValue(n *rules.Node, values map[string]float64) (float64, bool) {
	if n == nil {
		return 0, false
	}
	switch n.Kind {
	case rules.KindThreshold, rules.KindDifference:
		return n.ConditionValue(values)
	}
	for _, c := range n.Children {
		if v, ok := observedValue(c, values); ok {
			return v, ok
		}
	}
	return 0, false
}
