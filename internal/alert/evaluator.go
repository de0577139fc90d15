package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fieldgate/internal/gateway"
	"fieldgate/internal/pubsub"
	"fieldgate/internal/rules"
	"fieldgate/internal/support/check"
)

// NotificationState is the transition carried by a notification.
type NotificationState string

const (
	StateTriggered NotificationState = "TRIGGERED"
	StateResolved  NotificationState = "RESOLVED"
)

// Notification is one edge transition for a (device, rule) pair.
type Notification struct {
	DeviceID string
	RuleCode string
	RuleName string
	Severity Severity
	State    NotificationState
	Value    float64
	At       time.Time
}

// Evaluator applies a device model's rules to its snapshots and tracks
// per-(device, code) state so repeated evaluations in the same state
// stay silent.
type Evaluator struct {
	clock     gateway.Clock
	composite *rules.Evaluator

	mu        sync.Mutex
	rulesFor  map[string][]Rule // keyed by device model
	triggered map[string]bool   // keyed by deviceID|code
}

// NewEvaluator builds an evaluator from per-model rule sets. Invalid
// rules are dropped with a warning.
func NewEvaluator(clock gateway.Clock, composite *rules.Evaluator, rulesByModel map[string][]Rule) *Evaluator {
	check.Assert(clock != nil, "alert.NewEvaluator: clock must not be nil")
	valid := make(map[string][]Rule, len(rulesByModel))
	for model, rs := range rulesByModel {
		valid[model] = ValidRules(rs)
	}
	return &Evaluator{
		clock:     clock,
		composite: composite,
		rulesFor:  valid,
		triggered: make(map[string]bool),
	}
}

// Evaluate runs every rule for the snapshot's model and returns the
// edge transitions. Rules whose sources are absent yield nothing.
func (e *Evaluator) Evaluate(ctx context.Context, snap gateway.Snapshot) []Notification {
	rs := e.rulesFor[snap.Model]
	if len(rs) == 0 {
		return nil
	}
	var out []Notification
	for _, r := range rs {
		triggered, value, ok := e.evalRule(ctx, r, snap)
		if !ok {
			continue
		}
		if n, emit := e.transition(snap.DeviceID, r, triggered, value); emit {
			out = append(out, n)
		}
	}
	return out
}

func (e *Evaluator) evalRule(ctx context.Context, r Rule, snap gateway.Snapshot) (bool, float64, bool) {
	switch r.Type {
	case TypeThreshold, TypeAverage, TypeSum, TypeMin, TypeMax:
		leaf := flatLeaf(r)
		v, ok := leaf.ConditionValue(snap.Values)
		if !ok {
			return false, 0, false
		}
		target := rules.Target{RuleCode: r.Code, DeviceModel: snap.Model, SlaveID: snap.SlaveID}
		return e.composite.Evaluate(ctx, target, leaf, snap.Values), v, true

	case TypeSchedule:
		observed, ok := snap.Values[r.StatePin]
		if !ok || gateway.IsMissing(observed) {
			return false, 0, false
		}
		now := e.clock.Now()
		allowed, err := r.Schedule.InWindow(now)
		if err != nil {
			slog.Warn("evaluating schedule rule", "code", r.Code, "error", err)
			return false, 0, false
		}
		if allowed {
			// Inside the window anything goes; report the resolved edge
			// if one is pending.
			return false, observed, true
		}
		return observed != r.ExpectedState, observed, true

	case TypeComposite:
		target := rules.Target{RuleCode: r.Code, DeviceModel: snap.Model, SlaveID: snap.SlaveID}
		return e.composite.Evaluate(ctx, target, r.Composite, snap.Values), 0, true

	default:
		return false, 0, false
	}
}

// flatLeaf lowers a flat rule definition onto the composite engine so
// hysteresis and debounce behave identically in both forms.
func flatLeaf(r Rule) *rules.Node {
	kind := rules.KindThreshold
	switch r.Type {
	case TypeAverage:
		kind = rules.KindAverage
	case TypeSum:
		kind = rules.KindSum
	case TypeMin:
		kind = rules.KindMin
	case TypeMax:
		kind = rules.KindMax
	}
	return &rules.Node{
		Kind:      kind,
		Sources:   r.Sources,
		Operator:  r.Operator,
		Threshold: r.Threshold,
		Min:       r.Min,
		Max:       r.Max,
	}
}

// transition updates the per-(device, code) latch and reports whether
// an edge notification should be emitted.
func (e *Evaluator) transition(deviceID string, r Rule, triggered bool, value float64) (Notification, bool) {
	key := deviceID + "|" + r.Code

	e.mu.Lock()
	was := e.triggered[key]
	e.triggered[key] = triggered
	e.mu.Unlock()

	if triggered == was {
		return Notification{}, false
	}
	state := StateTriggered
	if !triggered {
		state = StateResolved
	}
	return Notification{
		DeviceID: deviceID,
		RuleCode: r.Code,
		RuleName: r.Name,
		Severity: r.Severity,
		State:    state,
		Value:    value,
		At:       e.clock.Now(),
	}, true
}

// Run consumes DEVICE_SNAPSHOT and publishes edge notifications until
// ctx is done or the subscription closes.
func (e *Evaluator) Run(ctx context.Context, broker *pubsub.Broker) error {
	sub := broker.Subscribe(pubsub.TopicDeviceSnapshot)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			snap, ok := msg.(gateway.Snapshot)
			if !ok {
				continue
			}
			for _, n := range e.Evaluate(ctx, snap) {
				topic := pubsub.TopicAlertWarning
				if n.State == StateResolved {
					topic = pubsub.TopicAlertResolved
				}
				broker.Publish(topic, n)
				slog.Info("alert transition",
					"device", n.DeviceID,
					"rule", n.RuleCode,
					"state", string(n.State),
					"value", n.Value)
			}
		}
	}
}
